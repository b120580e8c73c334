package rfmapper

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/n0madic/go-online-rls/errs"
)

// Variant selects the nonlinearity applied to each projected scalar.
type Variant int

const (
	// Linear keeps the projected scalar as is (one coordinate per projection).
	Linear Variant = iota
	// Cosine emits sqrt(2/numRF)·cos(s) (one coordinate per projection).
	Cosine
	// CosSin emits sqrt(1/numRF)·cos(s) and sqrt(1/numRF)·sin(s)
	// (two coordinates per projection).
	CosSin
)

var variantNames = map[Variant]string{
	Linear: "linear",
	Cosine: "cos",
	CosSin: "cossin",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Dim returns the mapped feature dimension produced from numRF projections.
func (v Variant) Dim(numRF int) int {
	if v == CosSin {
		return 2 * numRF
	}
	return numRF
}

// ParseVariant accepts the variant names used in configuration files. The
// numeric selectors 1, 2 and 3 are accepted as aliases.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear", "identity", "1", "":
		return Linear, nil
	case "cos", "cosine", "2":
		return Cosine, nil
	case "cossin", "fourier", "3":
		return CosSin, nil
	}
	return 0, fmt.Errorf("%w: unknown mapping variant %q", errs.ErrConfigInvalid, s)
}

// Projection is a single random projection direction with its phase.
type Projection struct {
	W []float64 `yaml:"w" json:"w"`
	B float64   `yaml:"b" json:"b"`
}

// Mapper applies a fixed set of random projections followed by a fixed
// nonlinearity. The projection set is copied on construction and never
// mutated, so a Mapper is safe for concurrent use.
type Mapper struct {
	dIn     int
	numRF   int
	variant Variant
	scale   float64
	proj    []Projection
}

// New creates a Mapper for dIn-dimensional inputs. numRF must match the number
// of projections and every projection must have dIn weights.
func New(dIn, numRF int, variant Variant, projections []Projection) (*Mapper, error) {
	if dIn <= 0 || numRF <= 0 {
		return nil, fmt.Errorf("%w: d_in=%d num_rf=%d must be positive", errs.ErrConfigInvalid, dIn, numRF)
	}
	if _, ok := variantNames[variant]; !ok {
		return nil, fmt.Errorf("%w: unknown mapping variant %d", errs.ErrConfigInvalid, int(variant))
	}
	if len(projections) != numRF {
		return nil, fmt.Errorf("%w: got %d projections, num_rf is %d", errs.ErrConfigInvalid, len(projections), numRF)
	}

	m := &Mapper{
		dIn:     dIn,
		numRF:   numRF,
		variant: variant,
		proj:    make([]Projection, numRF),
	}
	for i, p := range projections {
		if len(p.W) != dIn {
			return nil, fmt.Errorf("%w: projection %d has %d weights, d_in is %d", errs.ErrConfigInvalid, i, len(p.W), dIn)
		}
		for _, w := range p.W {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return nil, fmt.Errorf("%w: projection %d has a non-finite weight", errs.ErrConfigInvalid, i)
			}
		}
		w := make([]float64, dIn)
		copy(w, p.W)
		m.proj[i] = Projection{W: w, B: p.B}
	}

	switch variant {
	case Cosine:
		m.scale = math.Sqrt(2.0 / float64(numRF))
	case CosSin:
		m.scale = math.Sqrt(1.0 / float64(numRF))
	default:
		m.scale = 1
	}
	return m, nil
}

// InDim returns the raw input dimension.
func (m *Mapper) InDim() int { return m.dIn }

// OutDim returns the mapped feature dimension.
func (m *Mapper) OutDim() int { return m.variant.Dim(m.numRF) }

// NumRF returns the number of projections.
func (m *Mapper) NumRF() int { return m.numRF }

// Variant returns the configured nonlinearity.
func (m *Mapper) Variant() Variant { return m.variant }

// Map transforms x into a freshly allocated feature vector.
func (m *Mapper) Map(x []float64) ([]float64, error) {
	out := make([]float64, m.OutDim())
	if err := m.MapInto(out, x); err != nil {
		return nil, err
	}
	return out, nil
}

// MapInto writes the features of x into dst, which must have length OutDim.
func (m *Mapper) MapInto(dst, x []float64) error {
	if len(x) != m.dIn {
		return &InputError{Expected: m.dIn, Got: len(x), Type: "input vector"}
	}
	if len(dst) != m.OutDim() {
		return &InputError{Expected: m.OutDim(), Got: len(dst), Type: "feature buffer"}
	}

	for i, p := range m.proj {
		s := floats.Dot(p.W, x) + p.B
		switch m.variant {
		case Linear:
			dst[i] = s
		case Cosine:
			dst[i] = m.scale * math.Cos(s)
		case CosSin:
			sin, cos := math.Sincos(s)
			dst[i] = m.scale * cos
			dst[m.numRF+i] = m.scale * sin
		}
	}
	return nil
}

// Projections returns a deep copy of the projection set.
func (m *Mapper) Projections() []Projection {
	out := make([]Projection, len(m.proj))
	for i, p := range m.proj {
		w := make([]float64, len(p.W))
		copy(w, p.W)
		out[i] = Projection{W: w, B: p.B}
	}
	return out
}

// Generate draws numRF Gaussian projections for dIn inputs, w ~ N(0, scale²)
// and b ~ U[0, 2π), which approximates an RBF kernel of bandwidth 1/scale when
// used with the Cosine or CosSin variants. A zero seed uses the current time.
func Generate(numRF, dIn int, scale float64, seed int64) ([]Projection, error) {
	if numRF <= 0 || dIn <= 0 {
		return nil, fmt.Errorf("%w: num_rf=%d d_in=%d must be positive", errs.ErrConfigInvalid, numRF, dIn)
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: projection scale must be positive, got %v", errs.ErrConfigInvalid, scale)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	proj := make([]Projection, numRF)
	for i := range proj {
		w := make([]float64, dIn)
		for j := range w {
			w[j] = rng.NormFloat64() * scale
		}
		proj[i] = Projection{W: w, B: rng.Float64() * 2 * math.Pi}
	}
	return proj, nil
}

// InputError represents an input validation error
type InputError struct {
	Expected int
	Got      int
	Type     string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s must have size %d, got %d", e.Type, e.Expected, e.Got)
}

// Unwrap lets errors.Is match errs.ErrDimensionMismatch.
func (e *InputError) Unwrap() error { return errs.ErrDimensionMismatch }
