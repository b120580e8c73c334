// Package pretrain loads a batch of labelled samples from a tabular file and
// turns it into a factorized estimator plus the per-target variances used to
// normalize the streaming error.
package pretrain

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/n0madic/go-online-rls/errs"
	"github.com/n0madic/go-online-rls/perf"
	"github.com/n0madic/go-online-rls/rrls"
)

// FeatureMapper maps raw inputs into the estimator's feature space.
// *rfmapper.Mapper satisfies it.
type FeatureMapper interface {
	Map(x []float64) ([]float64, error)
	OutDim() int
}

// Dataset holds the raw rows read from a pretraining file.
type Dataset struct {
	X [][]float64 // n x d_in
	Y [][]float64 // n x t
}

// Len returns the number of rows.
func (ds *Dataset) Len() int { return len(ds.X) }

// Result is the outcome of batch pretraining.
type Result struct {
	Estimator *rrls.Estimator
	Variance  []float64
	Samples   int
}

// Load reads the first n rows of path. Each row must carry exactly dIn+t
// numeric columns separated by commas, semicolons or whitespace; the first dIn
// are features and the next t targets. Blank lines and lines starting with #
// are skipped and rows after the n-th are never read.
func Load(path string, n, dIn, t int) (*Dataset, error) {
	if n <= 0 || dIn <= 0 || t <= 0 {
		return nil, fmt.Errorf("%w: n=%d d_in=%d t=%d must be positive", errs.ErrConfigInvalid, n, dIn, t)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrPretrainLoadFailed, err)
	}
	defer f.Close()

	ds := &Dataset{
		X: make([][]float64, 0, n),
		Y: make([][]float64, 0, n),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for ds.Len() < n && scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := splitFields(text)
		if len(fields) != dIn+t {
			return nil, fmt.Errorf("%w: %s line %d has %d columns, want %d",
				errs.ErrPretrainLoadFailed, path, line, len(fields), dIn+t)
		}

		row := make([]float64, dIn+t)
		for j := range row {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %s line %d column %d: invalid number %q",
					errs.ErrPretrainLoadFailed, path, line, j+1, fields[j])
			}
			row[j] = v
		}
		ds.X = append(ds.X, row[:dIn:dIn])
		ds.Y = append(ds.Y, row[dIn:])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errs.ErrPretrainLoadFailed, path, err)
	}
	if ds.Len() < n {
		return nil, fmt.Errorf("%w: %s has %d rows, need %d", errs.ErrPretrainLoadFailed, path, ds.Len(), n)
	}
	return ds, nil
}

func splitFields(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t':
			return true
		}
		return false
	})
}

// Variance returns the population variance of every target column.
func (ds *Dataset) Variance() []float64 {
	if ds.Len() == 0 {
		return nil
	}
	t := len(ds.Y[0])
	col := make([]float64, ds.Len())
	out := make([]float64, t)
	for j := 0; j < t; j++ {
		for i, y := range ds.Y {
			col[i] = y[j]
		}
		out[j] = stat.PopVariance(col, nil)
	}
	return out
}

// Pretrain builds an estimator from ds in one batch factorization. When mapper
// is nil the rows are used as features directly.
func Pretrain(ds *Dataset, mapper FeatureMapper, lambda float64) (*Result, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("%w: empty dataset", errs.ErrPretrainLoadFailed)
	}

	X := ds.X
	d := len(ds.X[0])
	if mapper != nil {
		d = mapper.OutDim()
		X = make([][]float64, ds.Len())
		for i, x := range ds.X {
			z, err := mapper.Map(x)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			X[i] = z
		}
	}

	est, err := rrls.NewFromBatch(X, ds.Y, d, len(ds.Y[0]), rrls.WithLambda(lambda))
	if err != nil {
		return nil, err
	}

	return &Result{
		Estimator: est,
		Variance:  ds.Variance(),
		Samples:   ds.Len(),
	}, nil
}

// Policy decides what a failed pretraining does to startup.
type Policy int

const (
	// Degrade continues with a zero-initialized estimator and unit variances.
	Degrade Policy = iota
	// Fatal aborts startup.
	Fatal
)

func (p Policy) String() string {
	if p == Fatal {
		return "fatal"
	}
	return "degrade"
}

// ParsePolicy accepts "degrade" (or empty) and "fatal".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "degrade":
		return Degrade, nil
	case "fatal":
		return Fatal, nil
	}
	return Degrade, fmt.Errorf("%w: unknown pretrain policy %q", errs.ErrConfigInvalid, s)
}

// Options configures Run.
type Options struct {
	Enabled bool
	Path    string
	Count   int
	Policy  Policy

	DIn    int
	D      int
	T      int
	Lambda float64
}

// Run executes the pretraining step described by opts. Without pretraining,
// and on a load failure under the Degrade policy, it returns a fresh estimator
// with unit variances. Pretrained reports whether the batch was absorbed.
func Run(opts Options, mapper FeatureMapper, logger *zap.Logger) (res *Result, pretrained bool, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("module", "pretrain"))

	fresh := func() (*Result, error) {
		est, err := rrls.New(opts.D, opts.T, rrls.WithLambda(opts.Lambda))
		if err != nil {
			return nil, err
		}
		return &Result{Estimator: est, Variance: perf.DefaultVariance(opts.T)}, nil
	}

	if !opts.Enabled {
		res, err := fresh()
		return res, false, err
	}

	logger.Info("pretraining requested",
		zap.String("path", opts.Path),
		zap.Int("samples", opts.Count),
		zap.Stringer("policy", opts.Policy))

	res, err = loadAndPretrain(opts, mapper)
	if err == nil {
		logger.Info("batch pretraining complete",
			zap.Int("samples", res.Samples),
			zap.Float64s("variance", res.Variance))
		return res, true, nil
	}

	if opts.Policy == Fatal || !errors.Is(err, errs.ErrPretrainLoadFailed) {
		return nil, false, err
	}

	logger.Warn("pretraining failed, starting from an empty model", zap.Error(err))
	res, err = fresh()
	return res, false, err
}

func loadAndPretrain(opts Options, mapper FeatureMapper) (*Result, error) {
	ds, err := Load(opts.Path, opts.Count, opts.DIn, opts.T)
	if err != nil {
		return nil, err
	}
	return Pretrain(ds, mapper, opts.Lambda)
}
