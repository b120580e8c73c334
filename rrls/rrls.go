package rrls

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-online-rls/errs"
)

// Estimator implements recursive ridge-regularized least squares.
// This is an exact online solver with the following features:
// - O(d²) rank-1 Cholesky updates by Givens rotations (no re-factorization)
// - Weights derived on demand from (R, Z) by two triangular solves
// - Multiple outputs sharing one factorization
// - Order-invariant: any permutation of the same samples yields the same model
// - Safe concurrent reads (Predict, Stats, Save) against a single writer
type Estimator struct {
	d      int     // input (mapped feature) dimension
	t      int     // output dimension
	lambda float64 // regularization parameter

	// Model state
	r *mat.TriDense // upper Cholesky factor, RᵀR = XᵀX + λI (d x d)
	z *mat.Dense    // cross-correlation accumulator XᵀY (d x t)

	// Update scratch, only touched under the write lock
	work []float64

	nUpdates uint64 // atomic counter for number of absorbed samples

	mu sync.RWMutex
}

// Option defines a functional option for configuring Estimator
type Option func(*Estimator)

// WithLambda sets the regularization parameter
func WithLambda(lambda float64) Option {
	return func(e *Estimator) {
		e.lambda = lambda
	}
}

// New creates an estimator with no absorbed samples: R = sqrt(λ)·I, Z = 0.
func New(d, t int, options ...Option) (*Estimator, error) {
	if d <= 0 || t <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got d=%d t=%d", errs.ErrConfigInvalid, d, t)
	}

	e := &Estimator{
		d:      d,
		t:      t,
		lambda: 1.0,
	}

	// Apply options
	for _, opt := range options {
		opt(e)
	}

	if !(e.lambda > 0) || math.IsInf(e.lambda, 0) {
		return nil, fmt.Errorf("%w: lambda must be positive and finite, got %v", errs.ErrConfigInvalid, e.lambda)
	}

	e.r = mat.NewTriDense(d, mat.Upper, nil)
	e.z = mat.NewDense(d, t, nil)
	e.work = make([]float64, d)
	e.resetLocked()

	return e, nil
}

// Dims returns the input and output dimensions.
func (e *Estimator) Dims() (d, t int) { return e.d, e.t }

// Lambda returns the regularization parameter.
func (e *Estimator) Lambda() float64 { return e.lambda }

// NUpdates returns the number of samples absorbed by Update (plus the batch
// size when the estimator was built by NewFromBatch).
func (e *Estimator) NUpdates() uint64 { return atomic.LoadUint64(&e.nUpdates) }

// validate checks length and finiteness of a vector
func validate(v []float64, want int, kind string) error {
	if len(v) != want {
		return &InputError{Expected: want, Got: len(v), Type: kind}
	}
	for i, val := range v {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%w: %s has non-finite value at %d", errs.ErrDimensionMismatch, kind, i)
		}
	}
	return nil
}

// Predict returns xᵀW for the weights of all samples absorbed so far.
// It never sees the target of a sample that has not been passed to Update.
func (e *Estimator) Predict(x []float64) ([]float64, error) {
	if err := validate(x, e.d, "feature vector"); err != nil {
		return nil, err
	}

	e.mu.RLock()
	w := e.weightsLocked()
	e.mu.RUnlock()

	yhat := mat.NewVecDense(e.t, nil)
	yhat.MulVec(w.T(), mat.NewVecDense(e.d, x))
	return yhat.RawVector().Data, nil
}

// PredictBatch predicts every row of X against the same weights.
func (e *Estimator) PredictBatch(X [][]float64) ([][]float64, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("empty feature batch")
	}
	for i, x := range X {
		if err := validate(x, e.d, "feature vector"); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}

	e.mu.RLock()
	w := e.weightsLocked()
	e.mu.RUnlock()

	out := make([][]float64, len(X))
	for i, x := range X {
		yhat := mat.NewVecDense(e.t, nil)
		yhat.MulVec(w.T(), mat.NewVecDense(e.d, x))
		out[i] = yhat.RawVector().Data
	}
	return out, nil
}

// Weights returns a copy of the current weight matrix W (d x t).
func (e *Estimator) Weights() *mat.Dense {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weightsLocked()
}

// weightsLocked solves Rᵀu = Z (forward substitution) and then RW = u (back
// substitution) on a copy of Z.
func (e *Estimator) weightsLocked() *mat.Dense {
	w := mat.DenseCopyOf(e.z)
	tri := e.r.RawTriangular()
	raw := w.RawMatrix()
	blas64.Trsm(blas.Left, blas.Trans, 1, tri, raw)
	blas64.Trsm(blas.Left, blas.NoTrans, 1, tri, raw)
	return w
}

// Update absorbs one sample: RᵀR ← RᵀR + xxᵀ and Z ← Z + xᵀy.
// On a validation error the state is left untouched.
func (e *Estimator) Update(x, y []float64) error {
	if err := validate(x, e.d, "feature vector"); err != nil {
		return err
	}
	if err := validate(y, e.t, "target vector"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cholRank1Update(x)

	// Z += x yᵀ
	zRaw := e.z.RawMatrix()
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := zRaw.Data[i*zRaw.Stride : i*zRaw.Stride+e.t]
		for j, yj := range y {
			row[j] += xi * yj
		}
	}

	atomic.AddUint64(&e.nUpdates, 1)
	return nil
}

// cholRank1Update performs rank-1 Cholesky update R ← cholupdate(R, x) with a
// sequence of d Givens rotations, each zeroing x[k] against row k of R.
// r_kk stays strictly positive because hypot(r_kk, x_k) >= r_kk > 0.
func (e *Estimator) cholRank1Update(x []float64) {
	v := e.work
	copy(v, x)

	tri := e.r.RawTriangular()
	data, stride := tri.Data, tri.Stride

	for k := 0; k < e.d; k++ {
		vk := v[k]
		if vk == 0 {
			continue
		}
		rkk := data[k*stride+k]

		// Givens rotation to eliminate v[k]
		r := math.Hypot(rkk, vk)
		c := rkk / r
		s := vk / r
		data[k*stride+k] = r

		row := data[k*stride : k*stride+e.d]
		for j := k + 1; j < e.d; j++ {
			rkj := row[j]
			vj := v[j]
			row[j] = c*rkj + s*vj
			v[j] = c*vj - s*rkj
		}
	}
}

// Reset resets the model to its initial state (useful for A/B testing)
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Estimator) resetLocked() {
	sqrtLambda := math.Sqrt(e.lambda)
	for i := 0; i < e.d; i++ {
		for j := i; j < e.d; j++ {
			if i == j {
				e.r.SetTri(i, j, sqrtLambda)
			} else {
				e.r.SetTri(i, j, 0.0)
			}
		}
	}
	e.z.Zero()
	atomic.StoreUint64(&e.nUpdates, 0)
}

// Factor returns a copy of the upper Cholesky factor R.
func (e *Estimator) Factor() *mat.TriDense {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := mat.NewTriDense(e.d, mat.Upper, nil)
	r.Copy(e.r)
	return r
}

// CrossCorrelation returns a copy of Z = XᵀY.
func (e *Estimator) CrossCorrelation() *mat.Dense {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return mat.DenseCopyOf(e.z)
}

// GetStats returns current model statistics
func (e *Estimator) GetStats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	minDiag, maxDiag := math.Inf(1), 0.0
	for i := 0; i < e.d; i++ {
		v := e.r.At(i, i)
		minDiag = math.Min(minDiag, v)
		maxDiag = math.Max(maxDiag, v)
	}

	// cond(RᵀR) is bounded below by (max r_ii / min r_ii)²
	condEstimate := (maxDiag / minDiag) * (maxDiag / minDiag)

	return map[string]any{
		"n_updates":          atomic.LoadUint64(&e.nUpdates),
		"d":                  e.d,
		"t":                  e.t,
		"lambda":             e.lambda,
		"min_diag":           minDiag,
		"max_diag":           maxDiag,
		"condition_estimate": condEstimate,
	}
}

// State represents the serializable state of Estimator
type State struct {
	Version  int       `gob:"version"`
	D        int       `gob:"d"`
	T        int       `gob:"t"`
	Lambda   float64   `gob:"lambda"`
	RData    []float64 `gob:"r_data"` // upper triangle of R, row-major packed
	ZData    []float64 `gob:"z_data"` // Z, row-major
	NUpdates uint64    `gob:"n_updates"`
}

// Save serializes the model state to gob format
func (e *Estimator) Save(w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state := State{
		Version:  1,
		D:        e.d,
		T:        e.t,
		Lambda:   e.lambda,
		RData:    make([]float64, 0, e.d*(e.d+1)/2),
		ZData:    make([]float64, 0, e.d*e.t),
		NUpdates: atomic.LoadUint64(&e.nUpdates),
	}

	for i := 0; i < e.d; i++ {
		for j := i; j < e.d; j++ {
			state.RData = append(state.RData, e.r.At(i, j))
		}
	}
	for i := 0; i < e.d; i++ {
		state.ZData = append(state.ZData, e.z.RawRowView(i)...)
	}

	encoder := gob.NewEncoder(w)
	return encoder.Encode(state)
}

// Load deserializes model state from gob format
func Load(r io.Reader) (*Estimator, error) {
	decoder := gob.NewDecoder(r)

	var state State
	if err := decoder.Decode(&state); err != nil {
		return nil, err
	}

	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}

	e, err := New(state.D, state.T, WithLambda(state.Lambda))
	if err != nil {
		return nil, err
	}

	if len(state.RData) != state.D*(state.D+1)/2 {
		return nil, errors.New("invalid R data length")
	}
	if len(state.ZData) != state.D*state.T {
		return nil, errors.New("invalid Z data length")
	}

	// Restore R, rejecting factors that are not positive definite
	idx := 0
	for i := 0; i < state.D; i++ {
		for j := i; j < state.D; j++ {
			v := state.RData[idx]
			idx++
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.New("non-finite value in R data")
			}
			if i == j && v <= 0 {
				return nil, fmt.Errorf("non-positive diagonal in R at %d", i)
			}
			e.r.SetTri(i, j, v)
		}
	}

	// Restore Z
	zData := make([]float64, len(state.ZData))
	copy(zData, state.ZData)
	e.z = mat.NewDense(state.D, state.T, zData)

	atomic.StoreUint64(&e.nUpdates, state.NUpdates)
	return e, nil
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
