// Package perf tracks the running normalized mean squared error of a stream
// of predictions, one value per output dimension.
package perf

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/n0madic/go-online-rls/errs"
)

// Tracker accumulates squared prediction errors and reports them normalized
// by a fixed per-dimension target variance:
//
//	nmse[i] = (Σ (y[i] - yhat[i])²) / var[i] / count
//
// A dimension whose variance is zero reports the unnormalized mean squared
// error instead.
type Tracker struct {
	variance   []float64
	norm       []float64 // variance with degenerate dimensions set to 1
	sq         []float64 // scratch for squared errors
	sum        []float64
	current    []float64
	count      uint64
	degenerate []int

	mu sync.RWMutex
}

// DefaultVariance returns unit variances for t dimensions, used when no
// pretraining data is available.
func DefaultVariance(t int) []float64 {
	v := make([]float64, t)
	for i := range v {
		v[i] = 1
	}
	return v
}

// New creates a tracker normalizing by variance. Zero entries are accepted and
// reported by DegenerateDims; negative or non-finite entries are rejected.
func New(variance []float64) (*Tracker, error) {
	if len(variance) == 0 {
		return nil, fmt.Errorf("%w: variance vector is empty", errs.ErrConfigInvalid)
	}

	tr := &Tracker{
		variance: make([]float64, len(variance)),
		norm:     make([]float64, len(variance)),
		sq:       make([]float64, len(variance)),
		sum:      make([]float64, len(variance)),
		current:  make([]float64, len(variance)),
	}
	for i, v := range variance {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: variance[%d] = %v", errs.ErrConfigInvalid, i, v)
		}
		tr.variance[i] = v
		tr.norm[i] = v
		if v == 0 {
			tr.degenerate = append(tr.degenerate, i)
			tr.norm[i] = 1
		}
	}
	return tr, nil
}

// Dim returns the number of tracked output dimensions.
func (tr *Tracker) Dim() int { return len(tr.variance) }

// DegenerateDims lists the dimensions with zero variance.
func (tr *Tracker) DegenerateDims() []int {
	out := make([]int, len(tr.degenerate))
	copy(out, tr.degenerate)
	return out
}

// Warning returns an error wrapping errs.ErrDegenerateVariance when any
// dimension has zero variance, nil otherwise. It is informational only.
func (tr *Tracker) Warning() error {
	if len(tr.degenerate) == 0 {
		return nil
	}
	return fmt.Errorf("%w: dimensions %v report raw squared error", errs.ErrDegenerateVariance, tr.degenerate)
}

// Score adds one (prediction, target) pair and returns the updated running
// normalized MSE. On a length mismatch the accumulator is left untouched.
func (tr *Tracker) Score(yhat, y []float64) ([]float64, error) {
	t := len(tr.variance)
	if len(yhat) != t || len(y) != t {
		return nil, fmt.Errorf("%w: score expects %d values, got prediction %d and target %d",
			errs.ErrDimensionMismatch, t, len(yhat), len(y))
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	floats.SubTo(tr.sq, y, yhat)
	floats.Mul(tr.sq, tr.sq)
	floats.Add(tr.sum, tr.sq)
	tr.count++

	out := make([]float64, t)
	floats.ScaleTo(out, 1/float64(tr.count), tr.sum)
	floats.Div(out, tr.norm)
	copy(tr.current, out)
	return out, nil
}

// Count returns the number of scored samples.
func (tr *Tracker) Count() uint64 {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.count
}

// Current returns the last reported normalized MSE (zeros before any Score).
func (tr *Tracker) Current() []float64 {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]float64, len(tr.current))
	copy(out, tr.current)
	return out
}

// RMSE returns the unnormalized root mean squared error per dimension.
func (tr *Tracker) RMSE() []float64 {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]float64, len(tr.sum))
	if tr.count == 0 {
		return out
	}
	floats.ScaleTo(out, 1/float64(tr.count), tr.sum)
	for i, ms := range out {
		out[i] = math.Sqrt(ms)
	}
	return out
}

// Variance returns a copy of the normalizing variances.
func (tr *Tracker) Variance() []float64 {
	out := make([]float64, len(tr.variance))
	copy(out, tr.variance)
	return out
}

// Reset clears the accumulator, keeping the variances.
func (tr *Tracker) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.count = 0
	clear(tr.sum)
	clear(tr.current)
}
