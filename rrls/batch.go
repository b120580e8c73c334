package rrls

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

// NewFromBatch solves the ridge problem for all rows of X and Y at once with a
// standard Cholesky factorization of XᵀX + λI. The result is the state that
// len(X) calls to Update would produce, in any order.
func NewFromBatch(X, Y [][]float64, d, t int, options ...Option) (*Estimator, error) {
	e, err := New(d, t, options...)
	if err != nil {
		return nil, err
	}
	if len(X) != len(Y) {
		return nil, fmt.Errorf("batch has %d feature rows but %d target rows", len(X), len(Y))
	}
	n := len(X)
	if n == 0 {
		return e, nil
	}

	xm := mat.NewDense(n, d, nil)
	ym := mat.NewDense(n, t, nil)
	for i := 0; i < n; i++ {
		if err := validate(X[i], d, "feature vector"); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if err := validate(Y[i], t, "target vector"); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		xm.SetRow(i, X[i])
		ym.SetRow(i, Y[i])
	}

	// Gram matrix XᵀX + λI
	gram := mat.NewSymDense(d, nil)
	gram.SymOuterK(1, xm.T())
	for i := 0; i < d; i++ {
		gram.SetSym(i, i, gram.At(i, i)+e.lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, errors.New("cholesky factorization of the regularized gram matrix failed")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chol.UTo(e.r)
	e.z.Mul(xm.T(), ym)
	atomic.StoreUint64(&e.nUpdates, uint64(n))

	return e, nil
}
