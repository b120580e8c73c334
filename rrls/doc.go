// Package rrls implements recursive ridge-regularized least squares (RRLS).
//
// The estimator keeps the upper Cholesky factor R of the regularized Gram
// matrix and the cross-correlation Z:
//
//	RᵀR = XᵀX + λI    Z = XᵀY
//
// Each Update folds one sample into R with d Givens rotations (O(d²)) and into
// Z with an outer product (O(d·t)). Predict derives the weights W from (R, Z)
// with two triangular solves, RᵀU = Z then RW = U, so they always equal the
// exact ridge solution (XᵀX + λI)⁻¹XᵀY over every sample absorbed so far.
// No matrix is ever inverted and R keeps a strictly positive diagonal for any
// λ > 0.
//
// Calling Predict before Update on the same sample gives a test-then-train
// (prequential) evaluation: the prediction never depends on that sample's
// target.
package rrls
