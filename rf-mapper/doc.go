// Package rfmapper implements a random feature map: every input vector is
// projected onto a fixed set of random directions and passed through a fixed
// nonlinearity, so that a linear model in the mapped space approximates a
// nonlinear (kernel) regression in the input space.
//
// Three variants are supported:
//
//	linear  z_i = w_i·x + b_i
//	cos     z_i = sqrt(2/n)·cos(w_i·x + b_i)
//	cossin  z = sqrt(1/n)·[cos(w_0·x+b_0) ... cos(w_{n-1}·x+b_{n-1}), sin(...) ...]
//
// The cos variants with Gaussian projections (see Generate) are the random
// Fourier features of Rahimi and Recht.
package rfmapper
