// Package errs defines the error taxonomy shared by the estimator, the feature
// mapper and the streaming service. Callers match with errors.Is.
package errs

import "errors"

var (
	// ErrConfigInvalid reports missing or non-positive dimensions, a
	// non-positive regularization or a projection count mismatch. Fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrDimensionMismatch reports a sample or feature vector of the wrong length.
	// The sample is dropped and the stream continues.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrPretrainLoadFailed reports a missing, unreadable or malformed batch source.
	ErrPretrainLoadFailed = errors.New("pretraining load failed")

	// ErrDegenerateVariance reports a zero-variance target column. The affected
	// dimension falls back to unnormalized squared error.
	ErrDegenerateVariance = errors.New("degenerate variance")

	// ErrClosed is returned by transports and loops that were already closed.
	ErrClosed = errors.New("closed")
)
