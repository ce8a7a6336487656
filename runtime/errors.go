package runtime

import (
	stderrors "errors"
)

var (
	// errUnserved marks a dataset nothing can serve: no acceleration, not a
	// view, and no connector table provider
	errUnserved = stderrors.New("dataset has no acceleration and no table provider")
	// errSuperseded is returned by an attempt that a newer load or a removal replaced
	errSuperseded = stderrors.New("load attempt superseded")
)

// loadError is the tagged outcome of one failed pipeline attempt. Permanent
// failures end the pipeline; the rest are retried.
type loadError struct {
	err       error
	permanent bool
}

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }

func permanent(err error) *loadError { return &loadError{err: err, permanent: true} }
func retryable(err error) *loadError { return &loadError{err: err} }
