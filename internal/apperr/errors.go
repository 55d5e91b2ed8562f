// Package apperr defines the error categories shared by all pipeline stages.
package apperr

import "errors"

var (
	// ErrMissingInput marks an expected input file that is absent.
	ErrMissingInput = errors.New("missing input")
	// ErrMalformedInput marks an unreadable container or inconsistent geometry.
	ErrMalformedInput = errors.New("malformed input")
	// ErrDegenerate marks a computation that produced no usable result.
	ErrDegenerate = errors.New("degenerate result")
	// ErrInvalidConfig marks a configuration that failed validation.
	ErrInvalidConfig = errors.New("invalid config")
)
