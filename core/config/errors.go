package config

import "errors"

var (
	// ErrNilTarget is returned when Load is called with a nil pointer.
	ErrNilTarget = errors.New("config target must be a non-nil pointer")

	// ErrParseFailed wraps environment parsing errors from the env library.
	ErrParseFailed = errors.New("failed to parse environment configuration")
)
