package cache

import "errors"

var (
	// ErrUnavailable is returned when the remote tier cannot be reached
	// after the configured timeout. The memory tier alone never satisfies
	// writes, so callers must treat this as a failed operation.
	ErrUnavailable = errors.New("remote cache tier unavailable")

	// ErrRemoteTierNil is returned when a Tiered cache is constructed
	// without a remote tier.
	ErrRemoteTierNil = errors.New("remote tier must not be nil")

	// ErrAlreadyRunning is returned when background tasks are started twice.
	ErrAlreadyRunning = errors.New("cache background tasks already running")
)
