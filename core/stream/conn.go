package stream

import "context"

// Conn abstracts the subscriber transport. The manager never touches a
// network socket directly; it writes frames and pings through this
// interface and learns about liveness acks via the registered callback.
//
// A Conn is written to by exactly one goroutine (the subscription's writer
// loop), so implementations do not need to serialize WriteFrame against
// Ping. Close may be called from any goroutine and must be idempotent.
type Conn interface {
	// WriteFrame sends one frame to the subscriber. Implementations should
	// honor the context deadline as a write deadline.
	WriteFrame(ctx context.Context, f Frame) error

	// Ping sends a transport-level liveness probe.
	Ping(ctx context.Context) error

	// OnPong registers the callback invoked whenever the subscriber
	// acknowledges a probe. Registered once, before the first Ping.
	OnPong(fn func())

	// Close tears the transport down and releases its resources.
	Close() error
}
