package stream

import "errors"

var (
	// ErrLogNil is returned when a Manager is created without an event log.
	ErrLogNil = errors.New("stream: event log cannot be nil")

	// ErrConnNil is returned when Connect is called with a nil transport.
	ErrConnNil = errors.New("stream: connection cannot be nil")

	// ErrNoTopics is returned when a subscription names no topics.
	ErrNoTopics = errors.New("stream: at least one topic is required")

	// ErrUnknownSubscription is returned when an operation references a
	// subscription ID the manager does not hold.
	ErrUnknownSubscription = errors.New("stream: unknown subscription")

	// ErrSubscriberOverflow is the force-close cause for a subscriber whose
	// outbound queue filled up. Slow consumers are disconnected rather than
	// allowed to stall delivery for everyone else.
	ErrSubscriberOverflow = errors.New("stream: subscriber outbound queue overflow")

	// ErrHeartbeatTimeout is the close cause for a subscriber that stopped
	// acknowledging liveness probes.
	ErrHeartbeatTimeout = errors.New("stream: heartbeat timeout")

	// ErrSubscriptionClosed is returned when enqueueing to a subscription
	// that has already been closed.
	ErrSubscriptionClosed = errors.New("stream: subscription closed")

	// ErrShuttingDown is returned by Connect once Shutdown has begun.
	ErrShuttingDown = errors.New("stream: manager is shutting down")
)
