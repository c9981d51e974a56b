package event

import "errors"

var (
	// ErrUnavailable is returned when the event log cannot be reached
	// after the publish retry budget is exhausted.
	ErrUnavailable = errors.New("event log unavailable")

	// ErrOrderingViolation is returned when an append would place an event
	// at or below the partition's last sequence. It indicates a producer
	// bug and is never retried.
	ErrOrderingViolation = errors.New("sequence regression on partition")

	// ErrUnknownEventType is returned by Publish when a registry is
	// configured and the event type has not been registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidPayload is returned by Publish when the payload fails the
	// registered schema validation for its event type.
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrLogNil is returned when a Bus is constructed without a log.
	ErrLogNil = errors.New("event log must not be nil")

	// ErrGeneratorNil is returned when a Bus is constructed without a
	// sequence generator.
	ErrGeneratorNil = errors.New("sequence generator must not be nil")

	// ErrSubscriptionClosed is returned by a subscription that stopped
	// because its retry budget against the log was exhausted.
	ErrSubscriptionClosed = errors.New("subscription closed")
)
