package dispatch

import "errors"

var (
	// ErrBusNil is returned when a Dispatcher is constructed without a bus.
	ErrBusNil = errors.New("event bus must not be nil")

	// ErrHandlerNil is returned when a Dispatcher is constructed without a
	// handler.
	ErrHandlerNil = errors.New("handler must not be nil")

	// ErrNoTopics is returned when Start is called with no topics
	// configured.
	ErrNoTopics = errors.New("no topics configured")

	// ErrAlreadyStarted is returned when starting a running dispatcher.
	ErrAlreadyStarted = errors.New("dispatcher already started")

	// ErrNotStarted is returned when stopping a dispatcher that is not
	// running.
	ErrNotStarted = errors.New("dispatcher not started")

	// ErrStoreUnavailable is returned when a dedup, checkpoint or
	// dead-letter store cannot be reached.
	ErrStoreUnavailable = errors.New("dispatch store unavailable")

	// ErrPartitionQuarantined indicates a sequence regression was detected
	// on a partition. The partition's worker stops and the condition is
	// surfaced to operators: it means a producer violated the ordering
	// contract, and resuming automatically could apply events out of
	// order.
	ErrPartitionQuarantined = errors.New("partition quarantined after ordering violation")

	// ErrHealthcheckFailed is returned by Healthcheck when the dispatcher
	// is unhealthy.
	ErrHealthcheckFailed = errors.New("dispatcher healthcheck failed")
)
