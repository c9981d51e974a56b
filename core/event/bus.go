package event

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ftfuture/insitechart-sync/core/sequence"
)

const (
	// DefaultSubscriptionBuffer is the channel capacity of a subscription.
	DefaultSubscriptionBuffer = 256

	defaultReadBatch = 100
)

// Bus is the publish-subscribe layer over the partitioned log. Publish
// assigns a sequence scoped to the target partition, appends durably and
// returns after the log acknowledges; Subscribe produces a restartable
// stream that replays from any sequence before tailing live.
//
// Delivery is at-least-once: a consumer resuming after a failure may see
// duplicates, which the dispatcher deduplicates. Ordering is guaranteed
// within a partition only.
type Bus struct {
	log       Log
	generator sequence.Generator
	registry  *Registry

	partitions        map[string]int
	defaultPartitions int

	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger

	published       atomic.Int64
	publishFailures atomic.Int64
}

// BusStats provides observability counters for monitoring and debugging.
type BusStats struct {
	Published       int64
	PublishFailures int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithRegistry enables payload validation at the publish boundary.
func WithRegistry(registry *Registry) BusOption {
	return func(b *Bus) {
		b.registry = registry
	}
}

// WithTopicPartitions sets the partition count for one topic. Changing a
// topic's partition count reshuffles key-to-partition routing, so it must
// only happen when the topic's log is empty.
func WithTopicPartitions(topic string, count int) BusOption {
	return func(b *Bus) {
		if count > 0 {
			b.partitions[topic] = count
		}
	}
}

// WithDefaultPartitions sets the partition count for topics without an
// explicit setting. Default is 1.
func WithDefaultPartitions(count int) BusOption {
	return func(b *Bus) {
		if count > 0 {
			b.defaultPartitions = count
		}
	}
}

// WithPublishRetry bounds the retry of transient log failures during
// Publish. Defaults: 3 attempts, 50ms base doubling to a 1s cap.
func WithPublishRetry(attempts int, base, max time.Duration) BusOption {
	return func(b *Bus) {
		if attempts > 0 {
			b.retryAttempts = attempts
		}
		if base > 0 {
			b.retryBase = base
		}
		if max > 0 {
			b.retryMax = max
		}
	}
}

// WithPollInterval sets how long a subscription at the log head waits
// before polling again. Default is 100ms.
func WithPollInterval(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithBusLogger configures structured logging for the bus.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// BusConfig holds bus settings for environment-based configuration.
type BusConfig struct {
	DefaultPartitions    int           `env:"BUS_DEFAULT_PARTITIONS" envDefault:"1"`
	PublishRetryAttempts int           `env:"BUS_PUBLISH_RETRY_ATTEMPTS" envDefault:"3"`
	PublishRetryBase     time.Duration `env:"BUS_PUBLISH_RETRY_BASE" envDefault:"50ms"`
	PublishRetryMax      time.Duration `env:"BUS_PUBLISH_RETRY_MAX" envDefault:"1s"`
	PollInterval         time.Duration `env:"BUS_POLL_INTERVAL" envDefault:"100ms"`
}

// NewBus creates a bus over the given log and sequence generator.
func NewBus(log Log, generator sequence.Generator, opts ...BusOption) (*Bus, error) {
	if log == nil {
		return nil, ErrLogNil
	}
	if generator == nil {
		return nil, ErrGeneratorNil
	}

	b := &Bus{
		log:               log,
		generator:         generator,
		partitions:        make(map[string]int),
		defaultPartitions: 1,
		retryAttempts:     3,
		retryBase:         50 * time.Millisecond,
		retryMax:          time.Second,
		pollInterval:      100 * time.Millisecond,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// NewBusFromConfig creates a Bus from configuration. Additional options
// override config values.
func NewBusFromConfig(cfg BusConfig, log Log, generator sequence.Generator, opts ...BusOption) (*Bus, error) {
	allOpts := append([]BusOption{
		WithDefaultPartitions(cfg.DefaultPartitions),
		WithPublishRetry(cfg.PublishRetryAttempts, cfg.PublishRetryBase, cfg.PublishRetryMax),
		WithPollInterval(cfg.PollInterval),
	}, opts...)

	return NewBus(log, generator, allOpts...)
}

// Partitions returns the partition count for topic.
func (b *Bus) Partitions(topic string) int {
	if n, ok := b.partitions[topic]; ok {
		return n
	}
	return b.defaultPartitions
}

// PartitionFor routes a partition key to its topic partition. The routing
// is a stable hash, so every event for a key lands in the same partition.
func (b *Bus) PartitionFor(topic, partitionKey string) TopicPartition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))
	return TopicPartition{
		Topic:     topic,
		Partition: int(h.Sum32() % uint32(b.Partitions(topic))),
	}
}

// Publish validates the payload, assigns the next sequence for the target
// partition and appends the event to the log, returning the event ID once
// the append is acknowledged. Transient log failures are retried with
// exponential backoff up to the configured budget.
//
// Two healthy producers can interleave sequence assignment and append, so
// the lower sequence may reach the log second and be rejected as a
// regression. That rejection is not a producer bug: Publish re-acquires a
// fresh sequence and retries within the same budget, and only surfaces
// ErrOrderingViolation once the budget is spent.
func (b *Bus) Publish(ctx context.Context, topic, partitionKey, eventType string, payload []byte) (string, error) {
	if b.registry != nil {
		if err := b.registry.Validate(eventType, payload); err != nil {
			return "", err
		}
	}

	e := New(eventType, "bus", partitionKey, payload)
	tp := b.PartitionFor(topic, partitionKey)

	seq, err := b.generator.Next(ctx, tp.String())
	if err != nil {
		b.publishFailures.Add(1)
		return "", err
	}
	e.Sequence = seq

	delay := b.retryBase
	var lastErr error
	for attempt := 0; attempt < b.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				b.publishFailures.Add(1)
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > b.retryMax {
				delay = b.retryMax
			}
		}

		lastErr = b.log.Append(ctx, tp, e)
		if lastErr == nil {
			b.published.Add(1)
			b.logger.DebugContext(ctx, "event published",
				slog.String("event_id", e.ID),
				slog.String("partition", tp.String()),
				slog.Uint64("sequence", e.Sequence))
			return e.ID, nil
		}

		if errors.Is(lastErr, ErrOrderingViolation) {
			// A racing producer appended a higher sequence first. The event
			// is still valid; it just needs a sequence issued after the one
			// that won.
			fresh, serr := b.generator.Next(ctx, tp.String())
			if serr != nil {
				b.publishFailures.Add(1)
				return "", serr
			}
			b.logger.DebugContext(ctx, "sequence lost append race, reassigned",
				slog.String("event_id", e.ID),
				slog.String("partition", tp.String()),
				slog.Uint64("stale_sequence", e.Sequence),
				slog.Uint64("sequence", fresh))
			e.Sequence = fresh
			continue
		}

		b.logger.WarnContext(ctx, "event append failed, retrying",
			slog.String("event_id", e.ID),
			slog.String("partition", tp.String()),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}

	b.publishFailures.Add(1)
	return "", lastErr
}

// Subscription is a restartable event stream for one partition. Events
// arrive strictly in sequence order on Events; after the channel closes,
// Err reports why the stream ended (nil for a clean Close or context
// cancellation).
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Events returns the ordered event stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err reports the terminal error after Events is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops the subscription and closes the Events channel.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe streams one partition starting after afterSeq: stored events
// are replayed in order first, then the subscription tails new appends. A
// consumer that reconnects with its last acknowledged sequence therefore
// loses nothing. Transient log errors are retried with backoff up to the
// publish retry budget; an exhausted budget closes the stream with
// ErrSubscriptionClosed.
func (b *Bus) Subscribe(ctx context.Context, tp TopicPartition, afterSeq uint64) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, DefaultSubscriptionBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.events)

		cursor := afterSeq
		failures := 0
		delay := b.retryBase

		for {
			batch, err := b.log.Read(ctx, tp, cursor, defaultReadBatch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				if failures > b.retryAttempts {
					sub.err = errors.Join(ErrSubscriptionClosed, err)
					b.logger.ErrorContext(ctx, "subscription retry budget exhausted",
						slog.String("partition", tp.String()),
						slog.Uint64("cursor", cursor),
						slog.String("error", err.Error()))
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > b.retryMax {
					delay = b.retryMax
				}
				continue
			}
			failures = 0
			delay = b.retryBase

			for _, e := range batch {
				select {
				case sub.events <- e:
					cursor = e.Sequence
				case <-ctx.Done():
					return
				}
			}

			if len(batch) < defaultReadBatch {
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.pollInterval):
				}
			}
		}
	}()

	return sub, nil
}

// Stats returns current bus counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published:       b.published.Load(),
		PublishFailures: b.publishFailures.Load(),
	}
}
