package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ftfuture/insitechart-sync/core/event"
)

// PartitionState is the lifecycle state of a partition's worker.
type PartitionState string

const (
	// PartitionEmpty means the worker is idle at the head of its log.
	PartitionEmpty PartitionState = "empty"
	// PartitionInFlight means a handler invocation is in progress.
	PartitionInFlight PartitionState = "in_flight"
	// PartitionBlocked means the current event failed and is awaiting a
	// retry.
	PartitionBlocked PartitionState = "blocked"
	// PartitionQuarantined means the worker stopped after detecting a
	// sequence regression and awaits operator intervention.
	PartitionQuarantined PartitionState = "quarantined"
	// PartitionUnavailable means the worker stopped because a backing
	// store or the bus stayed unreachable past the retry budget. Unlike a
	// quarantine this needs no operator decision; a restart resumes from
	// the checkpoint once the dependency recovers.
	PartitionUnavailable PartitionState = "unavailable"
)

// Dispatcher consumes bus partitions and invokes the handler exactly once
// per event in publish order. One worker runs per partition; events are
// deduplicated by ID within the dedup window, retried with exponential
// backoff on handler failure, and dead-lettered when the retry budget is
// exhausted so a poison event cannot block its partition indefinitely.
type Dispatcher struct {
	bus         *event.Bus
	handler     Handler
	dedup       DedupStore
	checkpoints CheckpointStore
	deadLetter  DeadLetter
	topics      []string

	maxAttempts     int
	retryBase       time.Duration
	retryMax        time.Duration
	handlerTimeout  time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	states map[event.TopicPartition]PartitionState
	failed map[event.TopicPartition]error

	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	duplicates   atomic.Int64
}

// DispatcherStats provides observability counters for monitoring and
// debugging.
type DispatcherStats struct {
	Processed    int64
	Retried      int64
	DeadLettered int64
	Duplicates   int64
	IsRunning    bool
	Quarantined  []event.TopicPartition
	Unavailable  []event.TopicPartition
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTopics sets the topics whose partitions the dispatcher consumes.
func WithTopics(topics ...string) Option {
	return func(d *Dispatcher) {
		if len(topics) > 0 {
			d.topics = topics
		}
	}
}

// WithDedupStore replaces the default in-memory dedup window.
func WithDedupStore(store DedupStore) Option {
	return func(d *Dispatcher) {
		if store != nil {
			d.dedup = store
		}
	}
}

// WithCheckpointStore replaces the default in-memory checkpoint store.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(d *Dispatcher) {
		if store != nil {
			d.checkpoints = store
		}
	}
}

// WithDeadLetter replaces the default in-memory dead-letter sink.
func WithDeadLetter(sink DeadLetter) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.deadLetter = sink
		}
	}
}

// WithRetryPolicy bounds handler retries: maxAttempts total attempts with
// exponential backoff from base capped at max, with jitter. Defaults:
// 5 attempts, 100ms base, 10s cap.
func WithRetryPolicy(maxAttempts int, base, max time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if base > 0 {
			d.retryBase = base
		}
		if max > 0 {
			d.retryMax = max
		}
	}
}

// WithHandlerTimeout bounds a single handler invocation. Default is 30s.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.handlerTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight handlers.
// Default is 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.shutdownTimeout = timeout
		}
	}
}

// WithLogger configures structured logging for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Config holds dispatcher settings for environment-based configuration.
type Config struct {
	Topics          []string      `env:"DISPATCH_TOPICS" envSeparator:","`
	DedupWindow     time.Duration `env:"DISPATCH_DEDUP_WINDOW" envDefault:"24h"`
	MaxAttempts     int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"5"`
	RetryBase       time.Duration `env:"DISPATCH_RETRY_BASE" envDefault:"100ms"`
	RetryMax        time.Duration `env:"DISPATCH_RETRY_MAX" envDefault:"10s"`
	HandlerTimeout  time.Duration `env:"DISPATCH_HANDLER_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"DISPATCH_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultDedupWindow matches the system's observed duplicate horizon.
const DefaultDedupWindow = 24 * time.Hour

// NewDispatcher creates a dispatcher delivering bus events to handler.
// Without explicit stores it uses in-memory dedup, checkpoints and
// dead-letter, which is only appropriate for tests and single-process
// embedding; production deployments pass the Redis-backed stores.
func NewDispatcher(bus *event.Bus, handler Handler, opts ...Option) (*Dispatcher, error) {
	if bus == nil {
		return nil, ErrBusNil
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}

	d := &Dispatcher{
		bus:             bus,
		handler:         handler,
		dedup:           NewMemoryDedup(DefaultDedupWindow),
		checkpoints:     NewMemoryCheckpoints(),
		deadLetter:      NewMemoryDeadLetter(),
		maxAttempts:     5,
		retryBase:       100 * time.Millisecond,
		retryMax:        10 * time.Second,
		handlerTimeout:  30 * time.Second,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		states:          make(map[event.TopicPartition]PartitionState),
		failed:          make(map[event.TopicPartition]error),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// NewDispatcherFromConfig creates a Dispatcher from configuration.
// Additional options override config values.
func NewDispatcherFromConfig(cfg Config, bus *event.Bus, handler Handler, opts ...Option) (*Dispatcher, error) {
	allOpts := append([]Option{
		WithTopics(cfg.Topics...),
		WithRetryPolicy(cfg.MaxAttempts, cfg.RetryBase, cfg.RetryMax),
		WithHandlerTimeout(cfg.HandlerTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithDedupStore(NewMemoryDedup(cfg.DedupWindow)),
	}, opts...)

	return NewDispatcher(bus, handler, allOpts...)
}

// Start launches one worker per partition and blocks until the context is
// cancelled. Use Run for errgroup composition or call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(d.topics) == 0 {
		d.mu.Unlock()
		return ErrNoTopics
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	var partitions []event.TopicPartition
	for _, topic := range d.topics {
		for p := 0; p < d.bus.Partitions(topic); p++ {
			partitions = append(partitions, event.TopicPartition{Topic: topic, Partition: p})
		}
	}

	d.logger.InfoContext(ctx, "dispatcher started",
		slog.Any("topics", d.topics),
		slog.Int("partitions", len(partitions)),
		slog.String("handler", d.handler.Name()))

	for _, tp := range partitions {
		d.wg.Add(1)
		go func(tp event.TopicPartition) {
			defer d.wg.Done()
			if err := d.runPartition(ctx, tp); err != nil && !errors.Is(err, context.Canceled) {
				state := PartitionUnavailable
				if errors.Is(err, ErrPartitionQuarantined) {
					state = PartitionQuarantined
				}
				d.mu.Lock()
				d.failed[tp] = err
				d.states[tp] = state
				d.mu.Unlock()
				d.logger.ErrorContext(ctx, "partition worker stopped",
					slog.String("partition", tp.String()),
					slog.String("state", string(state)),
					slog.String("error", err.Error()))
			}
		}(tp)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Stop gracefully shuts down the dispatcher, waiting up to the shutdown
// timeout for in-flight handlers. The last successfully handled sequence
// per partition is already checkpointed, so a later Start resumes without
// replaying applied events.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return ErrNotStarted
	}
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped cleanly")
		return nil
	case <-time.After(d.shutdownTimeout):
		d.logger.Warn("dispatcher shutdown timeout exceeded - some handlers may be abandoned",
			slog.Duration("timeout", d.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", d.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle
// management.
func (d *Dispatcher) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- d.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = d.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (d *Dispatcher) runPartition(ctx context.Context, tp event.TopicPartition) error {
	checkpoint, err := d.loadCheckpoint(ctx, tp)
	if err != nil {
		return err
	}

	sub, err := d.bus.Subscribe(ctx, tp, checkpoint)
	if err != nil {
		return err
	}
	defer sub.Close()

	d.setState(tp, PartitionEmpty)
	lastHandled := checkpoint

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}

			if e.Sequence <= lastHandled {
				// Sequence regression within a live stream is a producer
				// bug; applying it could reorder effects system-wide.
				return fmt.Errorf("%w: partition %s saw sequence %d after %d",
					ErrPartitionQuarantined, tp, e.Sequence, lastHandled)
			}

			if err := d.process(ctx, tp, e); err != nil {
				return err
			}
			lastHandled = e.Sequence
			d.setState(tp, PartitionEmpty)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, tp event.TopicPartition, e event.Event) error {
	seen, err := d.withStoreRetry(ctx, func() error {
		var serr error
		seen, serr := d.dedup.Seen(ctx, e.ID)
		if serr == nil && seen {
			return errSeenMarker
		}
		return serr
	})
	if err != nil {
		return fmt.Errorf("dedup check for %s: %w", e.ID, err)
	}
	if seen {
		d.duplicates.Add(1)
		d.logger.DebugContext(ctx, "duplicate event dropped",
			slog.String("event_id", e.ID),
			slog.String("partition", tp.String()))
		d.saveCheckpoint(ctx, tp, e.Sequence)
		return nil
	}

	d.setState(tp, PartitionInFlight)

	if err := d.handleWithRetry(ctx, tp, e); err != nil {
		return err
	}

	if _, err := d.withStoreRetry(ctx, func() error {
		return d.dedup.Mark(ctx, e.ID)
	}); err != nil {
		// Losing a mark only risks a duplicate delivery attempt, which the
		// next Seen within the window still catches from another replica.
		d.logger.WarnContext(ctx, "failed to mark event in dedup window",
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()))
	}

	d.saveCheckpoint(ctx, tp, e.Sequence)
	return nil
}

// handleWithRetry invokes the handler with the bounded retry policy and
// routes the event to the dead-letter sink on exhaustion. The partition
// advances afterwards either way.
func (d *Dispatcher) handleWithRetry(ctx context.Context, tp event.TopicPartition, e event.Event) error {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			d.setState(tp, PartitionBlocked)
			d.retried.Add(1)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff(attempt - 1)):
			}
			d.setState(tp, PartitionInFlight)
		}

		hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
		lastErr = d.handler.Handle(hctx, tp, e)
		cancel()

		if lastErr == nil {
			d.processed.Add(1)
			d.logger.DebugContext(ctx, "event handled",
				slog.String("event_id", e.ID),
				slog.String("partition", tp.String()),
				slog.Uint64("sequence", e.Sequence),
				slog.Int("attempt", attempt))
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		d.logger.WarnContext(ctx, "handler failed",
			slog.String("event_id", e.ID),
			slog.String("handler", d.handler.Name()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", d.maxAttempts),
			slog.String("error", lastErr.Error()))
	}

	cause := fmt.Errorf("handler %s failed after %d attempts: %w",
		d.handler.Name(), d.maxAttempts, lastErr)

	if _, err := d.withStoreRetry(ctx, func() error {
		return d.deadLetter.Add(ctx, tp, e, cause)
	}); err != nil {
		// Without a dead-letter record the event would be lost silently;
		// stopping the partition is the safer failure.
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}

	d.deadLettered.Add(1)
	d.logger.ErrorContext(ctx, "event dead-lettered",
		slog.String("event_id", e.ID),
		slog.String("partition", tp.String()),
		slog.Uint64("sequence", e.Sequence),
		slog.String("cause", cause.Error()))
	return nil
}

// backoff returns the exponential delay for the given retry with jitter in
// the upper half, so synchronized retries across partitions spread out.
func (d *Dispatcher) backoff(retry int) time.Duration {
	delay := d.retryBase << (retry - 1)
	if delay > d.retryMax || delay <= 0 {
		delay = d.retryMax
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half+1)))
}

// errSeenMarker signals "seen" through the retry helper without treating
// it as a store failure.
var errSeenMarker = errors.New("seen")

// withStoreRetry retries a store call a few times with short backoff.
// Returns (true, nil) if fn signalled errSeenMarker.
func (d *Dispatcher) withStoreRetry(ctx context.Context, fn func() error) (bool, error) {
	const attempts = 3
	delay := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return false, nil
		}
		if errors.Is(lastErr, errSeenMarker) {
			return true, nil
		}
	}
	return false, lastErr
}

func (d *Dispatcher) loadCheckpoint(ctx context.Context, tp event.TopicPartition) (uint64, error) {
	var checkpoint uint64
	_, err := d.withStoreRetry(ctx, func() error {
		var cerr error
		checkpoint, cerr = d.checkpoints.Load(ctx, tp)
		return cerr
	})
	if err != nil {
		return 0, fmt.Errorf("load checkpoint for %s: %w", tp, err)
	}
	return checkpoint, nil
}

func (d *Dispatcher) saveCheckpoint(ctx context.Context, tp event.TopicPartition, seq uint64) {
	if _, err := d.withStoreRetry(ctx, func() error {
		return d.checkpoints.Save(ctx, tp, seq)
	}); err != nil {
		// A lost checkpoint means replay after restart; the dedup window
		// keeps the replay from reaching the handler twice.
		d.logger.WarnContext(ctx, "failed to save checkpoint",
			slog.String("partition", tp.String()),
			slog.Uint64("sequence", seq),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) setState(tp event.TopicPartition, state PartitionState) {
	d.mu.Lock()
	d.states[tp] = state
	d.mu.Unlock()
}

// Stats returns current dispatcher counters and the partitions whose
// workers stopped, split by why: quarantined (sequence regression,
// operator action required) versus unavailable (backing store or bus
// unreachable past the retry budget).
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	isRunning := d.cancel != nil
	quarantined := make([]event.TopicPartition, 0, len(d.failed))
	unavailable := make([]event.TopicPartition, 0, len(d.failed))
	for tp, err := range d.failed {
		if errors.Is(err, ErrPartitionQuarantined) {
			quarantined = append(quarantined, tp)
		} else {
			unavailable = append(unavailable, tp)
		}
	}
	d.mu.Unlock()

	return DispatcherStats{
		Processed:    d.processed.Load(),
		Retried:      d.retried.Load(),
		DeadLettered: d.deadLettered.Load(),
		Duplicates:   d.duplicates.Load(),
		IsRunning:    isRunning,
		Quarantined:  quarantined,
		Unavailable:  unavailable,
	}
}

// Healthcheck validates that the dispatcher is running and every
// partition worker is alive.
func (d *Dispatcher) Healthcheck(ctx context.Context) error {
	stats := d.Stats()

	if !stats.IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrNotStarted)
	}
	if len(stats.Quarantined) > 0 {
		return errors.Join(ErrHealthcheckFailed, ErrPartitionQuarantined)
	}
	if len(stats.Unavailable) > 0 {
		return errors.Join(ErrHealthcheckFailed, ErrStoreUnavailable)
	}
	return nil
}
