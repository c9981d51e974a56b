package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ftfuture/insitechart-sync/core/event"
)

const (
	// DefaultHeartbeatInterval is how often liveness probes are sent.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultHeartbeatTimeoutMultiple is how many missed intervals close a
	// subscriber.
	DefaultHeartbeatTimeoutMultiple = 3

	// DefaultOutboundQueueDepth bounds each subscriber's outbound queue.
	DefaultOutboundQueueDepth = 256

	// DefaultDrainTimeout bounds how long Shutdown flushes queued frames.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single transport write.
	DefaultWriteTimeout = 10 * time.Second

	replayBatch = 100
)

// Manager owns the subscription table: it fans live events out to every
// matching subscriber, replays history for reconnecting clients, probes
// liveness and drains cleanly on shutdown.
//
// Each subscription gets one writer goroutine that is the sole writer to
// its transport. Delivery is non-blocking: a subscriber whose outbound
// queue fills up is force-closed rather than allowed to stall the rest,
// and the client is expected to reconnect with a resume cursor.
type Manager struct {
	log event.Log

	mu           sync.RWMutex
	subs         map[uuid.UUID]*Subscription
	shuttingDown bool

	heartbeatInterval time.Duration
	timeoutMultiple   int
	queueDepth        int
	drainTimeout      time.Duration
	writeTimeout      time.Duration
	logger            *slog.Logger

	wg sync.WaitGroup

	delivered       atomic.Int64
	overflowClosed  atomic.Int64
	heartbeatClosed atomic.Int64
}

// Stats provides observability counters for monitoring and debugging.
type Stats struct {
	Connecting      int
	Active          int
	Draining        int
	Delivered       int64
	OverflowClosed  int64
	HeartbeatClosed int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeartbeat sets the probe interval and the number of missed
// intervals after which a silent subscriber is closed.
func WithHeartbeat(interval time.Duration, timeoutMultiple int) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.heartbeatInterval = interval
		}
		if timeoutMultiple > 0 {
			m.timeoutMultiple = timeoutMultiple
		}
	}
}

// WithOutboundQueueDepth bounds each subscriber's outbound queue.
func WithOutboundQueueDepth(depth int) Option {
	return func(m *Manager) {
		if depth > 0 {
			m.queueDepth = depth
		}
	}
}

// WithDrainTimeout bounds how long Shutdown waits for queued frames to
// flush before closing subscribers.
func WithDrainTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single transport write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithLogger configures structured logging for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Config holds manager settings for environment-based configuration.
type Config struct {
	HeartbeatInterval        time.Duration `env:"STREAM_HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeoutMultiple int           `env:"STREAM_HEARTBEAT_TIMEOUT_MULTIPLE" envDefault:"3"`
	OutboundQueueDepth       int           `env:"STREAM_OUTBOUND_QUEUE_DEPTH" envDefault:"256"`
	DrainTimeout             time.Duration `env:"STREAM_DRAIN_TIMEOUT" envDefault:"5s"`
	WriteTimeout             time.Duration `env:"STREAM_WRITE_TIMEOUT" envDefault:"10s"`
}

// NewManager creates a Manager over the bus's backing log, which is read
// directly during resume replay. Live events arrive through Deliver.
func NewManager(log event.Log, opts ...Option) (*Manager, error) {
	if log == nil {
		return nil, ErrLogNil
	}

	m := &Manager{
		log:               log,
		subs:              make(map[uuid.UUID]*Subscription),
		heartbeatInterval: DefaultHeartbeatInterval,
		timeoutMultiple:   DefaultHeartbeatTimeoutMultiple,
		queueDepth:        DefaultOutboundQueueDepth,
		drainTimeout:      DefaultDrainTimeout,
		writeTimeout:      DefaultWriteTimeout,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// NewManagerFromConfig creates a Manager from configuration. Additional
// options override config values.
func NewManagerFromConfig(cfg Config, log event.Log, opts ...Option) (*Manager, error) {
	allOpts := append([]Option{
		WithHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeoutMultiple),
		WithOutboundQueueDepth(cfg.OutboundQueueDepth),
		WithDrainTimeout(cfg.DrainTimeout),
		WithWriteTimeout(cfg.WriteTimeout),
	}, opts...)

	return NewManager(log, allOpts...)
}

// Connect registers a subscriber. When resume cursors are supplied, every
// stored event with a higher sequence in the subscribed topics is replayed
// in partition order before the subscription goes live, so a reconnecting
// client sees no gap and no duplicate. Without cursors the subscriber
// starts from the live stream only.
func (m *Manager) Connect(ctx context.Context, conn Conn, topics []string, resume map[event.TopicPartition]uint64) (*Subscription, error) {
	if conn == nil {
		return nil, ErrConnNil
	}
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	sub := newSubscription(conn, topics, m.queueDepth)
	conn.OnPong(sub.touchHeartbeat)

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.writeLoop(sub)

	// Live deliveries arriving during replay are parked on the pending
	// buffer, so the replayed history always reaches the queue first.
	for tp, after := range resume {
		if !sub.matches(tp.Topic) {
			continue
		}
		if err := m.replayPartition(ctx, sub, tp, after); err != nil {
			m.closeSubscription(sub, err)
			return nil, err
		}
	}

	flushed, err := sub.activate()
	m.delivered.Add(int64(flushed))
	if err != nil {
		if errors.Is(err, ErrSubscriberOverflow) {
			m.overflowClosed.Add(1)
		}
		m.closeSubscription(sub, err)
		return nil, err
	}

	m.logger.InfoContext(ctx, "subscriber connected",
		slog.String("subscription_id", sub.ID.String()),
		slog.Any("topics", topics),
		slog.Int("resume_partitions", len(resume)))

	return sub, nil
}

func (m *Manager) replayPartition(ctx context.Context, sub *Subscription, tp event.TopicPartition, after uint64) error {
	cursor := after
	for {
		batch, err := m.log.Read(ctx, tp, cursor, replayBatch)
		if err != nil {
			return err
		}

		for _, e := range batch {
			if err := sub.enqueue(NewEventFrame(tp, e)); err != nil {
				return err
			}
			m.delivered.Add(1)
			sub.replayMark(tp, e.Sequence)
			cursor = e.Sequence
		}

		if len(batch) < replayBatch {
			return nil
		}
	}
}

// Deliver fans one event out to every subscriber of its topic. The
// signature matches dispatch.NewHandlerFunc, so the manager plugs into
// the dispatcher as its delivery handler.
//
// Delivery never blocks: a subscriber with a full queue is force-closed
// and counted, and the event keeps flowing to everyone else. Deliver only
// errors when the context is done, so one slow client cannot fail the
// dispatch pipeline.
func (m *Manager) Deliver(ctx context.Context, tp event.TopicPartition, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	targets := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.matches(tp.Topic) {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		enqueued, err := sub.deliverLive(tp, e)
		if enqueued {
			m.delivered.Add(1)
		}
		if err == nil || errors.Is(err, ErrSubscriptionClosed) {
			continue
		}

		m.overflowClosed.Add(1)
		m.logger.WarnContext(ctx, "subscriber overflow, closing",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("partition", tp.String()),
			slog.Uint64("sequence", e.Sequence))
		m.closeSubscription(sub, err)
	}

	return nil
}

// Disconnect closes one subscription and releases its resources.
func (m *Manager) Disconnect(id uuid.UUID) error {
	m.mu.RLock()
	sub, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSubscription
	}

	m.closeSubscription(sub, nil)
	return nil
}

// SetTopics replaces the topic set of a live subscription. Replay is not
// performed for newly added topics; the subscriber picks them up from the
// live stream.
func (m *Manager) SetTopics(id uuid.UUID, topics []string) error {
	if len(topics) == 0 {
		return ErrNoTopics
	}

	m.mu.RLock()
	sub, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSubscription
	}

	sub.setTopics(topics)
	return nil
}

// Shutdown drains all subscribers: new connections are refused, queued
// frames are flushed up to the drain timeout, then every connection is
// closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.setState(StateDraining)
	}

	deadline := time.NewTimer(m.drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

drain:
	for {
		pending := 0
		for _, sub := range subs {
			pending += sub.queued()
		}
		if pending == 0 {
			break
		}

		select {
		case <-ctx.Done():
			break drain
		case <-deadline.C:
			break drain
		case <-tick.C:
		}
	}

	for _, sub := range subs {
		m.closeSubscription(sub, nil)
	}
	m.wg.Wait()

	m.logger.Info("stream manager shut down",
		slog.Int("subscribers", len(subs)))
	return nil
}

// Run returns a function suitable for errgroup.Go that keeps the manager
// serving until ctx is canceled, then drains and shuts down.
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), m.drainTimeout+time.Second)
		defer cancel()
		return m.Shutdown(sctx)
	}
}

// Healthcheck reports whether the manager accepts new subscribers.
func (m *Manager) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shuttingDown {
		return ErrShuttingDown
	}
	return nil
}

// Stats returns current subscriber and delivery counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	stats := Stats{
		Delivered:       m.delivered.Load(),
		OverflowClosed:  m.overflowClosed.Load(),
		HeartbeatClosed: m.heartbeatClosed.Load(),
	}
	for _, sub := range subs {
		switch sub.State() {
		case StateConnecting:
			stats.Connecting++
		case StateActive:
			stats.Active++
		case StateDraining:
			stats.Draining++
		}
	}
	return stats
}

// writeLoop is the only writer to a subscription's transport. It flushes
// the outbound queue, sends heartbeat probes and enforces the liveness
// deadline. Any transport error closes the subscription.
func (m *Manager) writeLoop(sub *Subscription) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	timeout := m.heartbeatInterval * time.Duration(m.timeoutMultiple)

	for {
		select {
		case <-sub.stop:
			return

		case f := <-sub.outbound:
			if err := m.writeFrame(sub, f); err != nil {
				m.closeSubscription(sub, err)
				return
			}

		case <-ticker.C:
			if sub.heartbeatExpired(timeout) {
				m.heartbeatClosed.Add(1)
				m.closeSubscription(sub, ErrHeartbeatTimeout)
				return
			}

			wctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
			err := sub.conn.Ping(wctx)
			if err == nil {
				err = sub.conn.WriteFrame(wctx, NewHeartbeatFrame())
			}
			cancel()
			if err != nil {
				m.closeSubscription(sub, err)
				return
			}
		}
	}
}

func (m *Manager) writeFrame(sub *Subscription, f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	return sub.conn.WriteFrame(ctx, f)
}

// closeSubscription is the single teardown path: idempotent, safe from
// any goroutine including the subscription's own writer loop.
func (m *Manager) closeSubscription(sub *Subscription, cause error) {
	sub.closeOnce.Do(func() {
		sub.setState(StateClosed)
		close(sub.stop)
		_ = sub.conn.Close()

		m.mu.Lock()
		delete(m.subs, sub.ID)
		m.mu.Unlock()

		if cause != nil {
			m.logger.Warn("subscriber closed",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("cause", cause.Error()))
		} else {
			m.logger.Debug("subscriber closed",
				slog.String("subscription_id", sub.ID.String()))
		}
	})
}
