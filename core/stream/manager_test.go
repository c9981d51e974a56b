package stream_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftfuture/insitechart-sync/core/event"
	"github.com/ftfuture/insitechart-sync/core/sequence"
	"github.com/ftfuture/insitechart-sync/core/stream"
)

var errPipeClosed = errors.New("pipe closed")

// pipeConn is an in-process transport for exercising the manager without
// a network socket.
type pipeConn struct {
	mu       sync.Mutex
	frames   []stream.Frame
	pings    int
	onPong   func()
	closed   bool
	autoPong bool
	block    chan struct{} // when set, WriteFrame blocks until closed
}

func newPipeConn() *pipeConn {
	return &pipeConn{autoPong: true}
}

func (c *pipeConn) WriteFrame(ctx context.Context, f stream.Frame) error {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errPipeClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *pipeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	c.pings++
	fn := c.onPong
	auto := c.autoPong
	c.mu.Unlock()

	if auto && fn != nil {
		fn()
	}
	return nil
}

func (c *pipeConn) OnPong(fn func()) {
	c.mu.Lock()
	c.onPong = fn
	c.mu.Unlock()
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *pipeConn) eventSequences() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint64
	for _, f := range c.frames {
		if f.Type == stream.FrameEvent {
			out = append(out, f.Event.Sequence)
		}
	}
	return out
}

func (c *pipeConn) eventCount() int {
	return len(c.eventSequences())
}

func newTestManager(t *testing.T, opts ...stream.Option) (*stream.Manager, *event.Bus) {
	t.Helper()

	log := event.NewMemoryLog()
	bus, err := event.NewBus(log, sequence.NewMemoryGenerator(),
		event.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	m, err := stream.NewManager(log, opts...)
	require.NoError(t, err)
	return m, bus
}

func liveEvent(seq uint64) event.Event {
	e := event.New("price.tick", "test", "AAPL", []byte(fmt.Sprintf(`{"px":%d}`, seq)))
	e.Sequence = seq
	return e
}

func TestNewManager(t *testing.T) {
	t.Parallel()

	_, err := stream.NewManager(nil)
	require.ErrorIs(t, err, stream.ErrLogNil)
}

func TestManager_Connect(t *testing.T) {
	t.Parallel()

	t.Run("requires conn and topics", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t)

		_, err := m.Connect(context.Background(), nil, []string{"prices"}, nil)
		require.ErrorIs(t, err, stream.ErrConnNil)

		_, err = m.Connect(context.Background(), newPipeConn(), nil, nil)
		require.ErrorIs(t, err, stream.ErrNoTopics)
	})

	t.Run("activates and counts subscriber", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t)

		sub, err := m.Connect(context.Background(), newPipeConn(), []string{"prices"}, nil)
		require.NoError(t, err)

		assert.Equal(t, stream.StateActive, sub.State())
		assert.ElementsMatch(t, []string{"prices"}, sub.Topics())
		assert.Equal(t, 1, m.Stats().Active)
	})
}

func TestManager_TopicFanout(t *testing.T) {
	t.Parallel()

	m, bus := newTestManager(t)
	ctx := context.Background()

	priceConn := newPipeConn()
	_, err := m.Connect(ctx, priceConn, []string{"prices"}, nil)
	require.NoError(t, err)

	newsConn := newPipeConn()
	_, err = m.Connect(ctx, newsConn, []string{"news"}, nil)
	require.NoError(t, err)

	tp := bus.PartitionFor("prices", "AAPL")
	require.NoError(t, m.Deliver(ctx, tp, liveEvent(1)))

	require.Eventually(t, func() bool {
		return priceConn.eventCount() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, newsConn.eventCount(), "subscriber of another topic must not receive the event")
	assert.Equal(t, int64(1), m.Stats().Delivered)
}

func TestManager_ResumeReplay(t *testing.T) {
	t.Parallel()

	m, bus := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, "prices", "AAPL", "price.tick", []byte(`{}`))
		require.NoError(t, err)
	}
	tp := bus.PartitionFor("prices", "AAPL")

	t.Run("replays past the cursor only", func(t *testing.T) {
		conn := newPipeConn()
		_, err := m.Connect(ctx, conn, []string{"prices"}, map[event.TopicPartition]uint64{tp: 2})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return conn.eventCount() == 3
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []uint64{3, 4, 5}, conn.eventSequences())
	})

	t.Run("live stream continues without duplicates", func(t *testing.T) {
		conn := newPipeConn()
		_, err := m.Connect(ctx, conn, []string{"prices"}, map[event.TopicPartition]uint64{tp: 0})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return conn.eventCount() == 5
		}, time.Second, 5*time.Millisecond)

		// A re-delivery of the replayed head is suppressed by the
		// watermark; only the genuinely new sequence goes out.
		require.NoError(t, m.Deliver(ctx, tp, liveEvent(5)))
		require.NoError(t, m.Deliver(ctx, tp, liveEvent(6)))

		require.Eventually(t, func() bool {
			return conn.eventCount() == 6
		}, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, conn.eventSequences())
	})
}

func TestManager_Overflow(t *testing.T) {
	t.Parallel()

	m, bus := newTestManager(t,
		stream.WithOutboundQueueDepth(1),
		stream.WithWriteTimeout(time.Second))
	ctx := context.Background()

	conn := newPipeConn()
	conn.block = make(chan struct{}) // consumer never drains

	sub, err := m.Connect(ctx, conn, []string{"prices"}, nil)
	require.NoError(t, err)

	tp := bus.PartitionFor("prices", "AAPL")
	seq := uint64(0)
	require.Eventually(t, func() bool {
		seq++
		_ = m.Deliver(ctx, tp, liveEvent(seq))
		return m.Stats().OverflowClosed == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, stream.StateClosed, sub.State())
	assert.Zero(t, m.Stats().Active)

	// Later deliveries must not resurrect the closed subscriber.
	require.NoError(t, m.Deliver(ctx, tp, liveEvent(seq+1)))
}

// blockingLog stalls reads until released, keeping a resume replay open.
type blockingLog struct {
	event.Log
	release chan struct{}
}

func (l *blockingLog) Read(ctx context.Context, tp event.TopicPartition, afterSeq uint64, limit int) ([]event.Event, error) {
	select {
	case <-l.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.Log.Read(ctx, tp, afterSeq, limit)
}

func TestManager_OverflowDuringReplay(t *testing.T) {
	t.Parallel()

	blocked := &blockingLog{Log: event.NewMemoryLog(), release: make(chan struct{})}
	m, err := stream.NewManager(blocked, stream.WithOutboundQueueDepth(2))
	require.NoError(t, err)
	ctx := context.Background()

	tp := event.TopicPartition{Topic: "prices", Partition: 0}
	conn := newPipeConn()
	connectDone := make(chan error, 1)
	go func() {
		_, cerr := m.Connect(ctx, conn, []string{"prices"},
			map[event.TopicPartition]uint64{tp: 0})
		connectDone <- cerr
	}()

	// Live deliveries during the stalled replay park on the pending
	// buffer, which obeys the queue bound: the subscriber is force-closed
	// instead of accumulating without limit.
	seq := uint64(0)
	require.Eventually(t, func() bool {
		seq++
		_ = m.Deliver(ctx, tp, liveEvent(seq))
		return m.Stats().OverflowClosed == 1
	}, time.Second, 2*time.Millisecond)

	close(blocked.release)
	require.Error(t, <-connectDone)

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	assert.Zero(t, m.Stats().Active)
	assert.Equal(t, int64(1), m.Stats().OverflowClosed)
}

func TestManager_Heartbeat(t *testing.T) {
	t.Parallel()

	t.Run("closes silent subscriber", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t, stream.WithHeartbeat(10*time.Millisecond, 2))

		conn := newPipeConn()
		conn.autoPong = false // client never acks

		sub, err := m.Connect(context.Background(), conn, []string{"prices"}, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return sub.State() == stream.StateClosed
		}, time.Second, 5*time.Millisecond)
		assert.True(t, conn.isClosed())
		assert.Equal(t, int64(1), m.Stats().HeartbeatClosed)
	})

	t.Run("acked subscriber stays active", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t, stream.WithHeartbeat(10*time.Millisecond, 2))

		conn := newPipeConn()
		sub, err := m.Connect(context.Background(), conn, []string{"prices"}, nil)
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, stream.StateActive, sub.State())

		conn.mu.Lock()
		pings := conn.pings
		conn.mu.Unlock()
		assert.GreaterOrEqual(t, pings, 3)
	})
}

func TestManager_SetTopics(t *testing.T) {
	t.Parallel()

	m, bus := newTestManager(t)
	ctx := context.Background()

	conn := newPipeConn()
	sub, err := m.Connect(ctx, conn, []string{"prices"}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, m.SetTopics(sub.ID, nil), stream.ErrNoTopics)
	require.NoError(t, m.SetTopics(sub.ID, []string{"news"}))

	require.NoError(t, m.Deliver(ctx, bus.PartitionFor("prices", "AAPL"), liveEvent(1)))
	require.NoError(t, m.Deliver(ctx, bus.PartitionFor("news", "AAPL"), liveEvent(2)))

	require.Eventually(t, func() bool {
		return conn.eventCount() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []uint64{2}, conn.eventSequences())
}

func TestManager_Disconnect(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	require.ErrorIs(t, m.Disconnect(uuid.New()), stream.ErrUnknownSubscription)

	conn := newPipeConn()
	sub, err := m.Connect(context.Background(), conn, []string{"prices"}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(sub.ID))
	assert.Equal(t, stream.StateClosed, sub.State())
	assert.True(t, conn.isClosed())
	require.ErrorIs(t, m.Disconnect(sub.ID), stream.ErrUnknownSubscription)
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()

	m, bus := newTestManager(t)
	ctx := context.Background()

	conn := newPipeConn()
	sub, err := m.Connect(ctx, conn, []string{"prices"}, nil)
	require.NoError(t, err)

	tp := bus.PartitionFor("prices", "AAPL")
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, m.Deliver(ctx, tp, liveEvent(i)))
	}
	require.Eventually(t, func() bool {
		return conn.eventCount() == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, stream.StateClosed, sub.State())
	assert.True(t, conn.isClosed())

	_, err = m.Connect(ctx, newPipeConn(), []string{"prices"}, nil)
	require.ErrorIs(t, err, stream.ErrShuttingDown)
	require.ErrorIs(t, m.Healthcheck(ctx), stream.ErrShuttingDown)
}
