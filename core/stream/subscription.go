package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ftfuture/insitechart-sync/core/event"
)

// State is the subscription lifecycle state.
type State string

const (
	// StateConnecting covers the window between Connect and the end of
	// resume replay. Live deliveries are buffered, not dropped.
	StateConnecting State = "connecting"

	// StateActive means the subscriber receives live events.
	StateActive State = "active"

	// StateDraining means the manager is shutting down and only flushes
	// what is already queued.
	StateDraining State = "draining"

	// StateClosed means the transport is gone and resources are released.
	StateClosed State = "closed"
)

// Subscription is one subscriber connection tracked by the Manager. All
// mutation goes through the manager; callers only read its ID and state.
type Subscription struct {
	// ID identifies the subscription for Disconnect and SetTopics.
	ID uuid.UUID

	conn     Conn
	outbound chan Frame
	stop     chan struct{}

	mu            sync.Mutex
	topics        map[string]struct{}
	state         State
	lastHeartbeat time.Time
	lastDelivered map[event.TopicPartition]uint64
	pending       []Frame

	closeOnce sync.Once
}

func newSubscription(conn Conn, topics []string, queueDepth int) *Subscription {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return &Subscription{
		ID:            uuid.New(),
		conn:          conn,
		outbound:      make(chan Frame, queueDepth),
		stop:          make(chan struct{}),
		topics:        set,
		state:         StateConnecting,
		lastHeartbeat: time.Now(),
		lastDelivered: make(map[event.TopicPartition]uint64),
	}
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Topics returns the topics the subscriber currently follows.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscription) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *Subscription) setTopics(topics []string) {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	s.mu.Lock()
	s.topics = set
	s.mu.Unlock()
}

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Subscription) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Subscription) heartbeatExpired(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat) > timeout
}

func (s *Subscription) queued() int {
	return len(s.outbound)
}

// enqueue places a frame on the outbound queue without blocking. A full
// queue means the consumer fell behind; the caller force-closes it.
func (s *Subscription) enqueue(f Frame) error {
	select {
	case <-s.stop:
		return ErrSubscriptionClosed
	default:
	}

	select {
	case s.outbound <- f:
		return nil
	default:
		return ErrSubscriberOverflow
	}
}

// replayMark records the resume replay watermark so the live stream never
// re-delivers what replay already sent.
func (s *Subscription) replayMark(tp event.TopicPartition, seq uint64) {
	s.mu.Lock()
	if seq > s.lastDelivered[tp] {
		s.lastDelivered[tp] = seq
	}
	s.mu.Unlock()
}

// deliverLive routes one live event to this subscriber. During replay the
// frame is parked on the pending buffer so the client still sees a single
// ordered stream per partition; once active it goes straight to the
// outbound queue. Events at or below the delivery watermark are dropped as
// replay duplicates. Reports whether a frame was actually enqueued.
func (s *Subscription) deliverLive(tp event.TopicPartition, e event.Event) (bool, error) {
	s.mu.Lock()

	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return false, ErrSubscriptionClosed
	case StateDraining:
		s.mu.Unlock()
		return false, nil
	case StateConnecting:
		// The pending buffer obeys the same bound as the outbound queue;
		// a subscriber that cannot absorb one queue's worth of live events
		// during its own replay is already too far behind.
		if len(s.pending) >= cap(s.outbound) {
			s.mu.Unlock()
			return false, ErrSubscriberOverflow
		}
		s.pending = append(s.pending, NewEventFrame(tp, e))
		s.mu.Unlock()
		return false, nil
	}

	if e.Sequence <= s.lastDelivered[tp] {
		s.mu.Unlock()
		return false, nil
	}
	s.lastDelivered[tp] = e.Sequence
	s.mu.Unlock()

	if err := s.enqueue(NewEventFrame(tp, e)); err != nil {
		return false, err
	}
	return true, nil
}

// activate flushes the pending live buffer accumulated during replay and
// transitions the subscription to active. Frames the replay already
// covered are dropped by the watermark check.
func (s *Subscription) activate() (int, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return 0, ErrSubscriptionClosed
	}
	pending := s.pending
	s.pending = nil
	s.state = StateActive

	flush := pending[:0]
	for _, f := range pending {
		tp := event.TopicPartition{Topic: f.Event.Topic, Partition: f.Event.Partition}
		if f.Event.Sequence <= s.lastDelivered[tp] {
			continue
		}
		s.lastDelivered[tp] = f.Event.Sequence
		flush = append(flush, f)
	}
	s.mu.Unlock()

	enqueued := 0
	for _, f := range flush {
		if err := s.enqueue(f); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}
