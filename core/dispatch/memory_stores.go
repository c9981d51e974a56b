package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ftfuture/insitechart-sync/core/event"
)

// MemoryDedup is an in-process DedupStore used by tests and embedded
// single-process deployments. Expired marks are pruned opportunistically
// on access.
type MemoryDedup struct {
	mu     sync.Mutex
	window time.Duration
	marks  map[string]time.Time
}

// NewMemoryDedup creates an empty dedup store with the given window.
func NewMemoryDedup(window time.Duration) *MemoryDedup {
	return &MemoryDedup{
		window: window,
		marks:  make(map[string]time.Time),
	}
}

// Seen implements DedupStore.
func (m *MemoryDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.marks[eventID]
	if !ok {
		return false, nil
	}
	if time.Since(at) > m.window {
		delete(m.marks, eventID)
		return false, nil
	}
	return true, nil
}

// Mark implements DedupStore.
func (m *MemoryDedup) Mark(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.marks[eventID] = now

	// Prune expired marks so the set stays bounded by the window.
	for id, at := range m.marks {
		if now.Sub(at) > m.window {
			delete(m.marks, id)
		}
	}
	return nil
}

// MemoryCheckpoints is an in-process CheckpointStore.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	points map[event.TopicPartition]uint64
}

// NewMemoryCheckpoints creates an empty checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{points: make(map[event.TopicPartition]uint64)}
}

// Load implements CheckpointStore.
func (m *MemoryCheckpoints) Load(ctx context.Context, tp event.TopicPartition) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[tp], nil
}

// Save implements CheckpointStore.
func (m *MemoryCheckpoints) Save(ctx context.Context, tp event.TopicPartition, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[tp] = seq
	return nil
}

// MemoryDeadLetter collects dead-lettered events in memory for tests.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
}

// NewMemoryDeadLetter creates an empty dead-letter sink.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

// Add implements DeadLetter.
func (m *MemoryDeadLetter) Add(ctx context.Context, tp event.TopicPartition, e event.Event, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, DeadLetterEntry{
		Topic:     tp.Topic,
		Partition: tp.Partition,
		Event:     e,
		Cause:     cause.Error(),
		FailedAt:  time.Now(),
	})
	return nil
}

// Entries returns a snapshot of collected entries.
func (m *MemoryDeadLetter) Entries() []DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeadLetterEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
