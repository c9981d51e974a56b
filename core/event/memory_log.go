package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLog is an in-process Log used by tests and embedded
// single-process deployments. Partitions are created lazily on first
// append.
type MemoryLog struct {
	mu    sync.RWMutex
	parts map[TopicPartition][]Event
}

// NewMemoryLog creates an empty in-process log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{parts: make(map[TopicPartition][]Event)}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, tp TopicPartition, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.parts[tp]
	if n := len(events); n > 0 && e.Sequence <= events[n-1].Sequence {
		return fmt.Errorf("%w: partition %s has sequence %d, got %d",
			ErrOrderingViolation, tp, events[n-1].Sequence, e.Sequence)
	}

	l.parts[tp] = append(events, e)
	return nil
}

// Read implements Log.
func (l *MemoryLog) Read(ctx context.Context, tp TopicPartition, afterSeq uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.parts[tp]
	start := sort.Search(len(events), func(i int) bool {
		return events[i].Sequence > afterSeq
	})

	end := len(events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]Event, end-start)
	copy(out, events[start:end])
	return out, nil
}

// LastSequence implements Log.
func (l *MemoryLog) LastSequence(ctx context.Context, tp TopicPartition) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.parts[tp]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Sequence, nil
}
