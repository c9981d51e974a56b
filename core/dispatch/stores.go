package dispatch

import (
	"context"
	"time"

	"github.com/ftfuture/insitechart-sync/core/event"
)

// DedupStore is the bounded recent-id set behind the dedup window. Seen
// and Mark are separate so an event is only marked once its handler (or
// dead-letter routing) completed: marking earlier would let a crash
// mid-handle swallow the event on restart.
type DedupStore interface {
	// Seen reports whether eventID was marked within the window.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Mark records eventID for the duration of the window.
	Mark(ctx context.Context, eventID string) error
}

// CheckpointStore persists the last successfully handled sequence per
// partition, so a restarted worker resumes without replaying
// already-applied events.
type CheckpointStore interface {
	// Load returns the stored checkpoint, or zero if none exists.
	Load(ctx context.Context, tp event.TopicPartition) (uint64, error)

	// Save stores seq as the partition's checkpoint.
	Save(ctx context.Context, tp event.TopicPartition, seq uint64) error
}

// DeadLetter receives events whose retry budget is exhausted, so one
// poison event cannot block its partition forever. Entries are surfaced to
// operators for inspection and manual replay.
type DeadLetter interface {
	Add(ctx context.Context, tp event.TopicPartition, e event.Event, cause error) error
}

// DeadLetterEntry is a dead-lettered event with its terminal failure.
type DeadLetterEntry struct {
	Topic     string      `json:"topic"`
	Partition int         `json:"partition"`
	Event     event.Event `json:"event"`
	Cause     string      `json:"cause"`
	FailedAt  time.Time   `json:"failed_at"`
}
