package event

import (
	"context"
	"fmt"
)

// TopicPartition identifies one ordered shard of a topic. All events
// sharing a partition key land in the same partition, so partition order
// is publish order for every key.
type TopicPartition struct {
	Topic     string
	Partition int
}

// String renders the canonical "{topic}/{partition}" form used as the
// sequence generator stream key and in log storage keys.
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// Log is the durable, partitioned event log behind the bus. Appends are
// acknowledged only once durable; reads are restartable from any sequence,
// which is what makes consumer resumption possible.
type Log interface {
	// Append stores e in the given partition. The event's sequence must
	// exceed the partition's last stored sequence; otherwise
	// ErrOrderingViolation is returned and nothing is stored.
	Append(ctx context.Context, tp TopicPartition, e Event) error

	// Read returns up to limit events with sequence > afterSeq, in
	// sequence order. An empty slice means the caller is at the head.
	Read(ctx context.Context, tp TopicPartition, afterSeq uint64, limit int) ([]Event, error)

	// LastSequence returns the highest sequence stored for the partition,
	// or zero for an empty partition.
	LastSequence(ctx context.Context, tp TopicPartition) (uint64, error)
}
