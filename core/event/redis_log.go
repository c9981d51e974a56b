package event

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisStreamPrefix = "bus:"

// RedisLog implements Log on Redis Streams. Each partition is one stream,
// and the event sequence doubles as the stream entry ID ("<seq>-0"), so
// Redis itself rejects sequence regressions and resume-from-sequence maps
// directly onto XRANGE.
type RedisLog struct {
	client *redis.Client
}

// NewRedisLog wraps an established Redis client.
func NewRedisLog(client *redis.Client) *RedisLog {
	return &RedisLog{client: client}
}

func streamKey(tp TopicPartition) string {
	return fmt.Sprintf("%s%s:%d", redisStreamPrefix, tp.Topic, tp.Partition)
}

// Append implements Log.
func (l *RedisLog) Append(ctx context.Context, tp TopicPartition, e Event) error {
	err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(tp),
		ID:     fmt.Sprintf("%d-0", e.Sequence),
		Values: map[string]any{
			"id":            e.ID,
			"type":          e.Type,
			"source":        e.Source,
			"partition_key": e.PartitionKey,
			"timestamp":     strconv.FormatInt(e.Timestamp.UnixNano(), 10),
			"payload":       string(e.Payload),
		},
	}).Err()
	if err != nil {
		// Redis rejects entry IDs at or below the stream head.
		if strings.Contains(err.Error(), "equal or smaller than the target stream top item") {
			return fmt.Errorf("%w: partition %s rejected sequence %d", ErrOrderingViolation, tp, e.Sequence)
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Read implements Log.
func (l *RedisLog) Read(ctx context.Context, tp TopicPartition, afterSeq uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	from := fmt.Sprintf("%d-0", afterSeq+1)
	msgs, err := l.client.XRangeN(ctx, streamKey(tp), from, "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		e, err := eventFromStreamMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", tp, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// LastSequence implements Log.
func (l *RedisLog) LastSequence(ctx context.Context, tp TopicPartition) (uint64, error) {
	msgs, err := l.client.XRevRangeN(ctx, streamKey(tp), "+", "-", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return sequenceFromStreamID(msgs[0].ID)
}

func sequenceFromStreamID(id string) (uint64, error) {
	seqPart, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream entry id %q", id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream entry id %q: %w", id, err)
	}
	return seq, nil
}

func eventFromStreamMessage(msg redis.XMessage) (Event, error) {
	seq, err := sequenceFromStreamID(msg.ID)
	if err != nil {
		return Event{}, err
	}

	field := func(name string) string {
		if v, ok := msg.Values[name].(string); ok {
			return v
		}
		return ""
	}

	ts, err := strconv.ParseInt(field("timestamp"), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("malformed timestamp in entry %s: %w", msg.ID, err)
	}

	return Event{
		ID:           field("id"),
		Type:         field("type"),
		Source:       field("source"),
		PartitionKey: field("partition_key"),
		Sequence:     seq,
		Timestamp:    time.Unix(0, ts).UTC(),
		Payload:      []byte(field("payload")),
	}, nil
}
