package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ftfuture/insitechart-sync/core/event"
)

const (
	redisDedupPrefix      = "dedup:"
	redisCheckpointKey    = "dispatch:checkpoints"
	redisDeadLetterPrefix = "dlq:"
)

// RedisDedup implements DedupStore on the shared Redis so the dedup
// window survives restarts and spans all dispatcher instances. Marks
// expire with the window via key TTL, keeping the set bounded.
type RedisDedup struct {
	client *redis.Client
	window time.Duration
}

// NewRedisDedup wraps an established Redis client.
func NewRedisDedup(client *redis.Client, window time.Duration) *RedisDedup {
	return &RedisDedup{client: client, window: window}
}

// Seen implements DedupStore.
func (r *RedisDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, redisDedupPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// Mark implements DedupStore.
func (r *RedisDedup) Mark(ctx context.Context, eventID string) error {
	if err := r.client.Set(ctx, redisDedupPrefix+eventID, "1", r.window).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// RedisCheckpoints implements CheckpointStore as a Redis hash keyed by
// partition.
type RedisCheckpoints struct {
	client *redis.Client
}

// NewRedisCheckpoints wraps an established Redis client.
func NewRedisCheckpoints(client *redis.Client) *RedisCheckpoints {
	return &RedisCheckpoints{client: client}
}

// Load implements CheckpointStore.
func (r *RedisCheckpoints) Load(ctx context.Context, tp event.TopicPartition) (uint64, error) {
	val, err := r.client.HGet(ctx, redisCheckpointKey, tp.String()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed checkpoint for %s: %w", tp, err)
	}
	return seq, nil
}

// Save implements CheckpointStore.
func (r *RedisCheckpoints) Save(ctx context.Context, tp event.TopicPartition, seq uint64) error {
	err := r.client.HSet(ctx, redisCheckpointKey, tp.String(), strconv.FormatUint(seq, 10)).Err()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// RedisDeadLetter implements DeadLetter as one Redis stream per topic,
// giving operators an ordered, inspectable record of poison events.
type RedisDeadLetter struct {
	client *redis.Client
}

// NewRedisDeadLetter wraps an established Redis client.
func NewRedisDeadLetter(client *redis.Client) *RedisDeadLetter {
	return &RedisDeadLetter{client: client}
}

// Add implements DeadLetter.
func (r *RedisDeadLetter) Add(ctx context.Context, tp event.TopicPartition, e event.Event, cause error) error {
	entry := DeadLetterEntry{
		Topic:     tp.Topic,
		Partition: tp.Partition,
		Event:     e,
		Cause:     cause.Error(),
		FailedAt:  time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisDeadLetterPrefix + tp.Topic,
		Values: map[string]any{"entry": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
