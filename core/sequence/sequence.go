package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Generator issues monotonically increasing, globally unique sequence
// numbers per logical stream. A sequence number, once issued for a stream
// key, is never issued again, across restarts and across producer
// instances.
//
// Producers must never fabricate sequence numbers locally when the backing
// store is unreachable: doing so would break the ordering invariant
// system-wide. On failure, Next returns an error wrapping ErrUnavailable.
type Generator interface {
	Next(ctx context.Context, streamKey string) (uint64, error)
}

const redisSequencePrefix = "seq:"

// RedisGenerator implements Generator with an atomic INCR in the shared
// Redis store, making sequences consistent across all producer instances.
type RedisGenerator struct {
	client *redis.Client
}

// NewRedisGenerator wraps an established Redis client.
func NewRedisGenerator(client *redis.Client) *RedisGenerator {
	return &RedisGenerator{client: client}
}

// Next implements Generator.
func (g *RedisGenerator) Next(ctx context.Context, streamKey string) (uint64, error) {
	n, err := g.client.Incr(ctx, redisSequencePrefix+streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return uint64(n), nil
}

// MemoryGenerator implements Generator in process memory. Sequences do not
// survive restarts, so it is suitable for tests and embedded
// single-process deployments only.
type MemoryGenerator struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewMemoryGenerator creates an empty in-process generator.
func NewMemoryGenerator() *MemoryGenerator {
	return &MemoryGenerator{counters: make(map[string]uint64)}
}

// Next implements Generator.
func (g *MemoryGenerator) Next(ctx context.Context, streamKey string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.counters[streamKey]++
	return g.counters[streamKey], nil
}
