package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Invalidation tells peer processes to drop their memory-tier copy of a
// key. Version carries the remote version that made the copy stale; zero
// means the key was deleted outright.
type Invalidation struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
	Origin  string `json:"origin"`
}

// Invalidator fans invalidation notices out to every process instance
// sharing the remote tier.
type Invalidator interface {
	// Publish broadcasts an invalidation notice.
	Publish(ctx context.Context, inv Invalidation) error

	// Subscribe returns a channel of notices from all instances, own
	// notices included. The channel closes when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Invalidation, error)
}

const redisInvalidationChannel = "cache:invalidations"

// RedisInvalidator implements Invalidator on Redis pub/sub.
type RedisInvalidator struct {
	client *redis.Client
}

// NewRedisInvalidator wraps an established Redis client.
func NewRedisInvalidator(client *redis.Client) *RedisInvalidator {
	return &RedisInvalidator{client: client}
}

// Publish implements Invalidator.
func (r *RedisInvalidator) Publish(ctx context.Context, inv Invalidation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := r.client.Publish(ctx, redisInvalidationChannel, data).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Subscribe implements Invalidator.
func (r *RedisInvalidator) Subscribe(ctx context.Context) (<-chan Invalidation, error) {
	sub := r.client.Subscribe(ctx, redisInvalidationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	out := make(chan Invalidation)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					continue
				}
				select {
				case out <- inv:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// MemoryInvalidator is an in-process Invalidator for tests and embedded
// single-process use.
type MemoryInvalidator struct {
	mu   sync.Mutex
	subs []chan Invalidation
}

// NewMemoryInvalidator creates an empty in-process invalidator.
func NewMemoryInvalidator() *MemoryInvalidator {
	return &MemoryInvalidator{}
}

// Publish implements Invalidator.
func (m *MemoryInvalidator) Publish(ctx context.Context, inv Invalidation) error {
	m.mu.Lock()
	subs := make([]chan Invalidation, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- inv:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Invalidator.
func (m *MemoryInvalidator) Subscribe(ctx context.Context) (<-chan Invalidation, error) {
	ch := make(chan Invalidation, 16)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	out := make(chan Invalidation)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				for i, sub := range m.subs {
					if sub == ch {
						m.subs = append(m.subs[:i], m.subs[i+1:]...)
						break
					}
				}
				m.mu.Unlock()
				return
			case inv := <-ch:
				select {
				case out <- inv:
				case <-ctx.Done():
				}
			}
		}
	}()

	return out, nil
}
