package cache

import (
	"context"
	"time"
)

// Entry is a cached value with the metadata needed to enforce the
// staleness bound between tiers. A memory-tier entry whose Version is
// behind the remote tier's version for the same key must be dropped, not
// trusted.
type Entry struct {
	Value      []byte        `json:"value"`
	Version    uint64        `json:"version"`
	InsertedAt time.Time     `json:"inserted_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the entry's TTL has elapsed as of now.
// Entries with a non-positive TTL never expire.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.InsertedAt.Add(e.TTL))
}

// RemoteTier is the shared cache backing every process instance. It is the
// source of truth: writes are durable once Set returns, and the version it
// assigns is strictly increasing per key for the lifetime of the key
// space (versions survive deletion so a re-created key cannot appear
// older than a stale memory copy).
type RemoteTier interface {
	// Get returns the entry for key, or found=false if absent or expired.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set durably stores value under key with the given TTL and returns
	// the version assigned to this write.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
