package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryTier is an in-process RemoteTier implementation. It serves as the
// storage backend for tests and for single-process deployments that do not
// need a shared cache; the Tiered cache treats it exactly like a remote
// store.
type MemoryTier struct {
	mu       sync.Mutex
	entries  map[string]Entry
	versions map[string]uint64
}

// NewMemoryTier creates an empty in-process tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{
		entries:  make(map[string]Entry),
		versions: make(map[string]uint64),
	}
}

// Get implements RemoteTier. Expired entries are dropped and reported as
// misses.
func (m *MemoryTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(time.Now()) {
		delete(m.entries, key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements RemoteTier. Versions are monotonic per key and survive
// Delete so stale readers can always be detected.
func (m *MemoryTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.versions[key]++
	version := m.versions[key]
	m.entries[key] = Entry{
		Value:      value,
		Version:    version,
		InsertedAt: time.Now(),
		TTL:        ttl,
	}
	return version, nil
}

// Delete implements RemoteTier.
func (m *MemoryTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}
