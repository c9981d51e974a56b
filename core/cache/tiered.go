package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Tiered is the two-level cache at the heart of the sync core: a bounded
// in-process LRU memory tier in front of a shared remote tier. The remote
// tier is the source of truth; the memory tier only ever holds copies that
// are provably no older than what the remote reports.
//
// Concurrent misses for the same key collapse into a single remote fetch;
// the remaining callers wait for that fetch's result instead of issuing
// duplicates.
type Tiered struct {
	memory      *LRUCache[string, Entry]
	remote      RemoteTier
	invalidator Invalidator
	policies    PolicyTable
	origin      string

	remoteTimeout time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	running bool

	hits          atomic.Int64
	misses        atomic.Int64
	remoteHits    atomic.Int64
	invalidations atomic.Int64
}

// TieredStats provides observability counters for monitoring and debugging.
type TieredStats struct {
	MemoryEntries int
	Hits          int64
	Misses        int64
	RemoteHits    int64
	Invalidations int64
}

// TieredOption configures a Tiered cache.
type TieredOption func(*Tiered)

// WithMemoryCapacity bounds the memory tier's entry count. Default is 10000.
func WithMemoryCapacity(capacity int) TieredOption {
	return func(t *Tiered) {
		if capacity > 0 {
			t.memory = NewLRUCache[string, Entry](capacity)
		}
	}
}

// WithInvalidator enables cross-process invalidation fan-out. Without it,
// peer processes rely on TTL expiry alone.
func WithInvalidator(inv Invalidator) TieredOption {
	return func(t *Tiered) {
		t.invalidator = inv
	}
}

// WithPolicyTable sets the TTL policy table consulted when Set is called
// with a non-positive TTL.
func WithPolicyTable(table PolicyTable) TieredOption {
	return func(t *Tiered) {
		t.policies = table
	}
}

// WithRemoteTimeout bounds every remote tier round-trip. Default is 2s.
func WithRemoteTimeout(d time.Duration) TieredOption {
	return func(t *Tiered) {
		if d > 0 {
			t.remoteTimeout = d
		}
	}
}

// WithSweepInterval sets how often expired memory entries are swept.
// Default is 30s.
func WithSweepInterval(d time.Duration) TieredOption {
	return func(t *Tiered) {
		if d > 0 {
			t.sweepInterval = d
		}
	}
}

// WithLogger configures structured logging for the cache.
func WithLogger(logger *slog.Logger) TieredOption {
	return func(t *Tiered) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Config holds tiered cache settings for environment-based configuration.
type Config struct {
	MemoryCapacity int           `env:"CACHE_MEMORY_CAPACITY" envDefault:"10000"`
	RemoteTimeout  time.Duration `env:"CACHE_REMOTE_TIMEOUT" envDefault:"2s"`
	SweepInterval  time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"30s"`
	DefaultTTL     time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`
}

// NewTiered creates a tiered cache over the given remote tier.
func NewTiered(remote RemoteTier, opts ...TieredOption) (*Tiered, error) {
	if remote == nil {
		return nil, ErrRemoteTierNil
	}

	t := &Tiered{
		memory:        NewLRUCache[string, Entry](10000),
		remote:        remote,
		policies:      NewPolicyTable(5 * time.Minute),
		origin:        uuid.New().String(),
		remoteTimeout: 2 * time.Second,
		sweepInterval: 30 * time.Second,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// NewTieredFromConfig creates a Tiered cache from configuration. Additional
// options override config values.
func NewTieredFromConfig(cfg Config, remote RemoteTier, opts ...TieredOption) (*Tiered, error) {
	allOpts := append([]TieredOption{
		WithMemoryCapacity(cfg.MemoryCapacity),
		WithRemoteTimeout(cfg.RemoteTimeout),
		WithSweepInterval(cfg.SweepInterval),
		WithPolicyTable(NewPolicyTable(cfg.DefaultTTL)),
	}, opts...)

	return NewTiered(remote, allOpts...)
}

// Get returns the cached value for key. The memory tier is consulted
// first; on a miss the remote tier is fetched (concurrent misses collapse
// into one fetch) and the memory tier populated. A miss is reported only
// when the key is absent from both tiers.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if entry, ok := t.memory.Get(key); ok {
		if !entry.Expired(time.Now()) {
			t.hits.Add(1)
			return entry.Value, true, nil
		}
		t.memory.Remove(key)
	}

	type fetchResult struct {
		entry Entry
		found bool
	}

	res, err, _ := t.group.Do(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
		defer cancel()

		entry, found, err := t.remote.Get(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		if found {
			t.memory.Put(key, entry)
		}
		return fetchResult{entry: entry, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}

	fetched := res.(fetchResult)
	if !fetched.found {
		t.misses.Add(1)
		return nil, false, nil
	}

	t.remoteHits.Add(1)
	return fetched.entry.Value, true, nil
}

// Set durably writes value to the remote tier, then writes through to the
// memory tier with the remote-assigned version. It returns once the remote
// write is acknowledged. Peer processes are told to drop their stale
// memory copies via the invalidator, if configured.
//
// A non-positive ttl selects the TTL from the policy table.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.policies.TTLFor(key)
	}

	setCtx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()

	version, err := t.remote.Set(setCtx, key, value, ttl)
	if err != nil {
		return err
	}

	t.memory.Put(key, Entry{
		Value:      value,
		Version:    version,
		InsertedAt: time.Now(),
		TTL:        ttl,
	})

	t.notifyPeers(ctx, Invalidation{Key: key, Version: version, Origin: t.origin})
	return nil
}

// Invalidate removes key from the memory tier, deletes the remote entry
// and broadcasts the invalidation so peer processes drop their copies too.
func (t *Tiered) Invalidate(ctx context.Context, key string) error {
	t.memory.Remove(key)

	delCtx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()

	if err := t.remote.Delete(delCtx, key); err != nil {
		return err
	}

	t.notifyPeers(ctx, Invalidation{Key: key, Version: 0, Origin: t.origin})
	return nil
}

// Run returns a function for errgroup composition that starts the
// background tasks: the TTL sweep of the memory tier and, when an
// invalidator is configured, the peer invalidation listener. Both stop
// when ctx is cancelled.
func (t *Tiered) Run(ctx context.Context) func() error {
	return func() error {
		t.mu.Lock()
		if t.running {
			t.mu.Unlock()
			return ErrAlreadyRunning
		}
		t.running = true
		t.mu.Unlock()

		defer func() {
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
		}()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return t.sweepLoop(gctx) })
		if t.invalidator != nil {
			g.Go(func() error { return t.invalidationLoop(gctx) })
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func (t *Tiered) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			swept := 0
			for _, key := range t.memory.Keys() {
				if entry, ok := t.memory.Peek(key); ok && entry.Expired(now) {
					t.memory.Remove(key)
					swept++
				}
			}
			if swept > 0 {
				t.logger.DebugContext(ctx, "swept expired cache entries",
					slog.Int("count", swept))
			}
		}
	}
}

func (t *Tiered) invalidationLoop(ctx context.Context) error {
	notices, err := t.invalidator.Subscribe(ctx)
	if err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "cache invalidation listener started",
		slog.String("origin", t.origin))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inv, ok := <-notices:
			if !ok {
				return nil
			}
			t.applyInvalidation(ctx, inv)
		}
	}
}

func (t *Tiered) applyInvalidation(ctx context.Context, inv Invalidation) {
	if inv.Origin == t.origin {
		return
	}

	if inv.Version == 0 {
		if _, removed := t.memory.Remove(inv.Key); removed {
			t.invalidations.Add(1)
		}
		return
	}

	// Staleness bound: a memory entry must never be older than the remote.
	if local, ok := t.memory.Peek(inv.Key); ok && local.Version < inv.Version {
		t.memory.Remove(inv.Key)
		t.invalidations.Add(1)
		t.logger.DebugContext(ctx, "dropped stale cache entry",
			slog.String("key", inv.Key),
			slog.Uint64("local_version", local.Version),
			slog.Uint64("remote_version", inv.Version))
	}
}

func (t *Tiered) notifyPeers(ctx context.Context, inv Invalidation) {
	if t.invalidator == nil {
		return
	}
	if err := t.invalidator.Publish(ctx, inv); err != nil {
		// The write itself is durable; peers fall back to TTL expiry.
		t.logger.WarnContext(ctx, "failed to publish cache invalidation",
			slog.String("key", inv.Key),
			slog.String("error", err.Error()))
	}
}

// Stats returns current cache counters.
func (t *Tiered) Stats() TieredStats {
	return TieredStats{
		MemoryEntries: t.memory.Len(),
		Hits:          t.hits.Load(),
		Misses:        t.misses.Load(),
		RemoteHits:    t.remoteHits.Load(),
		Invalidations: t.invalidations.Load(),
	}
}
