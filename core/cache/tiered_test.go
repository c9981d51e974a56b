package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftfuture/insitechart-sync/core/cache"
)

// countingTier wraps a RemoteTier and counts Get calls, used to assert
// stampede collapse.
type countingTier struct {
	cache.RemoteTier
	gets atomic.Int64
}

func (c *countingTier) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	c.gets.Add(1)
	return c.RemoteTier.Get(ctx, key)
}

func TestRemoteTierConcurrentSetVersioning(t *testing.T) {
	t.Parallel()

	// The tier contract requires version assignment and the entry write to
	// be one atomic step: whichever Set is issued the highest version must
	// also be the value the store serves afterwards. Otherwise a peer
	// holding the newest version in memory would ignore the invalidation
	// for the value actually stored.
	tier := cache.NewMemoryTier()
	ctx := context.Background()

	const writers = 50
	var mu sync.Mutex
	valueByVersion := make(map[uint64][]byte, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			value := []byte{byte(i)}
			version, err := tier.Set(ctx, "stock:AAPL", value, time.Minute)
			assert.NoError(t, err)

			mu.Lock()
			valueByVersion[version] = value
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, valueByVersion, writers, "every Set must get a distinct version")

	entry, found, err := tier.Get(ctx, "stock:AAPL")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(writers), entry.Version, "stored entry carries the last issued version")
	assert.Equal(t, valueByVersion[entry.Version], entry.Value,
		"stored value is the one that was assigned the stored version")
}

func TestTiered(t *testing.T) {
	t.Parallel()

	t.Run("requires a remote tier", func(t *testing.T) {
		t.Parallel()

		_, err := cache.NewTiered(nil)
		require.ErrorIs(t, err, cache.ErrRemoteTierNil)
	})

	t.Run("read-after-write returns the written value", func(t *testing.T) {
		t.Parallel()

		tiered, err := cache.NewTiered(cache.NewMemoryTier())
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, tiered.Set(ctx, "stock:AAPL", []byte("182.52"), time.Minute))

		value, found, err := tiered.Get(ctx, "stock:AAPL")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("182.52"), value)
	})

	t.Run("set is visible to a fresh process within one round-trip", func(t *testing.T) {
		t.Parallel()

		// Two Tiered instances sharing one remote tier model two processes.
		remote := cache.NewMemoryTier()
		writer, err := cache.NewTiered(remote)
		require.NoError(t, err)
		reader, err := cache.NewTiered(remote)
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, writer.Set(ctx, "stock:TSLA", []byte("244.10"), time.Minute))

		value, found, err := reader.Get(ctx, "stock:TSLA")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("244.10"), value)
	})

	t.Run("miss only when absent from both tiers", func(t *testing.T) {
		t.Parallel()

		tiered, err := cache.NewTiered(cache.NewMemoryTier())
		require.NoError(t, err)

		_, found, err := tiered.Get(context.Background(), "stock:MISSING")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("expired entry is a miss and repopulation collapses concurrent fetches", func(t *testing.T) {
		t.Parallel()

		remote := &countingTier{RemoteTier: cache.NewMemoryTier()}
		tiered, err := cache.NewTiered(remote)
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, tiered.Set(ctx, "stock:AAPL", []byte("old"), 30*time.Millisecond))
		time.Sleep(50 * time.Millisecond)

		_, found, err := tiered.Get(ctx, "stock:AAPL")
		require.NoError(t, err)
		require.False(t, found, "expired entry must read as a miss")

		// Collector repopulates.
		require.NoError(t, tiered.Set(ctx, "stock:AAPL", []byte("new"), time.Minute))

		// A cold instance has no memory copy, so all readers must go remote.
		cold, err := cache.NewTiered(remote)
		require.NoError(t, err)

		remote.gets.Store(0)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for n := 0; n < 50; n++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				value, found, err := cold.Get(ctx, "stock:AAPL")
				assert.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, []byte("new"), value)
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int64(1), remote.gets.Load(),
			"concurrent misses must collapse into one remote fetch")
	})

	t.Run("invalidate removes the key everywhere", func(t *testing.T) {
		t.Parallel()

		remote := cache.NewMemoryTier()
		inv := cache.NewMemoryInvalidator()

		a, err := cache.NewTiered(remote, cache.WithInvalidator(inv))
		require.NoError(t, err)
		b, err := cache.NewTiered(remote, cache.WithInvalidator(inv))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- b.Run(ctx)() }()

		require.NoError(t, a.Set(ctx, "meta:AAPL", []byte("Apple Inc."), time.Hour))

		// Warm b's memory tier.
		_, found, err := b.Get(ctx, "meta:AAPL")
		require.NoError(t, err)
		require.True(t, found)

		require.NoError(t, a.Invalidate(ctx, "meta:AAPL"))

		// b's listener drops the memory copy; the remote entry is gone too,
		// so the key reads as a miss.
		require.Eventually(t, func() bool {
			_, found, err := b.Get(ctx, "meta:AAPL")
			return err == nil && !found
		}, time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
	})

	t.Run("peer set drops stale memory copies", func(t *testing.T) {
		t.Parallel()

		remote := cache.NewMemoryTier()
		inv := cache.NewMemoryInvalidator()

		a, err := cache.NewTiered(remote, cache.WithInvalidator(inv))
		require.NoError(t, err)
		b, err := cache.NewTiered(remote, cache.WithInvalidator(inv))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- b.Run(ctx)() }()

		require.NoError(t, a.Set(ctx, "stock:NVDA", []byte("v1"), time.Hour))
		_, found, err := b.Get(ctx, "stock:NVDA")
		require.NoError(t, err)
		require.True(t, found)

		require.NoError(t, a.Set(ctx, "stock:NVDA", []byte("v2"), time.Hour))

		require.Eventually(t, func() bool {
			value, found, err := b.Get(ctx, "stock:NVDA")
			return err == nil && found && string(value) == "v2"
		}, time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
	})

	t.Run("ttl from policy table when unset", func(t *testing.T) {
		t.Parallel()

		tiered, err := cache.NewTiered(cache.NewMemoryTier(),
			cache.WithPolicyTable(cache.NewPolicyTable(time.Hour,
				cache.Policy{Prefix: "stock:", TTL: 30 * time.Millisecond},
			)))
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, tiered.Set(ctx, "stock:AAPL", []byte("v"), 0))

		time.Sleep(50 * time.Millisecond)
		_, found, err := tiered.Get(ctx, "stock:AAPL")
		require.NoError(t, err)
		assert.False(t, found, "policy-table TTL must apply")
	})

	t.Run("stats count hits and misses", func(t *testing.T) {
		t.Parallel()

		tiered, err := cache.NewTiered(cache.NewMemoryTier())
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, tiered.Set(ctx, "k", []byte("v"), time.Minute))
		_, _, _ = tiered.Get(ctx, "k")
		_, _, _ = tiered.Get(ctx, "absent")

		stats := tiered.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
	})
}

func TestPolicyTable(t *testing.T) {
	t.Parallel()

	table := cache.NewPolicyTable(time.Hour,
		cache.Policy{Prefix: "stock:", TTL: 5 * time.Second},
		cache.Policy{Prefix: "stock:meta:", TTL: 12 * time.Hour},
	)

	t.Run("longest prefix wins", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 12*time.Hour, table.TTLFor("stock:meta:AAPL"))
		assert.Equal(t, 5*time.Second, table.TTLFor("stock:AAPL"))
	})

	t.Run("fallback for unclassified keys", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, time.Hour, table.TTLFor("sentiment:AAPL"))
	})
}
