package sequence_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftfuture/insitechart-sync/core/sequence"
)

func TestMemoryGenerator(t *testing.T) {
	t.Parallel()

	t.Run("starts at one and increments", func(t *testing.T) {
		t.Parallel()

		gen := sequence.NewMemoryGenerator()
		ctx := context.Background()

		for want := uint64(1); want <= 5; want++ {
			got, err := gen.Next(ctx, "prices/0")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("stream keys are independent", func(t *testing.T) {
		t.Parallel()

		gen := sequence.NewMemoryGenerator()
		ctx := context.Background()

		a, err := gen.Next(ctx, "prices/0")
		require.NoError(t, err)
		b, err := gen.Next(ctx, "sentiment/0")
		require.NoError(t, err)

		assert.Equal(t, uint64(1), a)
		assert.Equal(t, uint64(1), b)
	})

	t.Run("never repeats under concurrency", func(t *testing.T) {
		t.Parallel()

		gen := sequence.NewMemoryGenerator()
		ctx := context.Background()

		const n = 200
		results := make(chan uint64, n)

		var wg sync.WaitGroup
		for j := 0; j < n; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				seq, err := gen.Next(ctx, "prices/0")
				assert.NoError(t, err)
				results <- seq
			}()
		}
		wg.Wait()
		close(results)

		seen := make(map[uint64]bool, n)
		for seq := range results {
			assert.False(t, seen[seq], "sequence %d issued twice", seq)
			seen[seq] = true
		}
		assert.Len(t, seen, n)
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		t.Parallel()

		gen := sequence.NewMemoryGenerator()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := gen.Next(ctx, "prices/0")
		require.ErrorIs(t, err, context.Canceled)
	})
}
