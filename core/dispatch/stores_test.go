package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftfuture/insitechart-sync/core/dispatch"
	"github.com/ftfuture/insitechart-sync/core/event"
)

func TestMemoryDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unmarked id is not seen", func(t *testing.T) {
		t.Parallel()

		dedup := dispatch.NewMemoryDedup(time.Hour)
		seen, err := dedup.Seen(ctx, "evt-1")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("marked id is seen within the window", func(t *testing.T) {
		t.Parallel()

		dedup := dispatch.NewMemoryDedup(time.Hour)
		require.NoError(t, dedup.Mark(ctx, "evt-1"))

		seen, err := dedup.Seen(ctx, "evt-1")
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("marks expire with the window", func(t *testing.T) {
		t.Parallel()

		dedup := dispatch.NewMemoryDedup(20 * time.Millisecond)
		require.NoError(t, dedup.Mark(ctx, "evt-1"))

		time.Sleep(40 * time.Millisecond)
		seen, err := dedup.Seen(ctx, "evt-1")
		require.NoError(t, err)
		assert.False(t, seen)
	})
}

func TestMemoryCheckpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tp := event.TopicPartition{Topic: "prices", Partition: 0}

	t.Run("zero for unknown partition", func(t *testing.T) {
		t.Parallel()

		checkpoints := dispatch.NewMemoryCheckpoints()
		seq, err := checkpoints.Load(ctx, tp)
		require.NoError(t, err)
		assert.Zero(t, seq)
	})

	t.Run("save then load", func(t *testing.T) {
		t.Parallel()

		checkpoints := dispatch.NewMemoryCheckpoints()
		require.NoError(t, checkpoints.Save(ctx, tp, 42))

		seq, err := checkpoints.Load(ctx, tp)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), seq)
	})
}

func TestMemoryDeadLetter(t *testing.T) {
	t.Parallel()

	sink := dispatch.NewMemoryDeadLetter()
	tp := event.TopicPartition{Topic: "prices", Partition: 0}

	e := event.New("price_tick", "test", "AAPL", nil)
	require.NoError(t, sink.Add(context.Background(), tp, e, errors.New("poison")))

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "prices", entries[0].Topic)
	assert.Equal(t, e.ID, entries[0].Event.ID)
	assert.Equal(t, "poison", entries[0].Cause)
}
