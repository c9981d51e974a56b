package event_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftfuture/insitechart-sync/core/event"
)

func appendSeq(t *testing.T, log *event.MemoryLog, tp event.TopicPartition, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		e := event.New("price_tick", "test", "AAPL", nil)
		e.Sequence = seq
		require.NoError(t, log.Append(context.Background(), tp, e))
	}
}

func TestMemoryLog(t *testing.T) {
	t.Parallel()

	tp := event.TopicPartition{Topic: "prices", Partition: 0}

	t.Run("append and read in order", func(t *testing.T) {
		t.Parallel()

		log := event.NewMemoryLog()
		appendSeq(t, log, tp, 1, 2, 3)

		events, err := log.Read(context.Background(), tp, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, uint64(i+1), e.Sequence)
		}
	})

	t.Run("read after a cursor", func(t *testing.T) {
		t.Parallel()

		log := event.NewMemoryLog()
		appendSeq(t, log, tp, 1, 2, 3, 4, 5)

		events, err := log.Read(context.Background(), tp, 3, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(4), events[0].Sequence)
		assert.Equal(t, uint64(5), events[1].Sequence)
	})

	t.Run("read honors limit", func(t *testing.T) {
		t.Parallel()

		log := event.NewMemoryLog()
		appendSeq(t, log, tp, 1, 2, 3)

		events, err := log.Read(context.Background(), tp, 0, 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("rejects sequence regression", func(t *testing.T) {
		t.Parallel()

		log := event.NewMemoryLog()
		appendSeq(t, log, tp, 1, 2)

		e := event.New("price_tick", "test", "AAPL", nil)
		e.Sequence = 2
		err := log.Append(context.Background(), tp, e)
		require.ErrorIs(t, err, event.ErrOrderingViolation)
	})

	t.Run("last sequence", func(t *testing.T) {
		t.Parallel()

		log := event.NewMemoryLog()

		last, err := log.LastSequence(context.Background(), tp)
		require.NoError(t, err)
		assert.Zero(t, last)

		appendSeq(t, log, tp, 1, 2, 3)
		last, err = log.LastSequence(context.Background(), tp)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), last)
	})

	t.Run("partitions are independent", func(t *testing.T) {
		t.Parallel()

		log := event.NewMemoryLog()
		other := event.TopicPartition{Topic: "prices", Partition: 1}
		appendSeq(t, log, tp, 1, 2)
		appendSeq(t, log, other, 1)

		events, err := log.Read(context.Background(), other, 0, 10)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}
