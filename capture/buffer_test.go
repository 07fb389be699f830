package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Herolin12/orbit/tracing"
)

func counterEvent(ts uint64) tracing.TraceEvent {
	return tracing.TraceEvent{
		Kind:        tracing.KindCounterSample,
		TimestampNs: ts,
		CPU:         0,
		TID:         100,
		Value:       1,
	}
}

func TestBufferOrderedDelivery(t *testing.T) {
	b := NewBuffer(BufferConfig{
		MaxBatchEvents: 4,
		Capacity:       16,
		BatchTimeout:   time.Hour, // sealing driven by the event ceiling only
	})

	for i := 0; i < 12; i++ {
		require.NoError(t, b.Push(counterEvent(uint64(i))))
	}

	var got []uint64
	for i := 0; i < 3; i++ {
		batch, err := b.PopReady(time.Second)
		require.NoError(t, err)
		assert.Len(t, batch.Events, 4)
		for _, ev := range batch.Events {
			got = append(got, ev.TimestampNs)
		}
	}

	require.Len(t, got, 12)
	for i, ts := range got {
		assert.Equal(t, uint64(i), ts, "events must arrive in push order")
	}
	assert.Zero(t, b.Dropped())
	assert.Zero(t, b.Pending())
}

func TestBufferSealsOnByteCeiling(t *testing.T) {
	ev := counterEvent(1)
	b := NewBuffer(BufferConfig{
		MaxBatchEvents: 1000,
		MaxBatchBytes:  ev.SizeBytes() * 2,
		Capacity:       4,
		BatchTimeout:   time.Hour,
	})

	require.NoError(t, b.Push(counterEvent(1)))
	require.NoError(t, b.Push(counterEvent(2)))

	batch, err := b.PopReady(time.Second)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)
}

func TestBufferSealsOnTimeout(t *testing.T) {
	b := NewBuffer(BufferConfig{
		MaxBatchEvents: 1000,
		Capacity:       4,
		BatchTimeout:   20 * time.Millisecond,
	})

	require.NoError(t, b.Push(counterEvent(7)))

	// A single event below every ceiling must still flush once the
	// batch timeout fires.
	batch, err := b.PopReady(time.Second)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, uint64(7), batch.Events[0].TimestampNs)
}

func TestBufferPopTimeout(t *testing.T) {
	b := NewBuffer(BufferConfig{Capacity: 4})

	_, err := b.PopReady(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestBufferDropsOldestWhenFull(t *testing.T) {
	b := NewBuffer(BufferConfig{
		MaxBatchEvents: 1,
		Capacity:       2,
		BatchTimeout:   time.Hour,
		PushStall:      5 * time.Millisecond,
	})

	// Capacity 2 with one event per batch: pushing five events forces
	// three oldest batches out.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Push(counterEvent(uint64(i))))
	}

	assert.Equal(t, uint64(3), b.Dropped())

	first, err := b.PopReady(time.Second)
	require.NoError(t, err)
	require.Len(t, first.Events, 1)
	assert.Equal(t, uint64(3), first.Events[0].TimestampNs, "survivors are the newest batches")

	second, err := b.PopReady(time.Second)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.Equal(t, uint64(4), second.Events[0].TimestampNs)

	assert.Zero(t, b.Pending())
}

func TestBufferCloseFlushesPartialBatch(t *testing.T) {
	b := NewBuffer(BufferConfig{
		MaxBatchEvents: 100,
		Capacity:       4,
		BatchTimeout:   time.Hour,
	})

	require.NoError(t, b.Push(counterEvent(1)))
	require.NoError(t, b.Push(counterEvent(2)))
	require.NoError(t, b.Close())

	batch, err := b.PopReady(time.Second)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)

	_, err = b.PopReady(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrBufferClosed)
}

func TestBufferPushAfterClose(t *testing.T) {
	b := NewBuffer(BufferConfig{Capacity: 4})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	assert.ErrorIs(t, b.Push(counterEvent(1)), ErrBufferClosed)
}

func TestBufferDropPending(t *testing.T) {
	b := NewBuffer(BufferConfig{
		MaxBatchEvents: 1,
		Capacity:       8,
		BatchTimeout:   time.Hour,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Push(counterEvent(uint64(i))))
	}
	require.NoError(t, b.Close())

	assert.Equal(t, uint64(3), b.DropPending())
	assert.Equal(t, uint64(3), b.Dropped())
	assert.Zero(t, b.Pending())
}
