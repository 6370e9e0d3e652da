package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallEventStoreCreatesLazily(t *testing.T) {
	store := NewCallEventStore(CallEventStoreOptions{})
	handle, err := store.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer handle.Release()

	assert.False(t, handle.Existed())
	assert.Equal(t, "c1", handle.Entry().CallID)
	assert.Equal(t, StateNew, handle.Entry().State())

	_, err = store.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound, "an acquired entry is not persisted until saved")
}

func TestCallEventStoreSaveAndReload(t *testing.T) {
	store := NewCallEventStore(CallEventStoreOptions{})
	ctx := context.Background()

	handle, err := store.Acquire(ctx, "c1")
	require.NoError(t, err)
	entry := handle.Entry()
	entry.RecordID = "a01"
	entry.ActivityID = "task_1"
	require.NoError(t, handle.Save(ctx, entry))
	handle.Release()

	handle, err = store.Acquire(ctx, "c1")
	require.NoError(t, err)
	defer handle.Release()
	assert.True(t, handle.Existed())
	assert.Equal(t, "a01", handle.Entry().RecordID)
	assert.Equal(t, "task_1", handle.Entry().ActivityID)
}

func TestCallEventStoreActivityIDIsImmutable(t *testing.T) {
	store := NewCallEventStore(CallEventStoreOptions{})
	ctx := context.Background()
	handle, err := store.Acquire(ctx, "c1")
	require.NoError(t, err)
	defer handle.Release()

	entry := handle.Entry()
	entry.ActivityID = "task_1"
	require.NoError(t, handle.Save(ctx, entry))

	entry.ActivityID = "task_2"
	assert.ErrorIs(t, handle.Save(ctx, entry), ErrInvalidInput)

	entry.ActivityID = "task_1"
	entry.CallID = "other"
	assert.ErrorIs(t, handle.Save(ctx, entry), ErrInvalidInput)
}

func TestCallEventStoreSerializesSameCallID(t *testing.T) {
	store := NewCallEventStore(CallEventStoreOptions{})
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := store.Acquire(ctx, "same")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				current := maxInside.Load()
				if n <= current || maxInside.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			handle.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, store.locks, "lock table should drain once all handles are released")
}

func TestCallEventStoreDifferentCallIDsDoNotBlock(t *testing.T) {
	store := NewCallEventStore(CallEventStoreOptions{})
	ctx := context.Background()

	held, err := store.Acquire(ctx, "a")
	require.NoError(t, err)
	defer held.Release()

	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	other, err := store.Acquire(acquireCtx, "b")
	require.NoError(t, err)
	other.Release()
}

func TestCallEventStoreAcquireHonoursContext(t *testing.T) {
	store := NewCallEventStore(CallEventStoreOptions{})
	held, err := store.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.Acquire(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallEventStoreReleaseIsIdempotent(t *testing.T) {
	store := NewCallEventStore(CallEventStoreOptions{})
	handle, err := store.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	handle.Release()
	handle.Release()

	again, err := store.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	again.Release()
}

func TestCallEventStoreSweepRemovesStaleEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewCallEventStore(CallEventStoreOptions{Now: clock})
	ctx := context.Background()

	save := func(callID string) {
		handle, err := store.Acquire(ctx, callID)
		require.NoError(t, err)
		require.NoError(t, handle.Save(ctx, handle.Entry()))
		handle.Release()
	}
	save("old")
	now = now.Add(8 * 24 * time.Hour)
	save("fresh")

	removed, err := store.Sweep(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Load(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(ctx, "fresh")
	assert.NoError(t, err)
}
