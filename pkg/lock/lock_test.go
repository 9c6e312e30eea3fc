package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	first, err := locker.Acquire(ctx, PushKey("a1", "zoom"), time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, PushKey("a1", "zoom"), time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := locker.Acquire(ctx, PushKey("a1", "google_calendar"), time.Minute)
	require.NoError(t, err, "different provider is a different key")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	assert.ErrorIs(t, first.Release(ctx), ErrNotHeld)

	again, err := locker.Acquire(ctx, PushKey("a1", "zoom"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLocker_ExpiredLockCanBeTaken(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	stale, err := locker.Acquire(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fresh, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld, "expired holder must not release the new owner")
	require.NoError(t, fresh.Release(ctx))
}

func TestMemoryLocker_TryAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	held, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(ctx)
	}()

	l, err := locker.TryAcquire(ctx, "k", time.Minute, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))

	blocker, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = locker.TryAcquire(ctx, "k", time.Minute, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAcquired)
	require.NoError(t, blocker.Release(ctx))
}

func TestMemoryLocker_SingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Acquire(ctx, "contended", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
