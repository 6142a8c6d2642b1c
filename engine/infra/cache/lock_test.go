package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to setup miniredis and RedisLockManager for testing
func setupRedisLockManager(t *testing.T) (*RedisLockManager, *miniredis.Miniredis, context.Context) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err, "Failed to start miniredis")
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	lockManager, err := NewRedisLockManager(rdb)
	require.NoError(t, err)

	return lockManager.WithPollInterval(20 * time.Millisecond), s, context.Background()
}

func TestRedisLockManager_AcquireAndRelease(t *testing.T) {
	lockManager, s, ctx := setupRedisLockManager(t)

	resourceID := "myResource123"
	lockTTL := 1 * time.Second

	// Acquire the lock
	lock, err := lockManager.Acquire(ctx, resourceID, lockTTL)
	require.NoError(t, err, "Failed to acquire lock")
	require.NotNil(t, lock)
	assert.True(t, lock.IsHeld(), "Lock should be held after acquiring")
	assert.NotEmpty(t, lock.Token())

	// Check underlying Redis key
	lockKey := "lock:" + resourceID
	assert.True(t, s.Exists(lockKey), "Lock key should exist in Redis")

	// Try to acquire again (should fail)
	_, err = lockManager.Acquire(ctx, resourceID, lockTTL)
	assert.Error(t, err, "Acquiring an already held lock should fail")
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// Release the lock
	err = lock.Release(ctx)
	assert.NoError(t, err, "Failed to release lock")
	assert.False(t, lock.IsHeld(), "Lock should not be held after releasing")
	assert.False(t, s.Exists(lockKey), "Lock key should not exist in Redis after release")

	// Try to release again (should fail)
	err = lock.Release(ctx)
	assert.Error(t, err, "Releasing an already released lock should fail")
	assert.ErrorIs(t, err, ErrLockNotHeld)
}

func TestRedisLockManager_ReleaseTokenMismatch(t *testing.T) {
	lockManager, s, ctx := setupRedisLockManager(t)

	resourceID := "contestedResource"
	lockTTL := 500 * time.Millisecond

	lockA, err := lockManager.Acquire(ctx, resourceID, lockTTL)
	require.NoError(t, err)

	// Let A's lease expire and hand the lock to B.
	s.FastForward(lockTTL + 10*time.Millisecond)
	lockB, err := lockManager.Acquire(ctx, resourceID, lockTTL)
	require.NoError(t, err, "Should acquire after previous lease expired")

	// A's stale release must not remove B's active lock entry.
	err = lockA.Release(ctx)
	assert.ErrorIs(t, err, ErrLockNotHeld)
	assert.True(t, s.Exists("lock:"+resourceID), "B's lock entry must survive A's stale release")
	s.CheckGet(t, "lock:"+resourceID, lockB.Token())

	require.NoError(t, lockB.Release(ctx))
}

func TestRedisLockManager_AcquireWait(t *testing.T) {
	t.Run("Should succeed once the previous lease expires", func(t *testing.T) {
		lockManager, s, ctx := setupRedisLockManager(t)

		resourceID := "leasedResource"
		lockTTL := 1 * time.Second

		_, err := lockManager.Acquire(ctx, resourceID, lockTTL)
		require.NoError(t, err)

		// Holder A never releases; expire its lease while B is polling.
		go func() {
			time.Sleep(150 * time.Millisecond)
			s.FastForward(lockTTL + 10*time.Millisecond)
		}()

		lockB, err := lockManager.AcquireWait(ctx, resourceID, lockTTL, 3*time.Second)
		require.NoError(t, err, "AcquireWait should succeed after the lease expires")
		assert.True(t, lockB.IsHeld())
		require.NoError(t, lockB.Release(ctx))
	})

	t.Run("Should fail with ErrLockNotAcquired when wait elapses", func(t *testing.T) {
		lockManager, _, ctx := setupRedisLockManager(t)

		resourceID := "heldResource"
		_, err := lockManager.Acquire(ctx, resourceID, 10*time.Second)
		require.NoError(t, err)

		start := time.Now()
		_, err = lockManager.AcquireWait(ctx, resourceID, time.Second, 200*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrLockNotAcquired)
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})

	t.Run("Should stop polling when the context is canceled", func(t *testing.T) {
		lockManager, s, _ := setupRedisLockManager(t)

		resourceID := "canceledResource"
		holder, err := lockManager.Acquire(context.Background(), resourceID, 10*time.Second)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		_, err = lockManager.AcquireWait(ctx, resourceID, time.Second, 5*time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		// A canceled waiter must never end up owning the entry.
		s.CheckGet(t, "lock:"+resourceID, holder.Token())
	})

	t.Run("Should surface store failures instead of burning the wait budget", func(t *testing.T) {
		lockManager, s, ctx := setupRedisLockManager(t)

		s.SetError("LOADING Redis is loading the dataset in memory")
		start := time.Now()
		_, err := lockManager.AcquireWait(ctx, "anyResource", time.Second, 2*time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.Less(t, time.Since(start), time.Second, "store failures must not be retried until the deadline")
	})
}

func TestRedisLockManager_Refresh(t *testing.T) {
	lockManager, s, ctx := setupRedisLockManager(t)

	resourceID := "refreshResource"
	lockTTL := 1 * time.Second

	lock, err := lockManager.Acquire(ctx, resourceID, lockTTL)
	require.NoError(t, err)

	s.FastForward(600 * time.Millisecond)
	require.NoError(t, lock.Refresh(ctx), "Manual refresh failed")
	assert.True(t, lock.IsHeld(), "Lock should be held after manual refresh")

	ttl := s.TTL("lock:" + resourceID)
	assert.Greater(t, ttl, lockTTL/2, "TTL should be substantial after refresh")

	// Refresh after expiry and reassignment must fail and drop the held flag.
	s.FastForward(lockTTL + 10*time.Millisecond)
	err = lock.Refresh(ctx)
	assert.ErrorIs(t, err, ErrLockNotHeld)
	assert.False(t, lock.IsHeld())
}

func TestRedisLockManager_GetMetrics(t *testing.T) {
	lockManager, _, ctx := setupRedisLockManager(t)

	resourceID := "metricsResource"
	lockTTL := 1 * time.Second

	lock, err := lockManager.Acquire(ctx, resourceID, lockTTL)
	require.NoError(t, err)

	metrics := lockManager.GetMetrics()
	assert.EqualValues(t, 1, metrics.AcquisitionsTotal)
	assert.EqualValues(t, 0, metrics.AcquisitionsFailed)

	_, err = lockManager.Acquire(ctx, resourceID, lockTTL)
	require.Error(t, err)

	require.NoError(t, lock.Release(ctx))

	metrics = lockManager.GetMetrics()
	assert.EqualValues(t, 1, metrics.AcquisitionsTotal)
	assert.EqualValues(t, 1, metrics.AcquisitionsFailed)
	assert.EqualValues(t, 1, metrics.ReleasesTotal)
}
