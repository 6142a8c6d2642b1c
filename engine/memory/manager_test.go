package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperd/keeper/engine/infra/cache"
	"github.com/keeperd/keeper/engine/memory/breaker"
	"github.com/keeperd/keeper/engine/memory/core"
	"github.com/keeperd/keeper/pkg/config"
)

var errBoom = errors.New("downstream exploded")

func setupManager(t *testing.T, mutate func(cfg *config.Config)) (*Manager, *cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	cfg := config.Default()
	cfg.Redis.Host = s.Host()
	cfg.Redis.Port = s.Port()
	cfg.Lock.PollInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	store, err := cache.SetupCache(context.Background(), cache.FromAppConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := NewManager(cfg, store)
	require.NoError(t, err)
	return mgr, store, s
}

func countingConstructor(calls *atomic.Int32, value any, delay time.Duration) core.Constructor {
	return func(ctx context.Context, key string) (any, error) {
		calls.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return value, nil
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, &cache.Cache{})
	assert.Error(t, err)

	_, err = NewManager(config.Default(), nil)
	assert.Error(t, err)
}

func TestManager_GetOrCreate(t *testing.T) {
	t.Run("Should construct on miss and serve from cache afterwards", func(t *testing.T) {
		mgr, _, s := setupManager(t, nil)
		ctx := context.Background()

		var calls atomic.Int32
		v, err := mgr.GetOrCreate(ctx, "patient-1", countingConstructor(&calls, "instance-1", 0))
		require.NoError(t, err)
		assert.Equal(t, "instance-1", v)
		assert.EqualValues(t, 1, calls.Load())

		// Construction lock must not survive the call.
		assert.False(t, s.Exists("lock:instance:patient-1"))

		v, err = mgr.GetOrCreate(ctx, "patient-1", countingConstructor(&calls, "instance-1", 0))
		require.NoError(t, err)
		assert.Equal(t, "instance-1", v)
		assert.EqualValues(t, 1, calls.Load(), "cached instance must not be reconstructed")
	})

	t.Run("Should reject empty key and nil constructor", func(t *testing.T) {
		mgr, _, _ := setupManager(t, nil)
		ctx := context.Background()

		_, err := mgr.GetOrCreate(ctx, "", countingConstructor(&atomic.Int32{}, "v", 0))
		assert.Error(t, err)

		_, err = mgr.GetOrCreate(ctx, "patient-1", nil)
		assert.Error(t, err)
	})
}

func TestManager_ConstructsExactlyOnceUnderContention(t *testing.T) {
	mgr, _, _ := setupManager(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	construct := countingConstructor(&calls, "shared-instance", 50*time.Millisecond)

	const workers = 10
	results := make([]any, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = mgr.GetOrCreate(ctx, "hot-key", construct)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-instance", results[i])
	}
	assert.EqualValues(t, 1, calls.Load(), "constructor must run exactly once across all concurrent callers")
}

func TestManager_ConstructionErrorPropagation(t *testing.T) {
	mgr, _, s := setupManager(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	failing := func(context.Context, string) (any, error) {
		calls.Add(1)
		return nil, errBoom
	}

	_, err := mgr.GetOrCreate(ctx, "broken", failing)
	require.Error(t, err)

	var ce *core.ConstructionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broken", ce.Key)
	assert.ErrorIs(t, err, errBoom, "constructor failure must stay reachable through Unwrap")

	// Failure paths must release the lock and must not cache.
	assert.False(t, s.Exists("lock:instance:broken"))
	_, err = mgr.GetOrCreate(ctx, "broken", failing)
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load(), "failures are never cached")
}

func TestManager_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	mgr, _, _ := setupManager(t, func(cfg *config.Config) {
		cfg.Breaker.FailureThreshold = 2
	})
	ctx := context.Background()

	var calls atomic.Int32
	failing := func(context.Context, string) (any, error) {
		calls.Add(1)
		return nil, errBoom
	}

	_, err := mgr.GetOrCreate(ctx, "flaky", failing)
	require.Error(t, err)
	_, err = mgr.GetOrCreate(ctx, "flaky", failing)
	require.Error(t, err)

	_, err = mgr.GetOrCreate(ctx, "flaky", failing)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.EqualValues(t, 2, calls.Load(), "open circuit must not invoke the constructor")

	assert.Equal(t, breaker.StateOpen, mgr.Stats().Circuit.State)
	assert.ErrorIs(t, mgr.HealthCheck(ctx), core.ErrCircuitOpen)
}

func TestManager_LockTimeout(t *testing.T) {
	mgr, store, _ := setupManager(t, func(cfg *config.Config) {
		cfg.Lock.WaitTimeout = 200 * time.Millisecond
	})
	ctx := context.Background()

	// An external holder pins the construction lock well past the wait budget.
	holder, err := store.LockManager.Acquire(ctx, "instance:contested", 10*time.Second)
	require.NoError(t, err)
	defer func() { _ = holder.Release(ctx) }()

	var calls atomic.Int32
	_, err = mgr.GetOrCreate(ctx, "contested", countingConstructor(&calls, "v", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrLockTimeout)
	assert.EqualValues(t, 0, calls.Load())
}

func TestManager_OperationTimeout(t *testing.T) {
	mgr, store, _ := setupManager(t, func(cfg *config.Config) {
		cfg.Manager.OpTimeout = 250 * time.Millisecond
		cfg.Lock.WaitTimeout = 5 * time.Second
	})
	ctx := context.Background()

	holder, err := store.LockManager.Acquire(ctx, "instance:slow", 30*time.Second)
	require.NoError(t, err)
	defer func() { _ = holder.Release(ctx) }()

	start := time.Now()
	_, err = mgr.GetOrCreate(ctx, "slow", countingConstructor(&atomic.Int32{}, "v", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrOperationTimeout)
	assert.Less(t, time.Since(start), 2*time.Second, "overall timeout must cut the lock wait short")
}

func TestManager_LeaseExpiryTakeover(t *testing.T) {
	mgr, store, s := setupManager(t, func(cfg *config.Config) {
		cfg.Lock.WaitTimeout = 3 * time.Second
	})
	ctx := context.Background()

	// Holder A acquires with a short lease and never releases, simulating a
	// crashed process. B's bounded wait must succeed once the lease expires.
	leaseTTL := 500 * time.Millisecond
	_, err := store.LockManager.Acquire(ctx, "instance:orphaned", leaseTTL)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		s.FastForward(leaseTTL + 10*time.Millisecond)
	}()

	var calls atomic.Int32
	v, err := mgr.GetOrCreate(ctx, "orphaned", countingConstructor(&calls, "recovered", 0))
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.EqualValues(t, 1, calls.Load())
}

func TestManager_InvalidateIsIdempotent(t *testing.T) {
	mgr, _, _ := setupManager(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := mgr.GetOrCreate(ctx, "patient-1", countingConstructor(&calls, "v1", 0))
	require.NoError(t, err)

	mgr.Invalidate(ctx, "patient-1")
	mgr.Invalidate(ctx, "patient-1")
	mgr.Invalidate(ctx, "never-existed")

	_, err = mgr.GetOrCreate(ctx, "patient-1", countingConstructor(&calls, "v2", 0))
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "invalidated key must be reconstructed")
}

func TestManager_Stats(t *testing.T) {
	mgr, _, _ := setupManager(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := mgr.GetOrCreate(ctx, "patient-1", countingConstructor(&calls, "v", 0))
	require.NoError(t, err)
	_, err = mgr.GetOrCreate(ctx, "patient-1", countingConstructor(&calls, "v", 0))
	require.NoError(t, err)

	stats := mgr.Stats()
	assert.Equal(t, 1, stats.Cache.Size)
	assert.Positive(t, stats.Cache.Hits)
	assert.Positive(t, stats.Cache.Misses)
	assert.Equal(t, breaker.StateClosed, stats.Circuit.State)
	assert.GreaterOrEqual(t, stats.LockWaitP95, stats.LockWaitP50)
	assert.GreaterOrEqual(t, stats.LockWaitP50, time.Duration(0))
}

func TestManager_HealthCheck(t *testing.T) {
	mgr, _, s := setupManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.HealthCheck(ctx))

	s.SetError("LOADING Redis is loading the dataset in memory")
	assert.Error(t, mgr.HealthCheck(ctx))
}

func TestManager_PassThroughCacheStillConstructsOnce(t *testing.T) {
	mgr, _, _ := setupManager(t, func(cfg *config.Config) {
		cfg.Cache.MaxSize = 0
	})
	ctx := context.Background()

	var calls atomic.Int32
	construct := countingConstructor(&calls, "uncached", 0)

	v, err := mgr.GetOrCreate(ctx, "patient-1", construct)
	require.NoError(t, err)
	assert.Equal(t, "uncached", v)

	// With caching disabled every call takes the lock-and-construct path.
	_, err = mgr.GetOrCreate(ctx, "patient-1", construct)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}
