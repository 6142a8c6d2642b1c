package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/goresilience"
	goresilienceerrors "github.com/slok/goresilience/errors"
	"github.com/slok/goresilience/timeout"

	"github.com/keeperd/keeper/engine/infra/cache"
	"github.com/keeperd/keeper/engine/memory/breaker"
	"github.com/keeperd/keeper/engine/memory/core"
	"github.com/keeperd/keeper/engine/memory/lrucache"
	"github.com/keeperd/keeper/engine/memory/metrics"
	"github.com/keeperd/keeper/pkg/config"
	"github.com/keeperd/keeper/pkg/logger"
)

// releaseTimeout bounds the lock release call, which runs on an uncancelable
// context so a canceled caller still releases.
const releaseTimeout = 5 * time.Second

// Manager is the façade over per-key instance construction. For each key it
// combines a process-local LRU cache (fast path), a store-backed distributed
// lock (serializes construction across the process group), and a circuit
// breaker (guards the caller-supplied constructor).
//
// The LRU cache is process-local by design: a freshly started process has a
// cold cache and will re-run the lock-guarded construction path for keys
// other processes already built. That staleness is accepted; the lock only
// guarantees at most one constructor in flight per key at a time.
type Manager struct {
	instances *lrucache.Cache
	locks     cache.LockManager
	circuit   *breaker.Breaker
	store     *cache.Cache
	cfg       *config.Config
	runner    goresilience.Runner
	lockWaits *waitSample
}

// NewManager wires a Manager from the app configuration and an established
// store bundle.
func NewManager(cfg *config.Config, store *cache.Cache) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("manager config cannot be nil")
	}
	if store == nil || store.LockManager == nil {
		return nil, fmt.Errorf("manager requires an established store")
	}
	instances, err := lrucache.New(cfg.Cache.MaxSize, cfg.Cache.EntryTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance cache: %w", err)
	}
	circuit, err := breaker.New(&cfg.Breaker)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit breaker: %w", err)
	}
	runner := goresilience.RunnerChain(
		timeout.NewMiddleware(timeout.Config{Timeout: cfg.Manager.OpTimeout}),
	)
	return &Manager{
		instances: instances,
		locks:     store.LockManager,
		circuit:   circuit,
		store:     store,
		cfg:       cfg,
		runner:    runner,
		lockWaits: newWaitSample(cfg.Manager.LockWaitSampleSize),
	}, nil
}

// GetOrCreate returns the instance for key, constructing it at most once per
// key across every process sharing the backing store. The whole call is
// bounded by the configured operation timeout, independent of the lock's own
// wait timeout; on timeout it fails with core.ErrOperationTimeout and any
// held lock is still released by the deferred scoped release.
func (m *Manager) GetOrCreate(ctx context.Context, key string, construct core.Constructor) (any, error) {
	if key == "" {
		return nil, fmt.Errorf("instance key cannot be empty")
	}
	if construct == nil {
		return nil, fmt.Errorf("constructor cannot be nil for %q", key)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Manager.OpTimeout)
	defer cancel()
	var result struct {
		value any
	}
	err := m.runner.Run(ctx, func(ctx context.Context) error {
		v, err := m.getOrCreate(ctx, key, construct)
		if err != nil {
			return err
		}
		result.value = v
		return nil
	})
	if err == nil {
		// Safe to read: the runner only returns nil after the closure stored
		// the value and finished.
		return result.value, nil
	}
	if errors.Is(err, goresilienceerrors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: get_or_create %q exceeded %s", core.ErrOperationTimeout, key, m.cfg.Manager.OpTimeout)
	}
	return nil, err
}

// getOrCreate is the double-checked locking body: cache fast path, lock,
// re-check, construct through the breaker, cache, return. The lock is
// released on every exit path by the deferred release.
func (m *Manager) getOrCreate(ctx context.Context, key string, construct core.Constructor) (any, error) {
	log := logger.FromContext(ctx)
	if v, ok := m.instances.Get(key); ok {
		metrics.RecordCacheHit(ctx, key)
		return v, nil
	}
	metrics.RecordCacheMiss(ctx, key)

	waitStart := time.Now()
	lock, err := m.locks.AcquireWait(ctx, m.lockName(key), m.cfg.Lock.LeaseTTL, m.cfg.Lock.WaitTimeout)
	waited := time.Since(waitStart)
	m.lockWaits.record(waited)
	metrics.RecordLockWait(ctx, key, waited)
	if err != nil {
		if errors.Is(err, cache.ErrLockNotAcquired) {
			metrics.RecordLockContention(ctx, key)
			return nil, fmt.Errorf("%w: %q after %s", core.ErrLockTimeout, key, m.cfg.Lock.WaitTimeout)
		}
		return nil, fmt.Errorf("acquiring construction lock for %q: %w", key, err)
	}
	defer m.releaseLock(ctx, lock)

	// Another holder may have populated the cache while this caller waited.
	if v, ok := m.instances.Get(key); ok {
		metrics.RecordCacheHit(ctx, key)
		log.Debug("instance appeared while waiting for construction lock", "key", key)
		return v, nil
	}

	var instance any
	err = m.circuit.Do(ctx, func(ctx context.Context) error {
		v, err := construct(ctx, key)
		if err != nil {
			return err
		}
		instance = v
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrCircuitOpen) {
			metrics.RecordCircuitRejection(ctx, key)
			return nil, fmt.Errorf("constructing %q: %w", key, err)
		}
		metrics.RecordConstruction(ctx, key, err)
		return nil, &core.ConstructionError{Key: key, Err: err}
	}
	m.instances.Set(key, instance)
	metrics.RecordConstruction(ctx, key, nil)
	log.Debug("instance constructed and cached", "key", key)
	return instance, nil
}

// releaseLock releases on an uncancelable context so cancellation of the
// caller never leaks a held lock. ErrLockNotHeld here means the lease already
// expired and the lock may have been reassigned, which is the designed
// crash-recovery outcome, not a failure.
func (m *Manager) releaseLock(ctx context.Context, lock cache.Lock) {
	log := logger.FromContext(ctx)
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := lock.Release(releaseCtx); err != nil {
		if errors.Is(err, cache.ErrLockNotHeld) {
			log.Debug("construction lock already expired", "key", lock.Key())
			return
		}
		log.Warn("failed to release construction lock", "key", lock.Key(), "error", err)
	}
}

func (m *Manager) lockName(key string) string {
	return m.cfg.Lock.KeyPrefix + key
}

// Invalidate removes key from the local cache. Idempotent; invalidating an
// absent key is a no-op. Other processes' caches are unaffected.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	removed := m.instances.Delete(key)
	logger.FromContext(ctx).Debug("instance invalidated", "key", key, "was_cached", removed)
}

// HealthCheck verifies the backing store is reachable and the constructor
// circuit is not open.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("backing store: %w", err)
	}
	if m.circuit.State() == breaker.StateOpen {
		return fmt.Errorf("%w: instance construction is short-circuited", core.ErrCircuitOpen)
	}
	return nil
}

// Close releases the backing store connection.
func (m *Manager) Close() error {
	return m.store.Close()
}
