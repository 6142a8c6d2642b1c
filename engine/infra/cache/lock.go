package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/keeperd/keeper/pkg/logger"
)

// lockKeyPrefix namespaces every lock entry in the store.
const lockKeyPrefix = "lock:"

// defaultPollInterval is the delay between acquisition attempts in AcquireWait.
const defaultPollInterval = 100 * time.Millisecond

// LockManager acquires distributed locks backed by a shared key-value store.
type LockManager interface {
	// Acquire makes a single atomic acquisition attempt. It returns
	// ErrLockNotAcquired when the lock is currently held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// AcquireWait polls Acquire at a fixed interval until the lock is won,
	// ctx is canceled, or wait elapses (ErrLockNotAcquired).
	AcquireWait(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error)
}

// Lock represents an acquired distributed lock. The token is the sole
// ownership proof: Release and Refresh are no-ops on the remote entry once
// the lease has expired and the lock was reassigned.
type Lock interface {
	Key() string
	Token() string
	IsHeld() bool
	Release(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// RedisLockManager implements LockManager on a RedisAdapter using atomic
// SET NX PX for acquisition and token-checked Lua scripts for release and
// refresh.
type RedisLockManager struct {
	adapter      *RedisAdapter
	metrics      *LockMetrics
	pollInterval time.Duration
}

func NewRedisLockManager(client RedisInterface) (*RedisLockManager, error) {
	adapter, err := NewRedisAdapter(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis adapter for lock manager: %w", err)
	}
	return &RedisLockManager{
		adapter:      adapter,
		metrics:      &LockMetrics{},
		pollInterval: defaultPollInterval,
	}, nil
}

// WithPollInterval overrides the AcquireWait polling interval.
func (m *RedisLockManager) WithPollInterval(interval time.Duration) *RedisLockManager {
	if interval > 0 {
		m.pollInterval = interval
	}
	return m
}

// GetMetrics returns a read-only snapshot of the manager's counters.
func (m *RedisLockManager) GetMetrics() LockMetricsView {
	return m.metrics.copy()
}

func (m *RedisLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	start := time.Now()
	lockKey := lockKeyPrefix + key
	token := uuid.NewString()
	ok, err := m.adapter.SetNX(ctx, lockKey, token, ttl)
	if err != nil {
		m.metrics.recordAcquire(time.Since(start), false)
		return nil, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	if !ok {
		m.metrics.recordAcquire(time.Since(start), false)
		return nil, fmt.Errorf("%w: %q is held by another owner", ErrLockNotAcquired, key)
	}
	m.metrics.recordAcquire(time.Since(start), true)
	lock := &redisLock{
		manager: m,
		key:     lockKey,
		token:   token,
		ttl:     ttl,
	}
	lock.held.Store(true)
	logger.FromContext(ctx).Debug("distributed lock acquired", "key", lockKey, "ttl", ttl)
	return lock, nil
}

func (m *RedisLockManager) AcquireWait(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error) {
	if wait <= 0 {
		return m.Acquire(ctx, key, ttl)
	}
	var lock Lock
	backoff := retry.WithMaxDuration(wait, retry.NewConstant(m.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		acquired, err := m.Acquire(ctx, key, ttl)
		if err != nil {
			if errors.Is(err, ErrLockNotAcquired) {
				// Contention is the only retryable outcome; store failures
				// must surface immediately rather than burn the wait budget.
				return retry.RetryableError(err)
			}
			return err
		}
		lock = acquired
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// redisLock is the handle returned by RedisLockManager. The held flag only
// tracks this process's view; the remote entry may outlive or predecease it,
// which is why every remote mutation is token-checked.
type redisLock struct {
	manager *RedisLockManager
	key     string
	token   string
	ttl     time.Duration
	held    atomic.Bool
}

func (l *redisLock) Key() string {
	return l.key
}

func (l *redisLock) Token() string {
	return l.token
}

func (l *redisLock) IsHeld() bool {
	return l.held.Load()
}

// Release deletes the remote entry iff it still carries this handle's token.
// Returns ErrLockNotHeld when the lease already expired and the lock may have
// been reassigned; callers on a normal release path can treat that as benign.
func (l *redisLock) Release(ctx context.Context) error {
	if !l.held.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: %q already released", ErrLockNotHeld, l.key)
	}
	ok, err := l.manager.adapter.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		l.manager.metrics.recordRelease(false)
		return fmt.Errorf("failed to release lock %q: %w", l.key, err)
	}
	if !ok {
		l.manager.metrics.recordRelease(false)
		return fmt.Errorf("%w: %q expired or was reassigned", ErrLockNotHeld, l.key)
	}
	l.manager.metrics.recordRelease(true)
	logger.FromContext(ctx).Debug("distributed lock released", "key", l.key)
	return nil
}

// Refresh extends the lease iff the remote entry still carries this handle's
// token.
func (l *redisLock) Refresh(ctx context.Context) error {
	if !l.held.Load() {
		return fmt.Errorf("%w: %q already released", ErrLockNotHeld, l.key)
	}
	ok, err := l.manager.adapter.CompareAndExpire(ctx, l.key, l.token, l.ttl)
	if err != nil {
		l.manager.metrics.recordRefresh(false)
		return fmt.Errorf("failed to refresh lock %q: %w", l.key, err)
	}
	if !ok {
		l.held.Store(false)
		l.manager.metrics.recordRefresh(false)
		return fmt.Errorf("%w: %q expired or was reassigned", ErrLockNotHeld, l.key)
	}
	l.manager.metrics.recordRefresh(true)
	return nil
}
