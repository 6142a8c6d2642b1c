package cache

import "errors"

// Canonical, backend-neutral errors adapters must return.
var (
	// ErrNotFound indicates the key does not exist in the store.
	ErrNotFound = errors.New("cache: not found")
	// ErrStoreUnavailable indicates the backing store could not be reached.
	// Callers must treat this as "state unknown", never as a successful miss.
	ErrStoreUnavailable = errors.New("cache: store unavailable")
	// ErrLockNotAcquired indicates the lock is currently held by another owner.
	ErrLockNotAcquired = errors.New("cache: lock not acquired")
	// ErrLockNotHeld indicates the caller's token no longer owns the lock,
	// typically because the lease expired and the lock was reassigned.
	ErrLockNotHeld = errors.New("cache: lock not held")
)
