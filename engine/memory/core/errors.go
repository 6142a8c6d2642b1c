package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the instance manager. Store connectivity failures keep
// the cache layer's ErrStoreUnavailable identity and are propagated with added
// context rather than re-branded.
var (
	// ErrLockTimeout means the wait budget for the per-key construction lock
	// was exhausted. Transient; callers may retry with backoff.
	ErrLockTimeout = errors.New("timed out waiting for instance lock")

	// ErrCircuitOpen means the breaker short-circuited the call without
	// invoking the constructor. Callers should degrade, not retry tightly.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrOperationTimeout means the overall get-or-create deadline elapsed,
	// independent of the lock's own wait timeout.
	ErrOperationTimeout = errors.New("operation timed out")
)

// ConstructionError wraps a failure raised by the caller-supplied constructor.
// The manager never retries these; Unwrap lets callers distinguish their own
// constructor faults from infrastructure faults with errors.Is/As.
type ConstructionError struct {
	Key string
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing instance %q: %v", e.Key, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}
