package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/keeperd/keeper/engine/memory/core"
	"github.com/keeperd/keeper/pkg/config"
)

// State is the breaker's position in the CLOSED -> OPEN -> HALF_OPEN machine.
type State int

const (
	// StateClosed passes calls through, counting consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls without invoking the operation.
	StateOpen
	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is a point-in-time view of the breaker for observability.
type Snapshot struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
}

// Breaker guards an unreliable operation with an explicit state machine keyed
// on consecutive failures. After threshold consecutive failures the circuit
// opens; once the open timeout elapses the next caller is admitted as the
// single half-open probe. All transitions happen under one mutex, which is
// what makes the exactly-one-probe rule hold under concurrency.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	openTimeout   time.Duration
	state         State
	failureCount  int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool
	now           func() time.Time
}

func New(cfg *config.BreakerConfig) (*Breaker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("breaker config cannot be nil")
	}
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("breaker failure threshold must be positive, got %d", cfg.FailureThreshold)
	}
	if cfg.OpenTimeout <= 0 {
		return nil, fmt.Errorf("breaker open timeout must be positive, got %s", cfg.OpenTimeout)
	}
	return &Breaker{
		threshold:   cfg.FailureThreshold,
		openTimeout: cfg.OpenTimeout,
		state:       StateClosed,
		now:         time.Now,
	}, nil
}

// Do runs op through the breaker. While open it returns core.ErrCircuitOpen
// without invoking op; otherwise op's error is returned unchanged after being
// recorded against the machine.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = op(ctx)
	b.settle(probe, err)
	return err
}

// admit decides under the mutex whether the call proceeds, and whether it is
// the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return false, fmt.Errorf("%w: retrying after %s", core.ErrCircuitOpen, b.openTimeout)
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return false, fmt.Errorf("%w: probe already in flight", core.ErrCircuitOpen)
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, fmt.Errorf("breaker in unknown state %d", int(b.state))
	}
}

// settle records the call outcome under the mutex.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if probe {
		b.probeInFlight = false
		if err != nil {
			b.state = StateOpen
			b.openedAt = now
			b.lastFailure = now
			return
		}
		b.state = StateClosed
		b.failureCount = 0
		return
	}
	if err == nil {
		if b.state == StateClosed {
			b.failureCount = 0
		}
		return
	}
	b.lastFailure = now
	if b.state != StateClosed {
		// Another caller already tripped the circuit while this call was in
		// flight; its outcome no longer moves the machine.
		return
	}
	b.failureCount++
	if b.failureCount >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		OpenedAt:     b.openedAt,
		LastFailure:  b.lastFailure,
	}
}
