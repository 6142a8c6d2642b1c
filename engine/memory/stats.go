package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/keeperd/keeper/engine/memory/breaker"
	"github.com/keeperd/keeper/engine/memory/lrucache"
)

// Stats is the manager's observability snapshot. Counters are process-wide
// and reset only on restart.
type Stats struct {
	Cache       lrucache.Stats   `json:"cache"`
	Circuit     breaker.Snapshot `json:"circuit"`
	LockWaitP50 time.Duration    `json:"lock_wait_p50"`
	LockWaitP95 time.Duration    `json:"lock_wait_p95"`
}

// Stats returns the current cache counters, circuit state, and lock-wait
// percentiles from the bounded in-memory sample.
func (m *Manager) Stats() Stats {
	return Stats{
		Cache:       m.instances.Stats(),
		Circuit:     m.circuit.Snapshot(),
		LockWaitP50: m.lockWaits.percentile(0.50),
		LockWaitP95: m.lockWaits.percentile(0.95),
	}
}

const defaultWaitSampleSize = 1024

// waitSample is a fixed-size ring of recent lock-wait durations. Old
// observations are overwritten once the ring is full, so percentiles reflect
// recent behavior rather than process lifetime.
type waitSample struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

func newWaitSample(size int) *waitSample {
	if size <= 0 {
		size = defaultWaitSampleSize
	}
	return &waitSample{buf: make([]time.Duration, size)}
}

func (s *waitSample) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = d
	s.next++
	if s.next == len(s.buf) {
		s.next = 0
		s.full = true
	}
}

// percentile returns the p-quantile (0 < p <= 1) of the current sample, or 0
// when nothing has been recorded yet.
func (s *waitSample) percentile(p float64) time.Duration {
	s.mu.Lock()
	n := s.next
	if s.full {
		n = len(s.buf)
	}
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	snapshot := make([]time.Duration, n)
	copy(snapshot, s.buf[:n])
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i] < snapshot[j] })
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return snapshot[idx]
}
