package cache

import (
	"sync"
	"time"
)

// LockMetrics holds internal, lock-protected counters for the distributed
// lock manager. Fields are intentionally unexported to prevent racy access.
// Use RedisLockManager.GetMetrics to obtain a read-only view.
type LockMetrics struct {
	mu                 sync.RWMutex
	acquisitionsTotal  int64
	acquisitionsFailed int64
	releasesTotal      int64
	releasesFailed     int64
	refreshesTotal     int64
	refreshesFailed    int64
	acquisitionTime    time.Duration
}

// LockMetricsView is a read-only view of lock metrics safe for external
// observation and JSON serialization.
type LockMetricsView struct {
	AcquisitionsTotal  int64         `json:"acquisitions_total"`
	AcquisitionsFailed int64         `json:"acquisitions_failed"`
	ReleasesTotal      int64         `json:"releases_total"`
	ReleasesFailed     int64         `json:"releases_failed"`
	RefreshesTotal     int64         `json:"refreshes_total"`
	RefreshesFailed    int64         `json:"refreshes_failed"`
	AcquisitionTime    time.Duration `json:"acquisition_time"`
}

func (m *LockMetrics) recordAcquire(elapsed time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.acquisitionsTotal++
		m.acquisitionTime += elapsed
	} else {
		m.acquisitionsFailed++
	}
}

func (m *LockMetrics) recordRelease(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.releasesTotal++
	} else {
		m.releasesFailed++
	}
}

func (m *LockMetrics) recordRefresh(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.refreshesTotal++
	} else {
		m.refreshesFailed++
	}
}

// copy returns a view with values captured under read lock.
func (m *LockMetrics) copy() LockMetricsView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return LockMetricsView{
		AcquisitionsTotal:  m.acquisitionsTotal,
		AcquisitionsFailed: m.acquisitionsFailed,
		ReleasesTotal:      m.releasesTotal,
		ReleasesFailed:     m.releasesFailed,
		RefreshesTotal:     m.refreshesTotal,
		RefreshesFailed:    m.refreshesFailed,
		AcquisitionTime:    m.acquisitionTime,
	}
}
