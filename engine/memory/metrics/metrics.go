package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/keeperd/keeper/pkg/logger"
)

// Instrumentation for the instance manager. Purely observational: every
// recording function is a no-op until Init is called with a meter, and
// manager correctness never depends on any of it.
var (
	cacheHitsTotal      metric.Int64Counter
	cacheMissesTotal    metric.Int64Counter
	lockContentionTotal metric.Int64Counter
	circuitRejections   metric.Int64Counter
	constructionsTotal  metric.Int64Counter
	constructionErrors  metric.Int64Counter
	lockWaitSeconds     metric.Float64Histogram

	initOnce sync.Once
	resetMu  sync.Mutex
)

const keyAttr = "instance_key"

// Init creates the manager instruments on the given meter. Safe to call more
// than once; only the first call registers.
func Init(ctx context.Context, meter metric.Meter) {
	if meter == nil {
		return
	}
	initOnce.Do(func() {
		registerInstruments(ctx, meter)
	})
}

func registerInstruments(ctx context.Context, meter metric.Meter) {
	log := logger.FromContext(ctx)
	var err error
	if cacheHitsTotal, err = meter.Int64Counter(
		"keeper_instance_cache_hits_total",
		metric.WithDescription("Instance cache lookups served locally"),
	); err != nil {
		log.Error("Failed to create counter", "name", "keeper_instance_cache_hits_total", "error", err)
		return
	}
	if cacheMissesTotal, err = meter.Int64Counter(
		"keeper_instance_cache_misses_total",
		metric.WithDescription("Instance cache lookups that fell through to construction"),
	); err != nil {
		log.Error("Failed to create counter", "name", "keeper_instance_cache_misses_total", "error", err)
		return
	}
	if lockContentionTotal, err = meter.Int64Counter(
		"keeper_instance_lock_contention_total",
		metric.WithDescription("Construction lock acquisitions that exhausted their wait budget"),
	); err != nil {
		log.Error("Failed to create counter", "name", "keeper_instance_lock_contention_total", "error", err)
		return
	}
	if circuitRejections, err = meter.Int64Counter(
		"keeper_instance_circuit_rejections_total",
		metric.WithDescription("Constructions rejected by the open circuit breaker"),
	); err != nil {
		log.Error("Failed to create counter", "name", "keeper_instance_circuit_rejections_total", "error", err)
		return
	}
	if constructionsTotal, err = meter.Int64Counter(
		"keeper_instance_constructions_total",
		metric.WithDescription("Constructor invocations that completed"),
	); err != nil {
		log.Error("Failed to create counter", "name", "keeper_instance_constructions_total", "error", err)
		return
	}
	if constructionErrors, err = meter.Int64Counter(
		"keeper_instance_construction_errors_total",
		metric.WithDescription("Constructor invocations that failed"),
	); err != nil {
		log.Error("Failed to create counter", "name", "keeper_instance_construction_errors_total", "error", err)
		return
	}
	if lockWaitSeconds, err = meter.Float64Histogram(
		"keeper_instance_lock_wait_seconds",
		metric.WithDescription("Time spent waiting for the construction lock"),
		metric.WithUnit("s"),
	); err != nil {
		log.Error("Failed to create histogram", "name", "keeper_instance_lock_wait_seconds", "error", err)
		return
	}
	log.Debug("Instance manager metrics initialized")
}

func RecordCacheHit(ctx context.Context, key string) {
	if cacheHitsTotal == nil {
		return
	}
	cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(keyAttr, key)))
}

func RecordCacheMiss(ctx context.Context, key string) {
	if cacheMissesTotal == nil {
		return
	}
	cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(keyAttr, key)))
}

func RecordLockContention(ctx context.Context, key string) {
	if lockContentionTotal == nil {
		return
	}
	lockContentionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(keyAttr, key)))
}

func RecordCircuitRejection(ctx context.Context, key string) {
	if circuitRejections == nil {
		return
	}
	circuitRejections.Add(ctx, 1, metric.WithAttributes(attribute.String(keyAttr, key)))
}

func RecordConstruction(ctx context.Context, key string, err error) {
	attrs := metric.WithAttributes(attribute.String(keyAttr, key))
	if err != nil {
		if constructionErrors != nil {
			constructionErrors.Add(ctx, 1, attrs)
		}
		return
	}
	if constructionsTotal != nil {
		constructionsTotal.Add(ctx, 1, attrs)
	}
}

func RecordLockWait(ctx context.Context, key string, waited time.Duration) {
	if lockWaitSeconds == nil {
		return
	}
	lockWaitSeconds.Record(ctx, waited.Seconds(), metric.WithAttributes(attribute.String(keyAttr, key)))
}

// ResetForTesting clears all instruments so a test can re-run Init against a
// fresh meter.
func ResetForTesting() {
	resetMu.Lock()
	defer resetMu.Unlock()
	cacheHitsTotal = nil
	cacheMissesTotal = nil
	lockContentionTotal = nil
	circuitRejections = nil
	constructionsTotal = nil
	constructionErrors = nil
	lockWaitSeconds = nil
	initOnce = sync.Once{}
}
