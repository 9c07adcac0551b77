// Package metrics exposes Prometheus instrumentation for the key
// lifecycle service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle metrics
	keysCreatedTotal		*prometheus.CounterVec
	rotationStartedTotal		*prometheus.CounterVec
	rotationCompletedTotal		*prometheus.CounterVec
	rotationCompensatedTotal	*prometheus.CounterVec
	revokedTotal			*prometheus.CounterVec
	rotationDuration		*prometheus.HistogramVec
	commitConflictsTotal		prometheus.Counter

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// LifecycleMetrics provides methods to record key lifecycle metrics.
// All methods are no-ops until InitMetrics has run, so callers never
// need to check whether metrics are enabled.
type LifecycleMetrics struct{}

// NewLifecycleMetrics creates a new LifecycleMetrics instance.
func NewLifecycleMetrics() *LifecycleMetrics {
	return &LifecycleMetrics{}
}

// InitMetrics initializes all Prometheus metrics.
// This should be called once at startup if Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		keysCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keylife_keys_created_total",
				Help: "Total number of key records created",
			},
			[]string{"system_type", "env"},
		)

		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keylife_rotation_started_total",
				Help: "Total number of rotations that won the begin transition",
			},
			[]string{"system_type", "env"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keylife_rotation_completed_total",
				Help: "Total number of rotations by final status",
			},
			[]string{"system_type", "env", "status"},
		)

		rotationCompensatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keylife_rotation_compensated_total",
				Help: "Total number of rotations rolled back to Active after a generation failure",
			},
			[]string{"system_type", "env"},
		)

		revokedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keylife_keys_revoked_total",
				Help: "Total number of key records revoked",
			},
			[]string{"system_type", "env"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keylife_rotation_duration_seconds",
				Help:    "Duration of rotation operations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"system_type"},
		)

		commitConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "keylife_commit_conflicts_total",
				Help: "Total number of version-guarded commits lost to a concurrent writer",
			},
		)

		metricsRegistered = true
	})
}

// RecordKeyCreated records a key creation event.
func (m *LifecycleMetrics) RecordKeyCreated(systemType, env string) {
	if !metricsRegistered || keysCreatedTotal == nil {
		return
	}
	keysCreatedTotal.WithLabelValues(systemType, env).Inc()
}

// RecordRotationStarted records a rotation begin event.
func (m *LifecycleMetrics) RecordRotationStarted(systemType, env string) {
	if !metricsRegistered || rotationStartedTotal == nil {
		return
	}
	rotationStartedTotal.WithLabelValues(systemType, env).Inc()
}

// RecordRotationCompleted records a rotation outcome.
func (m *LifecycleMetrics) RecordRotationCompleted(systemType, env, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}

	if rotationCompletedTotal != nil {
		rotationCompletedTotal.WithLabelValues(systemType, env, status).Inc()
	}

	if rotationDuration != nil {
		rotationDuration.WithLabelValues(systemType).Observe(durationSeconds)
	}
}

// RecordRotationCompensated records a compensating transition back to Active.
func (m *LifecycleMetrics) RecordRotationCompensated(systemType, env string) {
	if !metricsRegistered || rotationCompensatedTotal == nil {
		return
	}
	rotationCompensatedTotal.WithLabelValues(systemType, env).Inc()
}

// RecordRevoked records a revocation event.
func (m *LifecycleMetrics) RecordRevoked(systemType, env string) {
	if !metricsRegistered || revokedTotal == nil {
		return
	}
	revokedTotal.WithLabelValues(systemType, env).Inc()
}

// RecordCommitConflict records a commit lost to a concurrent writer.
func (m *LifecycleMetrics) RecordCommitConflict() {
	if !metricsRegistered || commitConflictsTotal == nil {
		return
	}
	commitConflictsTotal.Inc()
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
