// Package metrics exposes Prometheus counters for second-factor verification.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "twofa"

var (
	// VerificationsTotal counts verification outcomes by method and error kind ("ok" on success).
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of second-factor verifications by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// LockoutsTotal counts sessions locked by repeated failures.
	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lockouts_total",
			Help:      "Total number of verification sessions locked after repeated failures.",
		},
	)

	// BackupCodesConsumedTotal counts successfully consumed backup codes.
	BackupCodesConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_codes_consumed_total",
			Help:      "Total number of backup codes consumed.",
		},
	)

	// AuditDroppedTotal counts audit entries that were never persisted.
	AuditDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Total number of audit entries dropped by reason.",
		},
		[]string{"reason"},
	)

	// VerificationDurationSeconds is end-to-end verification latency including failure padding.
	VerificationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Second-factor verification duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"method"},
	)

	// CleanupDeletedTotal counts rows removed by the background cleanup.
	CleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Total number of rows deleted by background cleanup by kind.",
		},
		[]string{"kind"},
	)
)

// Audit drop reasons
const (
	AuditDropBufferFull  = "buffer_full"
	AuditDropClosed      = "closed"
	AuditDropWriteFailed = "write_failed"
)

// PoolStats is the subset of connection pool statistics exported as gauges
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
}

// RegisterPoolStats exports database pool gauges read from stats on every scrape
func RegisterPoolStats(reg prometheus.Registerer, stats func() PoolStats) error {
	gauges := []struct {
		name string
		help string
		get  func(PoolStats) int32
	}{
		{"db_pool_connections", "Total connections in the database pool.", func(s PoolStats) int32 { return s.Total }},
		{"db_pool_idle_connections", "Idle connections in the database pool.", func(s PoolStats) int32 { return s.Idle }},
		{"db_pool_acquired_connections", "Connections currently acquired from the database pool.", func(s PoolStats) int32 { return s.Acquired }},
	}

	for _, g := range gauges {
		get := g.get
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 { return float64(get(stats())) })
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
