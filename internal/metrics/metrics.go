// Package metrics exposes the proxy's Prometheus series, following the
// teacher's metrics package: package-level vectors registered once from
// Init, and an http.Handler for a scrape endpoint. The series themselves
// are particular to this proxy's routing/pool/history/classifier
// concerns rather than the teacher's caching/write-batching ones.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoutedTotal counts routing decisions by target server and role.
	RoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxcore_routed_total",
			Help: "Total statements routed, by target server and role",
		},
		[]string{"server", "role"},
	)

	// RoutingFailuresTotal counts routing decisions that failed to find an
	// eligible backend, by failure mode.
	RoutingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxcore_routing_failures_total",
			Help: "Total routing decisions that found no eligible backend",
		},
		[]string{"failure_mode", "reason"},
	)

	// ClassifiedTotal counts statements classified, by operation and parse
	// quality.
	ClassifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxcore_classified_total",
			Help: "Total statements classified, by operation and parse quality",
		},
		[]string{"op", "quality"},
	)

	// PoolAcquireLatency tracks time spent in pool.Manager.Acquire.
	PoolAcquireLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mxcore_pool_acquire_latency_seconds",
			Help:    "Time spent acquiring a backend connection from the pool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	// PoolConnsOpen is declared for the number of open connections per
	// server, split by idle/active. It is registered but nothing sets it,
	// so the series stays empty.
	PoolConnsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mxcore_pool_conns_open",
			Help: "Current pooled connections per server",
		},
		[]string{"server", "state"},
	)

	// PoolEvictionsTotal counts connections dropped from the pool, by
	// reason (unusable, server-mismatch, reset-failed, drained).
	PoolEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxcore_pool_evictions_total",
			Help: "Total connections evicted from the pool",
		},
		[]string{"server", "reason"},
	)

	// HistoryReplayedTotal counts session-command replays performed when
	// attaching a session to a fresh backend.
	HistoryReplayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxcore_history_replayed_total",
			Help: "Total session-command history entries replayed onto a backend",
		},
		[]string{"server", "outcome"},
	)

	// HistoryMismatchTotal counts replay checksum mismatches — a replayed
	// session command produced a different result on the new backend than
	// it did originally.
	HistoryMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxcore_history_mismatch_total",
			Help: "Total history replay checksum mismatches detected",
		},
		[]string{"server"},
	)

	// BackendMonitorUp reports whether the monitor currently sees a server
	// as usable (1) or not (0).
	BackendMonitorUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mxcore_backend_up",
			Help: "Whether the monitor currently considers a backend usable",
		},
		[]string{"server", "role"},
	)

	// BackendLagSeconds reports the monitor's last observed replication
	// lag for a server.
	BackendLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mxcore_backend_lag_seconds",
			Help: "Last observed replication lag in seconds",
		},
		[]string{"server"},
	)

	// SessionsActive is the current number of client sessions, by worker.
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mxcore_sessions_active",
			Help: "Current active client sessions per worker",
		},
		[]string{"worker"},
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			RoutedTotal,
			RoutingFailuresTotal,
			ClassifiedTotal,
			PoolAcquireLatency,
			PoolConnsOpen,
			PoolEvictionsTotal,
			HistoryReplayedTotal,
			HistoryMismatchTotal,
			BackendMonitorUp,
			BackendLagSeconds,
			SessionsActive,
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
