// Package metrics exposes lockstep's Prometheus collectors. Nothing is
// registered on the default registry; callers attach the core set to a
// registry of their choice with RegisterCoreMetrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireDuration observes how long each advisory-lock
	// acquisition waits, labeled by domain.
	LockAcquireDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockstep_lock_acquire_seconds",
		Help:    "Advisory lock acquisition wait time in seconds",
		Buckets: []float64{.001, .005, .025, .1, .5, 1, 5, 10, 30},
	}, []string{"domain"})
	// LockTimeoutCounter counts lock acquisitions abandoned at the
	// timeout budget, labeled by domain.
	LockTimeoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_lock_timeouts_total",
		Help: "Total number of advisory lock acquisition timeouts",
	}, []string{"domain"})
	// TxCounter counts coordinator transactions by outcome
	// (committed, rolled_back).
	TxCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_tx_total",
		Help: "Total number of coordinated transactions by outcome",
	}, []string{"outcome"})
	// StaleConflictCounter counts compare-and-set writes rejected
	// because the entity moved, labeled by entity kind.
	StaleConflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_stale_conflicts_total",
		Help: "Total number of optimistic updates rejected as stale",
	}, []string{"entity"})
	// EventsPublished counts events flushed to the bus after commit.
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_events_published_total",
		Help: "Total number of post-commit events published",
	})
	// LeaderGauge reports 1 while this process holds a leader lock,
	// labeled by job.
	LeaderGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockstep_leader",
		Help: "Whether this process currently holds the leader lock",
	}, []string{"job"})
	// WatcherGauge reports the number of active watch streams.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_watchers",
		Help: "Current number of active watch streams",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers lockstep core metrics on the provided
// registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireDuration,
		LockTimeoutCounter,
		TxCounter,
		StaleConflictCounter,
		EventsPublished,
		LeaderGauge,
		WatcherGauge,
	)
}
