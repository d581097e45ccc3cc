package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	startupState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gantry",
			Subsystem: "startup",
			Name:      "state",
			Help:      "Current supervisor startup state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	startupTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "startup",
			Name:      "transitions_total",
			Help:      "Number of startup state transitions.",
		}, []string{"from", "to"},
	)
	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker process starts (initial and restarts).",
		}, []string{"worker"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of worker restarts after unexpected exit.",
		}, []string{"worker"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or kill).",
		}, []string{"worker"},
	)
	workersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gantry",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Current number of running workers.",
		},
	)
	readiness = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gantry",
			Subsystem: "health",
			Name:      "ready",
			Help:      "1 when the readiness probe reports healthy, 0 otherwise.",
		},
	)
	healthRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gantry",
			Subsystem: "health",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a health snapshot refresh cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	migrationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "migrate",
			Name:      "outcomes_total",
			Help:      "Migration gate outcomes (applied, already_current, failed).",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		startupState, startupTransitions,
		workerStarts, workerRestarts, workerStops, workersRunning,
		readiness, healthRefreshDuration, migrationOutcomes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStartupTransition(from, to string) {
	if regOK.Load() {
		startupTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetStartupState(state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		startupState.WithLabelValues(state).Set(v)
	}
}

func IncWorkerStart(worker string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(worker).Inc()
	}
}

func IncWorkerRestart(worker string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(worker).Inc()
	}
}

func IncWorkerStop(worker string) {
	if regOK.Load() {
		workerStops.WithLabelValues(worker).Inc()
	}
}

func SetWorkersRunning(n int) {
	if regOK.Load() {
		workersRunning.Set(float64(n))
	}
}

func SetReady(ok bool) {
	if regOK.Load() {
		var v float64
		if ok {
			v = 1
		}
		readiness.Set(v)
	}
}

func ObserveHealthRefresh(seconds float64) {
	if regOK.Load() {
		healthRefreshDuration.Observe(seconds)
	}
}

func IncMigrationOutcome(outcome string) {
	if regOK.Load() {
		migrationOutcomes.WithLabelValues(outcome).Inc()
	}
}
