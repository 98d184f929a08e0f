// Package metrics exposes the supervisor's own Prometheus collectors: runner
// lifecycle counters, watchdog restart attempts, build duration, AI debug
// spawns, and workflow-loop iteration counts. Grounded on the teacher's
// Register/Handler/no-op-helper pattern, generalized from per-process-name
// labels to the supervisor's single managed runner plus its loop/debug
// subsystems.
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

	runnerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "runner",
			Name:      "starts_total",
			Help:      "Number of successful runner starts.",
		},
	)
	runnerStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "runner",
			Name:      "stops_total",
			Help:      "Number of runner stops (graceful or forced).",
		},
	)
	runnerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "runner",
			Name:      "restarts_total",
			Help:      "Number of runner restarts, labeled by initiator.",
		}, []string{"initiator"}, // "watchdog", "workflow_loop"
	)
	runnerCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "runner",
			Name:      "crashes_total",
			Help:      "Number of observed runner exits classified as crashes.",
		},
	)

	watchdogRestartAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "watchdog",
			Name:      "restart_attempts_total",
			Help:      "Number of restart attempts made by the watchdog.",
		},
	)
	watchdogDisabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "watchdog",
			Name:      "disabled",
			Help:      "1 if the watchdog is currently disabled (manually, after a crash loop, or after max attempts), 0 otherwise.",
		},
	)

	buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "supervisor",
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Observed build command duration.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	buildFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "build",
			Name:      "failures_total",
			Help:      "Number of build command failures.",
		},
	)

	aiDebugSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "ai_debug",
			Name:      "spawns_total",
			Help:      "Number of AI debug sessions spawned, labeled by provider.",
		}, []string{"provider"},
	)
	aiDebugDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "ai_debug",
			Name:      "deferred_total",
			Help:      "Number of AI debug requests deferred due to code activity or an external session.",
		},
	)

	workflowLoopIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "workflow_loop",
			Name:      "iterations_total",
			Help:      "Number of workflow-loop iterations completed.",
		},
	)
	workflowLoopFixesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supervisor",
			Subsystem: "workflow_loop",
			Name:      "fixes_applied_total",
			Help:      "Number of fixes reported by reflection across all iterations.",
		},
	)
	workflowLoopPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "workflow_loop",
			Name:      "running",
			Help:      "1 if the workflow loop is currently running, 0 otherwise.",
		},
	)

	healthStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supervisor",
			Subsystem: "health",
			Name:      "up",
			Help:      "1 if the cached health check last reported healthy, 0 otherwise.",
		},
	)
)

// Register registers all metrics with the provided registerer. Safe to call
// multiple times: collectors the registerer already holds are skipped, and
// a different registerer gets every collector registered with it too.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		runnerStarts, runnerStops, runnerRestarts, runnerCrashes,
		watchdogRestartAttempts, watchdogDisabled,
		buildDuration, buildFailures,
		aiDebugSpawns, aiDebugDeferred,
		workflowLoopIterations, workflowLoopFixesApplied, workflowLoopPhase,
		healthStatus,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires this into the HTTP server's mux.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight recorder helpers used by internal packages. They
// no-op if Register hasn't been called, so packages can call them
// unconditionally even when metrics are disabled.

func IncRunnerStart() {
	if regOK.Load() {
		runnerStarts.Inc()
	}
}

func IncRunnerStop() {
	if regOK.Load() {
		runnerStops.Inc()
	}
}

func IncRunnerRestart(initiator string) {
	if regOK.Load() {
		runnerRestarts.WithLabelValues(initiator).Inc()
	}
}

func IncRunnerCrash() {
	if regOK.Load() {
		runnerCrashes.Inc()
	}
}

func IncWatchdogRestartAttempt() {
	if regOK.Load() {
		watchdogRestartAttempts.Inc()
	}
}

func SetWatchdogDisabled(disabled bool) {
	if regOK.Load() {
		watchdogDisabled.Set(boolToFloat(disabled))
	}
}

func ObserveBuildDuration(seconds float64) {
	if regOK.Load() {
		buildDuration.Observe(seconds)
	}
}

func IncBuildFailure() {
	if regOK.Load() {
		buildFailures.Inc()
	}
}

func IncAIDebugSpawn(provider string) {
	if regOK.Load() {
		aiDebugSpawns.WithLabelValues(provider).Inc()
	}
}

func IncAIDebugDeferred() {
	if regOK.Load() {
		aiDebugDeferred.Inc()
	}
}

func IncWorkflowLoopIteration() {
	if regOK.Load() {
		workflowLoopIterations.Inc()
	}
}

func AddWorkflowLoopFixesApplied(n int) {
	if regOK.Load() && n > 0 {
		workflowLoopFixesApplied.Add(float64(n))
	}
}

func SetWorkflowLoopRunning(running bool) {
	if regOK.Load() {
		workflowLoopPhase.Set(boolToFloat(running))
	}
}

func SetHealthStatus(healthy bool) {
	if regOK.Load() {
		healthStatus.Set(boolToFloat(healthy))
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
