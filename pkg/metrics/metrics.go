// Package metrics exposes the Prometheus collectors the pipeline runner
// instruments itself with. All collectors live on a dedicated registry so
// cmd/pipeline-runner can serve them without pulling in the global
// DefaultRegisterer's process/go runtime collectors twice.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pipeline_runner"

var (
	// Registry is the collector registry /metrics is served from.
	Registry = prometheus.NewRegistry()

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Wall-clock duration of a single step execution.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"operation_id", "status"})

	stepTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_transitions_total",
		Help:      "Count of step-result terminal/intermediate transitions by status.",
	}, []string{"status"})

	pollerAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poller_attempts_total",
		Help:      "Count of deep-research poller runs started, by variant.",
	}, []string{"variant"})

	pollerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poller_outcomes_total",
		Help:      "Terminal outcome of a deep-research poll by variant and reason.",
	}, []string{"variant", "reason"})

	freshnessChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "freshness_checks_total",
		Help:      "Freshness gate outcomes.",
	}, []string{"outcome"})

	fanOutChildren = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_children_total",
		Help:      "Child pipeline runs created by fan-out, by operation id.",
	}, []string{"operation_id"})

	bestEffortFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "best_effort_write_failures_total",
		Help:      "Failures of best-effort writes (timeline, auxiliary persistors).",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		stepDuration,
		stepTransitions,
		pollerAttempts,
		pollerOutcomes,
		freshnessChecks,
		fanOutChildren,
		bestEffortFailures,
	)
}

// ObserveStep records the duration and terminal status of one step.
func ObserveStep(operationID, status string, d time.Duration) {
	stepDuration.WithLabelValues(normalize(operationID), normalize(status)).Observe(d.Seconds())
	stepTransitions.WithLabelValues(normalize(status)).Inc()
}

// ObservePollAttempt increments the attempt counter for a poller variant;
// the poller calls it once per run, not once per status poll.
func ObservePollAttempt(variant string) {
	pollerAttempts.WithLabelValues(normalize(variant)).Inc()
}

// ObservePollOutcome records the terminal reason a poller run ended with
// (found, missing_inputs, missing_parallel_api_key, create_task_failed,
// poll_timeout, parallel_task_failed, result_fetch_failed).
func ObservePollOutcome(variant, reason string) {
	pollerOutcomes.WithLabelValues(normalize(variant), normalize(reason)).Inc()
}

// ObserveFreshnessCheck records a freshness gate outcome (hit, miss, error).
func ObserveFreshnessCheck(outcome string) {
	freshnessChecks.WithLabelValues(normalize(outcome)).Inc()
}

// ObserveFanOut records the number of children a fan-out step created.
func ObserveFanOut(operationID string, count int) {
	if count <= 0 {
		return
	}
	fanOutChildren.WithLabelValues(normalize(operationID)).Add(float64(count))
}

// ObserveBestEffortFailure records a swallowed failure from a best-effort
// write so operators can alert on a sustained rate without failing runs.
func ObserveBestEffortFailure(kind string) {
	bestEffortFailures.WithLabelValues(normalize(kind)).Inc()
}

func normalize(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
