package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_policy_evaluations_total",
			Help: "Total number of policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_policy_errors_total",
			Help: "Total number of policy evaluation errors",
		},
		[]string{"error_type"},
	)

	policyDryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragagent_policy_dry_run_denials_total",
			Help: "Requests that would have been denied in enforce mode",
		},
	)

	policyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragagent_policy_modules_loaded",
			Help: "Number of rego modules compiled",
		},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_policy_cache_lookups_total",
			Help: "Decision cache lookups",
		},
		[]string{"result"},
	)
)

// RecordEvaluation records a policy evaluation
func RecordEvaluation(allow bool, mode Mode, seconds float64) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	policyEvaluations.WithLabelValues(decision, string(mode)).Inc()
	policyEvaluationDuration.WithLabelValues(string(mode)).Observe(seconds)
}

// RecordError records a policy evaluation error
func RecordError(errorType string) {
	policyErrors.WithLabelValues(errorType).Inc()
}

func recordCache(hit bool) {
	if hit {
		policyCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	policyCacheLookups.WithLabelValues("miss").Inc()
}
