package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragagent_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "dependency"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_circuit_breaker_requests_total",
			Help: "Requests routed through a circuit breaker",
		},
		[]string{"name", "dependency", "state", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "dependency", "from_state", "to_state"},
	)
)

// instrument exports state and transitions of cb under dependency.
func instrument(cb *CircuitBreaker, dependency string) {
	breakerState.WithLabelValues(cb.Name(), dependency).Set(float64(StateClosed))
	cb.OnStateChange(func(name string, from, to State) {
		breakerTransitions.WithLabelValues(name, dependency, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, dependency).Set(float64(to))
	})
}

func recordRequest(cb *CircuitBreaker, dependency string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	breakerRequests.WithLabelValues(cb.Name(), dependency, cb.State().String(), result).Inc()
}
