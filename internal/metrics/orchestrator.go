package metrics

import "github.com/prometheus/client_golang/prometheus"

// Orchestrator Prometheus metrics.
var (
	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "searchmux",
			Name:      "search_requests_total",
			Help:      "Total number of search requests",
		},
		[]string{"strategy", "status"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "searchmux",
			Name:      "search_duration_seconds",
			Help:      "End-to-end search duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"strategy"},
	)

	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "searchmux",
			Name:      "backend_calls_total",
			Help:      "Total backend calls attempted",
		},
		[]string{"backend", "status"},
	)

	BackendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "searchmux",
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "searchmux",
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups",
		},
		[]string{"result"}, // "hit" / "miss" / "stale"
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "searchmux",
			Name:      "circuit_state",
			Help:      "Circuit state per backend (0=closed, 1=half_open, 2=open)",
		},
		[]string{"backend"},
	)

	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "searchmux",
			Name:      "circuit_transitions_total",
			Help:      "Circuit state transitions",
		},
		[]string{"backend", "to"},
	)

	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "searchmux",
			Name:      "health_probes_total",
			Help:      "Health probes sent to backends",
		},
		[]string{"backend", "status"},
	)

	StaleServedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "searchmux",
			Name:      "stale_served_total",
			Help:      "Stale cache entries served while the durable backend was unavailable",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "searchmux",
			Name:      "events_dropped_total",
			Help:      "Engine events dropped because the event channel was full",
		},
	)
)

// CircuitStateValue maps a circuit state name to its gauge value.
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

var orchestratorMetricsRegistered bool

// RegisterOrchestratorMetrics registers the orchestrator collectors.
// Must be called once from main.
func RegisterOrchestratorMetrics() {
	if orchestratorMetricsRegistered {
		return
	}
	prometheus.MustRegister(SearchRequestsTotal)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(BackendCallsTotal)
	prometheus.MustRegister(BackendCallDuration)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(CircuitTransitionsTotal)
	prometheus.MustRegister(HealthProbesTotal)
	prometheus.MustRegister(StaleServedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	orchestratorMetricsRegistered = true
}
