package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime-level Prometheus collectors. Registered once on
// a dedicated registry so tests can create isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	TasksProcessed  *prometheus.CounterVec
	TaskTransitions *prometheus.CounterVec
	StepAttempts    prometheus.Counter
	FailuresTotal   *prometheus.CounterVec
	ComponentUp     *prometheus.GaugeVec
	HealthGrade     prometheus.Gauge
	MCPLatency      *prometheus.HistogramVec
}

// NewMetrics creates the collector set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		TasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdflow_tasks_processed_total",
			Help: "Tasks processed per component.",
		}, []string{"component", "result"}),
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdflow_task_transitions_total",
			Help: "Task status transitions.",
		}, []string{"from", "to"}),
		StepAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdflow_autonomy_step_attempts_total",
			Help: "Autonomy loop step attempts.",
		}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mdflow_failures_total",
			Help: "Failures by agent and kind.",
		}, []string{"agent", "kind"}),
		ComponentUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdflow_component_up",
			Help: "1 when the component reports running.",
		}, []string{"component"}),
		HealthGrade: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mdflow_health_grade",
			Help: "System health grade: 0 healthy, 1-3 degraded, 4 recovery.",
		}),
		MCPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdflow_mcp_call_seconds",
			Help:    "MCP route latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
	}
}
