package metrics

import "github.com/prometheus/client_golang/prometheus"

// promCollectors holds the process-wide Prometheus instruments the Bridge
// updates as it folds events. Registered against a private registry so a
// host embedding this module can mount /metrics without fighting the
// default global registry.
type promCollectors struct {
	registry *prometheus.Registry

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	jsonAttempts   prometheus.Counter
	jsonFallbacks  prometheus.Counter
	setCostUSD     *prometheus.GaugeVec
	activeSets     prometheus.Gauge
}

func newPromCollectors() *promCollectors {
	reg := prometheus.NewRegistry()
	pc := &promCollectors{
		registry: reg,
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devloop_tasks_started_total",
			Help: "Total tasks started, by PRD.",
		}, []string{"prd_id"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devloop_tasks_completed_total",
			Help: "Total tasks completed, by PRD.",
		}, []string{"prd_id"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devloop_tasks_failed_total",
			Help: "Total tasks failed, by PRD.",
		}, []string{"prd_id"}),
		jsonAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devloop_json_parse_attempts_total",
			Help: "Total agent JSON-extraction attempts across the ladder.",
		}),
		jsonFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devloop_json_ai_fallback_total",
			Help: "Total JSON-extraction attempts resolved by AI-fallback repair.",
		}),
		setCostUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devloop_prd_set_cost_usd",
			Help: "Estimated cumulative token cost per PRD set.",
		}, []string{"prd_set_id"}),
		activeSets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devloop_active_prd_sets",
			Help: "Number of PRD sets currently in-progress.",
		}),
	}
	reg.MustRegister(pc.tasksStarted, pc.tasksCompleted, pc.tasksFailed, pc.jsonAttempts, pc.jsonFallbacks, pc.setCostUSD, pc.activeSets)
	return pc
}

// Registry exposes the private registry for a host to serve over HTTP.
func (b *Bridge) Registry() *prometheus.Registry {
	return b.prom.registry
}
