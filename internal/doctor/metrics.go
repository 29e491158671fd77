package doctor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the Doctor's prometheus instrumentation, exposed at /metrics.
// A per-service registry keeps tests free of global collector collisions.
type metrics struct {
	registry *prometheus.Registry

	plansCreated      prometheus.Counter
	plansCompleted    *prometheus.CounterVec
	activePlans       prometheus.Gauge
	overloadRejected  prometheus.Counter
	toolCreateLatency prometheus.Histogram
	toolCreateErrors  prometheus.Counter
	frankRestarts     prometheus.Counter
	restartFailures   prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		plansCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "plans_created_total", Help: "Plans compiled and registered.",
		}),
		plansCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "plans_completed_total", Help: "Terminal plan outcomes.",
		}, []string{"outcome"}),
		activePlans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "active_plans", Help: "Non-terminal plans in the store.",
		}),
		overloadRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "overload_rejections_total", Help: "Submissions rejected at the active-plan cap.",
		}),
		toolCreateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "tool_create_latency_seconds",
			Help: "tool.create round-trip latency to Frank.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		toolCreateErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "tool_create_errors_total", Help: "tool.error replies from Frank.",
		}),
		frankRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "frank_restarts_total", Help: "Completed Frank restart cycles.",
		}),
		restartFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "franklab", Subsystem: "doctor",
			Name: "frank_restart_failures_total", Help: "Frank restart cycles that aborted.",
		}),
	}
}
