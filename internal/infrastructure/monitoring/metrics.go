package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the agent exports. All collectors register
// on an owned registry so tests can gather without global state.
type Metrics struct {
	registry *prometheus.Registry

	ModelCalls     prometheus.Counter
	ModelTokens    prometheus.Counter
	ToolExecutions *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	Errors         *prometheus.CounterVec
	PremiumCharges prometheus.Counter

	RequestDuration  prometheus.Histogram
	TimeToFirstToken prometheus.Histogram
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ModelCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_model_calls_total",
			Help: "Model requests sent, including retried attempts.",
		}),
		ModelTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_model_tokens_total",
			Help: "Total tokens reported by provider usage blocks.",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_tool_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_retries_total",
			Help: "Model call retries by classified error kind.",
		}, []string{"kind"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_errors_total",
			Help: "Classified errors by kind, terminal or not.",
		}, []string{"kind"}),
		PremiumCharges: factory.NewCounter(prometheus.CounterOpts{
			Name: "talon_premium_requests_total",
			Help: "Premium quota units charged across all sessions.",
		}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "talon_request_duration_seconds",
			Help:    "Wall time of one model request including streaming.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		TimeToFirstToken: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "talon_time_to_first_token_seconds",
			Help:    "Delay between request send and the first streamed token.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// Handler serves the registry in Prometheus exposition format; mount it at
// /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTTFT records one time-to-first-token sample. Driven from the chunk
// callback, which is the only place TTFT is known.
func (m *Metrics) ObserveTTFT(d time.Duration) {
	if d > 0 {
		m.TimeToFirstToken.Observe(d.Seconds())
	}
}
