package monitoring

import (
	"context"
	"time"

	"github.com/talon-agent/talon/internal/domain/service"
)

// MetricsHook instruments the workflow loop. Add it to the hook chain:
//
//	hooks := service.NewHookChain(monitoring.NewMetricsHook(metrics))
type MetricsHook struct {
	service.NoOpHook
	metrics  *Metrics
	callTime time.Time
}

func NewMetricsHook(metrics *Metrics) *MetricsHook {
	return &MetricsHook{metrics: metrics}
}

var _ service.AgentHook = (*MetricsHook)(nil)

func (h *MetricsHook) BeforeModelCall(_ context.Context, _ *service.ModelRequest, _ int) {
	h.metrics.ModelCalls.Inc()
	h.callTime = time.Now()
}

func (h *MetricsHook) AfterModelCall(_ context.Context, resp *service.ModelResponse, _ int) {
	h.metrics.ModelTokens.Add(float64(resp.Usage.Total()))
	if !h.callTime.IsZero() {
		h.metrics.RequestDuration.Observe(time.Since(h.callTime).Seconds())
	}
}

func (h *MetricsHook) AfterToolCall(_ context.Context, toolName string, _ string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	h.metrics.ToolExecutions.WithLabelValues(toolName, outcome).Inc()
}

func (h *MetricsHook) OnError(_ context.Context, err error, _ int) {
	cerr := service.AsClassified(err)
	h.metrics.Errors.WithLabelValues(string(cerr.Kind)).Inc()
	if cerr.Retryable {
		h.metrics.Retries.WithLabelValues(string(cerr.Kind)).Inc()
	}
}
