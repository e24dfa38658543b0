// Package metrics exposes orchestrator counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// Recorder collects run, step and tool metrics on its own registry.
type Recorder struct {
	Registry *prometheus.Registry

	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	activeRuns  prometheus.Gauge
	steps       *prometheus.CounterVec
	toolCalls   *prometheus.CounterVec
	tokens      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnorch",
			Name:      "runs_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "turnorch",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turnorch",
			Name:      "active_runs",
			Help:      "Runs currently holding a session flight.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnorch",
			Name:      "steps_total",
			Help:      "Trace steps recorded, by type.",
		}, []string{"type"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnorch",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by server and outcome.",
		}, []string{"server", "status", "error_kind"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnorch",
			Name:      "model_tokens_total",
			Help:      "Tokens reported by the model backend.",
		}, []string{"kind"}),
	}
	r.Registry.MustRegister(r.runs, r.runDuration, r.activeRuns, r.steps, r.toolCalls, r.tokens)
	r.Registry.MustRegister(collectors.NewGoCollector())
	return r
}

// RunStarted marks a run as active.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.activeRuns.Inc()
}

// RunFinished records a terminal run.
func (r *Recorder) RunFinished(status domain.RunStatus, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.activeRuns.Dec()
	r.runs.WithLabelValues(string(status)).Inc()
	r.runDuration.Observe(elapsed.Seconds())
}

// Step counts a recorded step.
func (r *Recorder) Step(t domain.StepType) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(string(t)).Inc()
}

// ToolCall counts a tool result.
func (r *Recorder) ToolCall(server string, res domain.ToolResult) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(server, string(res.Status), res.ErrorKind).Inc()
}

// Usage adds model token counts.
func (r *Recorder) Usage(u domain.Usage) {
	if r == nil {
		return
	}
	r.tokens.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	r.tokens.WithLabelValues("completion").Add(float64(u.CompletionTokens))
}
