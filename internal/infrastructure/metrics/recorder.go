// Package metrics exposes orchestrator counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

type Recorder struct {
	registry *prometheus.Registry

	admissions        *prometheus.CounterVec
	invocations       *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	tokens            *prometheus.CounterVec
	streamDisconnects prometheus.Counter
}

// NewRecorder registers the orchestrator collectors on a private registry
// together with the Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_admissions_total",
				Help: "Admission decisions by task type and result",
			},
			[]string{"task_type", "result"},
		),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_invocations_total",
				Help: "Invocations that reached a terminal state",
			},
			[]string{"mode", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_invocation_duration_milliseconds",
				Help:    "Upstream duration of terminal invocations",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
			},
			[]string{"mode"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tokens_total",
				Help: "Metered tokens by kind",
			},
			[]string{"kind", "estimated"},
		),
		streamDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_stream_disconnects_total",
				Help: "Streams abandoned by the client before completion",
			},
		),
	}
	r.registry.MustRegister(
		r.admissions,
		r.invocations,
		r.duration,
		r.tokens,
		r.streamDisconnects,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Admission(taskType, result string) {
	r.admissions.WithLabelValues(taskType, result).Inc()
}

func (r *Recorder) Invocation(mode invocation.Mode, status invocation.Status, durationMs int64) {
	r.invocations.WithLabelValues(string(mode), string(status)).Inc()
	if durationMs > 0 {
		r.duration.WithLabelValues(string(mode)).Observe(float64(durationMs))
	}
}

func (r *Recorder) Tokens(usage llm.TokenUsage, estimated bool) {
	est := strconv.FormatBool(estimated)
	r.tokens.WithLabelValues("prompt", est).Add(float64(usage.PromptTokens))
	r.tokens.WithLabelValues("completion", est).Add(float64(usage.CompletionTokens))
}

func (r *Recorder) StreamDisconnect() {
	r.streamDisconnects.Inc()
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
