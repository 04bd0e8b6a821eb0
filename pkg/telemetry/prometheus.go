package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PromRecorder exports stage activity as Prometheus metrics.
type PromRecorder struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPromRecorder registers the stage metrics on the given registerer.
func NewPromRecorder(reg prometheus.Registerer) *PromRecorder {
	r := &PromRecorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plenum_stage_requests_total",
			Help: "Completed stage executions.",
		}, []string{"stage", "model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plenum_stage_tokens_total",
			Help: "Tokens consumed per stage, split by direction.",
		}, []string{"stage", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plenum_stage_cost_total",
			Help: "Estimated LLM spend per stage in USD.",
		}, []string{"stage", "model"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "plenum_stage_duration_seconds",
			Help: "Wall-clock stage duration.",
			// LLM-bound stages run seconds to minutes.
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}
	reg.MustRegister(r.requests, r.tokens, r.cost, r.duration)
	return r
}

func (r *PromRecorder) Record(_ context.Context, rec StageRecord) {
	r.requests.WithLabelValues(rec.Stage, rec.Model).Inc()
	r.tokens.WithLabelValues(rec.Stage, "prompt").Add(float64(rec.Usage.PromptTokens))
	r.tokens.WithLabelValues(rec.Stage, "completion").Add(float64(rec.Usage.CompletionTokens))
	r.cost.WithLabelValues(rec.Stage, rec.Model).Add(rec.Cost)
	r.duration.WithLabelValues(rec.Stage).Observe(rec.Duration.Seconds())
}
