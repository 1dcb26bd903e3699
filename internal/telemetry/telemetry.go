package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Usage accumulates auxiliary-model token consumption. Values, not
// pointers, cross API boundaries so concurrent requests never share a
// counter.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int   `json:"calls"`
}

// Add records one model call.
func (u *Usage) Add(in, out int64) {
	u.InputTokens += in
	u.OutputTokens += out
	u.Calls++
}

// Merge folds another usage into this one.
func (u *Usage) Merge(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.Calls += o.Calls
}

// EstimatedCost prices the usage given per-million-token rates.
func (u Usage) EstimatedCost(inputPerMillion, outputPerMillion float64) float64 {
	return float64(u.InputTokens)/1e6*inputPerMillion + float64(u.OutputTokens)/1e6*outputPerMillion
}

var (
	RouteRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routerd_route_requests_total",
		Help: "Route invocations by outcome.",
	}, []string{"outcome"})

	RouteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "routerd_route_duration_seconds",
		Help:    "End-to-end latency of one route invocation.",
		Buckets: prometheus.DefBuckets,
	})

	AuxTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routerd_aux_tokens_total",
		Help: "Auxiliary model tokens consumed, by stage and direction.",
	}, []string{"stage", "direction"})

	Fallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routerd_fallbacks_total",
		Help: "Deterministic fallbacks taken, by stage.",
	}, []string{"stage"})

	MemoryWriteResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routerd_memory_writes_total",
		Help: "Memory write attempts by similarity outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(RouteRequests, RouteDuration, AuxTokens, Fallbacks, MemoryWriteResults)
}

// RecordStageUsage exports one stage's usage to the token counters.
func RecordStageUsage(stage string, u Usage) {
	if u.Calls == 0 {
		return
	}
	AuxTokens.WithLabelValues(stage, "input").Add(float64(u.InputTokens))
	AuxTokens.WithLabelValues(stage, "output").Add(float64(u.OutputTokens))
}
