package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the orchestration engine.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal  *prometheus.CounterVec
	modelCalls     *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	stageDurations *prometheus.HistogramVec
	sessionsActive prometheus.Gauge
	corpusEntries  prometheus.Gauge
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_messages_total",
			Help: "Inbound messages handled, by control branch and status.",
		}, []string{"control", "status"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_model_calls_total",
			Help: "Model calls issued, by role and status.",
		}, []string{"role", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_tokens_total",
			Help: "Tokens consumed, by role and direction.",
		}, []string{"role", "direction"}),
		stageDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hearth_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_sessions_active",
			Help: "Sessions currently held in memory.",
		}),
		corpusEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_corpus_entries",
			Help: "Entries in the knowledge corpus.",
		}),
	}

	reg.MustRegister(m.messagesTotal, m.modelCalls, m.tokensTotal,
		m.stageDurations, m.sessionsActive, m.corpusEntries)
	return m
}

// RecordMessage records a handled inbound message.
func (m *Metrics) RecordMessage(control, status string) {
	m.messagesTotal.WithLabelValues(control, status).Inc()
}

// RecordModelCall records one model call and its token usage.
func (m *Metrics) RecordModelCall(role, status string, inputTokens, outputTokens int) {
	m.modelCalls.WithLabelValues(role, status).Inc()
	m.tokensTotal.WithLabelValues(role, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(role, "output").Add(float64(outputTokens))
}

// ObserveStage records a pipeline stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDurations.WithLabelValues(stage).Observe(d.Seconds())
}

// SetActiveSessions updates the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.sessionsActive.Set(float64(n))
}

// SetCorpusEntries updates the corpus size gauge.
func (m *Metrics) SetCorpusEntries(n int) {
	m.corpusEntries.Set(float64(n))
}

// Handler returns the Prometheus exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
