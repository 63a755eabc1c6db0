package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/histograms for call correlation and the
// analysis pipeline.
type CallMetrics struct {
	startTotal     *prometheus.CounterVec
	endTotal       *prometheus.CounterVec
	stageTotal     *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		startTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callops",
			Subsystem: "calls",
			Name:      "start_total",
			Help:      "Total call-start notifications received from the bridge",
		}, []string{"direction"}),
		endTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callops",
			Subsystem: "calls",
			Name:      "end_total",
			Help:      "Total call-end notifications by correlation outcome",
		}, []string{"direction", "outcome"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callops",
			Subsystem: "analysis",
			Name:      "stage_total",
			Help:      "Total pipeline stage executions by result",
		}, []string{"stage", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callops",
			Subsystem: "calls",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of bridge webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callops",
			Subsystem: "analysis",
			Name:      "stage_duration_seconds",
			Help:      "Duration of external pipeline stage calls",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.startTotal, m.endTotal, m.stageTotal, m.webhookLatency, m.stageDuration)
	return m
}

func (m *CallMetrics) ObserveCallStart(direction string) {
	if m == nil {
		return
	}
	m.startTotal.WithLabelValues(direction).Inc()
}

func (m *CallMetrics) ObserveCallEnd(direction, outcome string) {
	if m == nil {
		return
	}
	m.endTotal.WithLabelValues(direction, outcome).Inc()
}

func (m *CallMetrics) ObserveStage(stage, status string) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, status).Inc()
}

func (m *CallMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *CallMetrics) ObserveStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}
