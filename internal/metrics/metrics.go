package metrics

import "github.com/prometheus/client_golang/prometheus"

// TurnMetrics exposes counters and histograms for conversation turns.
type TurnMetrics struct {
	turnsTotal    *prometheus.CounterVec
	retriesTotal  prometheus.Counter
	failuresTotal *prometheus.CounterVec
	nodeLatency   *prometheus.HistogramVec
	turnLatency   *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
}

func NewTurnMetrics(reg prometheus.Registerer) *TurnMetrics {
	m := &TurnMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipment_qna",
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Completed turns by route and outcome",
		}, []string{"route", "satisfied"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipment_qna",
			Subsystem: "session",
			Name:      "judge_retries_total",
			Help:      "Planning retries requested by the judge",
		}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipment_qna",
			Subsystem: "session",
			Name:      "recovered_failures_total",
			Help:      "Failures recovered inside a turn, by kind",
		}, []string{"kind"}),
		nodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipment_qna",
			Subsystem: "session",
			Name:      "node_latency_seconds",
			Help:      "Latency of each pipeline node",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipment_qna",
			Subsystem: "session",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end turn latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"route"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipment_qna",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Model tokens consumed, by type",
		}, []string{"type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.retriesTotal, m.failuresTotal, m.nodeLatency, m.turnLatency, m.tokensTotal)
	return m
}

func (m *TurnMetrics) ObserveTurn(route string, satisfied bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if satisfied {
		label = "true"
	}
	m.turnsTotal.WithLabelValues(route, label).Inc()
	m.turnLatency.WithLabelValues(route).Observe(seconds)
}

func (m *TurnMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *TurnMetrics) ObserveFailure(kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(kind).Inc()
}

func (m *TurnMetrics) ObserveNode(node string, seconds float64) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(node).Observe(seconds)
}

func (m *TurnMetrics) ObserveTokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensTotal.WithLabelValues("completion").Add(float64(completion))
}
