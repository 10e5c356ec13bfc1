package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// counterValue sums every series of the named counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestTurnMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTurnMetrics(reg)
	m.ObserveTurn("retrieval", true, 1.2)
	m.ObserveTurn("retrieval", true, 0.4)
	m.ObserveRetry()
	m.ObserveFailure("transient")
	m.ObserveNode("plan", 0.1)
	m.ObserveTokens(100, 20)

	require.Equal(t, 2.0, counterValue(t, reg, "shipment_qna_session_turns_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "shipment_qna_session_judge_retries_total"))
	require.Equal(t, 120.0, counterValue(t, reg, "shipment_qna_llm_tokens_total"))
}

func TestTurnMetricsDefaultRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	t.Cleanup(func() { prometheus.DefaultRegisterer = prev })

	m := NewTurnMetrics(nil)
	m.ObserveFailure("parse")
	require.Equal(t, 1.0, counterValue(t, reg, "shipment_qna_session_recovered_failures_total"))
}

func TestTurnMetricsNilSafe(t *testing.T) {
	var m *TurnMetrics
	m.ObserveTurn("end", false, 0)
	m.ObserveRetry()
	m.ObserveFailure("parse")
	m.ObserveNode("judge", 0)
	m.ObserveTokens(1, 1)
}
