package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginTurn_ClearsTransientFields(t *testing.T) {
	s := NewConversationState("c1")
	s.Messages = []ChatMessage{{Role: RoleUser, Content: "where is ABCD1234567"}}
	s.PendingClarification = &TopicShift{Raw: "a", Normalized: "b"}
	s.Usage = Usage{PromptTokens: 10}
	s.Turn = TurnState{
		Question:   "old",
		Hits:       []SearchHit{{ID: "1"}},
		Answer:     "old answer",
		Citations:  []Citation{{RecordID: "1"}},
		Chart:      &ChartSpec{Kind: "bar"},
		Table:      &TableSpec{Title: "t"},
		Plan:       &RetrievalPlan{Query: "q"},
		Aggregates: &Aggregates{Count: 3},
		Notices:    []string{"n"},
		Errors:     []string{"e"},
		SubIntents: []string{"eta"},
		Feedback:   "fb",
		RetryCount: 2,
		Satisfied:  true,
	}

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.BeginTurn("new question", []string{"7"}, now)

	require.Equal(t, TurnState{Question: "new question", Scope: []string{"7"}, StartedAt: now}, s.Turn)
	require.Len(t, s.Messages, 1)
	require.NotNil(t, s.PendingClarification)
	require.Equal(t, 10, s.Usage.PromptTokens)
}

func TestAppendExchange_TrimsToWindow(t *testing.T) {
	s := NewConversationState("c1")
	for i := 0; i < 5; i++ {
		s.AppendExchange("q", "a", 4)
	}
	require.Len(t, s.Messages, 4)
	require.Equal(t, RoleUser, s.Messages[0].Role)
}

func TestUsage_CostEstimate(t *testing.T) {
	u := Usage{PromptTokens: 1000, CompletionTokens: 100}.Add(Usage{PromptTokens: 1000, CompletionTokens: 100})
	require.InDelta(t, 2000*0.000005+200*0.000015, u.CostEstimate(), 1e-9)
}

func TestFailureKindOf(t *testing.T) {
	err := errors.Join(errors.New("other"), NewFailure(FailureFilterRejected, "bad filter", nil))
	kind, ok := FailureKindOf(err)
	require.True(t, ok)
	require.Equal(t, FailureFilterRejected, kind)

	_, ok = FailureKindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestDateWindow_EndExclusive(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	w := DateWindow{Start: start, End: start.AddDate(0, 0, 7)}
	require.True(t, w.Contains(start))
	require.True(t, w.Contains(start.AddDate(0, 0, 7).Add(-time.Second)))
	require.False(t, w.Contains(start.AddDate(0, 0, 7)))
	require.False(t, w.Contains(start.Add(-time.Second)))
}

func TestSearchHit_ValueFallsBackToMetadata(t *testing.T) {
	h := SearchHit{
		Fields:   map[string]any{"container_number": "ABCD1234567", "eta_dp_date": ""},
		Metadata: map[string]any{"eta_dp_date": "2025-03-04T00:00:00Z", "po_numbers": []any{"1", "2"}},
	}
	require.Equal(t, "2025-03-04T00:00:00Z", h.String("eta_dp_date"))
	require.Equal(t, "1, 2", h.String("po_numbers"))
	require.Equal(t, "04-Mar-25", FormatDate(h.String("eta_dp_date")))
	_, ok := h.Value("missing")
	require.False(t, ok)
}
