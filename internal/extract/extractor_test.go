package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"shipment-qna/internal/domain"
)

type fakeLLM struct {
	content string
	err     error
	calls   int
}

func (f *fakeLLM) Complete(_ context.Context, _ domain.CompletionRequest) (domain.Completion, error) {
	f.calls++
	if f.err != nil {
		return domain.Completion{}, f.err
	}
	return domain.Completion{Content: f.content, Usage: domain.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}}, nil
}

func newTestExtractor(t *testing.T, llm *fakeLLM) *Extractor {
	t.Helper()
	e, err := New(llm, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func TestNew_NilLLM(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestExtract_ContainerOnlySkipsModel(t *testing.T) {
	llm := &fakeLLM{}
	res := newTestExtractor(t, llm).Extract(context.Background(), "what is the eta of abcd1234567?")
	require.Equal(t, []string{"ABCD1234567"}, res.Entities.Get(domain.EntityContainer))
	require.Zero(t, llm.calls)
	require.Empty(t, res.Failures)
}

func TestExtract_AmbiguousNumberGoesToBothPools(t *testing.T) {
	llm := &fakeLLM{content: `{"po_numbers":[],"booking_numbers":[]}`}
	res := newTestExtractor(t, llm).Extract(context.Background(), "status of 5302997239")
	require.Equal(t, []string{"5302997239"}, res.Entities.Get(domain.EntityPurchaseOrder))
	require.Equal(t, []string{"5302997239"}, res.Entities.Get(domain.EntityBooking))
	require.Equal(t, 1, llm.calls)
	require.Equal(t, 7, res.Usage.TotalTokens)
}

func TestExtract_KeywordHintsDisambiguate(t *testing.T) {
	llm := &fakeLLM{}
	res := newTestExtractor(t, llm).Extract(context.Background(), "show PO 5302997239 and booking # 6300123456")
	require.Equal(t, []string{"5302997239"}, res.Entities.Get(domain.EntityPurchaseOrder))
	require.Equal(t, []string{"6300123456"}, res.Entities.Get(domain.EntityBooking))
}

func TestExtract_BillOfLadingPattern(t *testing.T) {
	res := newTestExtractor(t, &fakeLLM{}).Extract(context.Background(), "obl MAEU123456789 and container MSCU7654321")
	require.Equal(t, []string{"MAEU123456789"}, res.Entities.Get(domain.EntityBillOfLading))
	require.Equal(t, []string{"MSCU7654321"}, res.Entities.Get(domain.EntityContainer))
}

func TestExtract_ModelIdentifiersMustBeLiteral(t *testing.T) {
	llm := &fakeLLM{content: "```json\n{\"po_numbers\":[\"5302997239\",\"9999999999\"],\"locations\":[\"rotterdam\"],\"carriers\":[\"maersk\"]}\n```"}
	res := newTestExtractor(t, llm).Extract(context.Background(), "shipments for 5302997239 arriving at port")
	require.Equal(t, []string{"5302997239"}, res.Entities.Get(domain.EntityPurchaseOrder))
	require.Equal(t, []string{"5302997239"}, res.Entities.Get(domain.EntityBooking))
	require.Equal(t, []string{"ROTTERDAM"}, res.Entities.Get(domain.EntityLocation))
	require.Equal(t, []string{"MAERSK"}, res.Entities.Get(domain.EntityCarrier))
}

func TestExtract_ModelFailureKeepsPatternResult(t *testing.T) {
	llm := &fakeLLM{err: errors.New("timeout")}
	res := newTestExtractor(t, llm).Extract(context.Background(), "where is 5302997239")
	require.Equal(t, []string{"5302997239"}, res.Entities.Get(domain.EntityPurchaseOrder))
	require.Len(t, res.Failures, 1)
	require.Equal(t, domain.FailureTransient, res.Failures[0].Kind)

	llm = &fakeLLM{content: "not json"}
	res = newTestExtractor(t, llm).Extract(context.Background(), "where is 5302997239")
	require.Len(t, res.Failures, 1)
	require.Equal(t, domain.FailureParse, res.Failures[0].Kind)
}

func TestExtract_StatusAndLocationHints(t *testing.T) {
	res := newTestExtractor(t, &fakeLLM{content: `{}`}).Extract(context.Background(), "Which hot containers are not delivered to Los Angeles?")
	require.ElementsMatch(t, []string{"hot", "not delivered"}, res.Entities.Get(domain.EntityStatus))
	require.Equal(t, []string{"LOS ANGELES"}, res.Entities.Get(domain.EntityLocation))
}

func TestExtract_LocationFromLowerCasedQuestion(t *testing.T) {
	llm := &fakeLLM{err: errors.New("timeout")}
	e := newTestExtractor(t, llm)

	res := e.Extract(context.Background(), "when will it arrive at los angeles")
	require.Equal(t, []string{"LOS ANGELES"}, res.Entities.Get(domain.EntityLocation))
	require.Len(t, res.Failures, 1)

	res = e.Extract(context.Background(), "how many containers are in rotterdam today")
	require.Equal(t, []string{"ROTTERDAM"}, res.Entities.Get(domain.EntityLocation))

	res = e.Extract(context.Background(), "which shipments are in transit to the port")
	require.Empty(t, res.Entities.Get(domain.EntityLocation))
}

func TestTimeWindow(t *testing.T) {
	cases := []struct {
		q      string
		days   int
		notice bool
	}{
		{q: "arriving in the next 5 days", days: 5},
		{q: "due within 10 days", days: 10},
		{q: "next 2 weeks", days: 14},
		{q: "arriving next week", days: 7},
		{q: "this fortnight", days: 14},
		{q: "next month", days: 30},
		{q: "arriving today", days: 1},
		{q: "arriving soon", days: 7, notice: true},
		{q: "where is my container", days: 0},
	}
	for _, tc := range cases {
		t.Run(tc.q, func(t *testing.T) {
			days, notice := TimeWindow(tc.q)
			require.Equal(t, tc.days, days)
			require.Equal(t, tc.notice, notice != "")
		})
	}
}

func TestExtract_SoonAddsNotice(t *testing.T) {
	res := newTestExtractor(t, &fakeLLM{}).Extract(context.Background(), "what arrives soon")
	require.Equal(t, 7, res.Entities.TimeWindowDays)
	require.Equal(t, []string{SoonNotice}, res.Notices)
}

func TestIdentifierTokensAndTimePhrases(t *testing.T) {
	require.Equal(t, []string{"ABCD1234567", "5302997239"}, IdentifierTokens("abcd1234567 or 5302997239"))
	require.Equal(t, []string{"next 7 days"}, TimePhrases("Arriving in the Next 7 days"))
	require.Empty(t, TimePhrases("how many shipments do i have"))
}
