package clarify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"shipment-qna/internal/domain"
)

type fakeLLM struct {
	content string
	err     error
	last    domain.CompletionRequest
	calls   int
}

func (f *fakeLLM) Complete(_ context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	f.calls++
	f.last = req
	return domain.Completion{Content: f.content}, f.err
}

func TestNew_NilLLM(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestClarify_TopicShiftOffersBothReadings(t *testing.T) {
	llm := &fakeLLM{}
	c, err := New(llm, nil)
	require.NoError(t, err)

	shift := &domain.TopicShift{
		Raw:        "How many shipments do I have?",
		Normalized: "how many shipments do i have for ABCD1234567",
		Added:      []string{"identifier"},
	}
	res := c.Clarify(context.Background(), Input{Question: shift.Raw, Shift: shift})
	require.Zero(t, llm.calls)
	require.Contains(t, res.Answer, "1) Use previous context: how many shipments do i have for ABCD1234567")
	require.Contains(t, res.Answer, "2) New topic: How many shipments do I have?")
	require.Contains(t, res.Answer, "(identifier was added")
	require.Equal(t, shift, res.Pending)
	require.NotSame(t, shift, res.Pending)
}

func TestClarify_AsksModel(t *testing.T) {
	llm := &fakeLLM{content: " Which port do you mean? "}
	c, err := New(llm, nil)
	require.NoError(t, err)

	history := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "a"}, {Role: domain.RoleAssistant, Content: "b"},
		{Role: domain.RoleUser, Content: "c"}, {Role: domain.RoleAssistant, Content: "d"},
		{Role: domain.RoleUser, Content: "e"},
	}
	res := c.Clarify(context.Background(), Input{Question: "show me dates", History: history})
	require.Equal(t, "Which port do you mean?", res.Answer)
	require.Nil(t, res.Pending)
	require.Len(t, llm.last.Messages, 6)
	require.Equal(t, "b", llm.last.Messages[1].Content)
	require.Equal(t, "show me dates", llm.last.Messages[5].Content)
}

func TestClarify_Fallback(t *testing.T) {
	c, err := New(&fakeLLM{err: errors.New("boom")}, nil)
	require.NoError(t, err)

	res := c.Clarify(context.Background(), Input{Question: "dates"})
	require.Equal(t, FallbackQuestion, res.Answer)
	require.Len(t, res.Failures, 1)
}
