package judge

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
	calls   int
	last    domain.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	f.calls++
	f.last = req
	return domain.Completion{Content: f.content, Usage: domain.Usage{TotalTokens: 7}}, f.err
}

var hits = []domain.SearchHit{{ID: "doc-1", Fields: map[string]any{"container_number": "ABCD1234567"}}}

func TestNew_NilLLM(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestEvaluate_NoHitsIsSkipped(t *testing.T) {
	llm := &fakeLLM{}
	j, err := New(llm, nil)
	require.NoError(t, err)

	res := j.Evaluate(context.Background(), Input{Question: "q", Answer: "nothing found", RetryCount: 1})
	require.True(t, res.Skipped)
	require.True(t, res.Verdict.Satisfied)
	require.Equal(t, 1, res.RetryCount)
	require.Zero(t, llm.calls)
}

func TestEvaluate_Decisions(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		err       error
		satisfied bool
		retry     int
		feedback  string
		failure   bool
	}{
		{name: "satisfied", content: `{"decision":"satisfied","feedback":null}`, satisfied: true},
		{name: "retry", content: "```json\n{\"decision\":\"retry\",\"feedback\":\" search by booking \"}\n```", retry: 1, feedback: "search by booking"},
		{name: "call fails", err: errors.New("boom"), satisfied: true, failure: true},
		{name: "not json", content: "looks fine", satisfied: true, failure: true},
		{name: "unknown decision", content: `{"decision":"maybe"}`, satisfied: true, failure: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeLLM{content: tc.content, err: tc.err}
			j, err := New(llm, nil)
			require.NoError(t, err)

			res := j.Evaluate(context.Background(), Input{Question: "where is ABCD1234567", Answer: "At sea", Hits: hits})
			require.Equal(t, 1, llm.calls)
			require.Equal(t, tc.satisfied, res.Verdict.Satisfied)
			require.Equal(t, tc.retry, res.RetryCount)
			require.Equal(t, tc.feedback, res.Verdict.Feedback)
			require.Equal(t, tc.failure, len(res.Failures) == 1)
			if tc.failure {
				require.Equal(t, domain.FailureEvaluation, res.Failures[0].Kind)
			}
			require.Equal(t, 7, res.Usage.TotalTokens)
		})
	}
}

func TestEvaluate_PromptCarriesEvidence(t *testing.T) {
	llm := &fakeLLM{content: `{"decision":"satisfied"}`}
	j, err := New(llm, nil)
	require.NoError(t, err)

	j.Evaluate(context.Background(), Input{Question: "where is ABCD1234567", Answer: "At sea", Hits: hits})
	require.True(t, llm.last.JSON)
	sys := llm.last.Messages[0].Content
	require.Contains(t, sys, `"container_number": "ABCD1234567"`)
	require.Contains(t, sys, "At sea")
}
