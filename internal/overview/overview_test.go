package overview

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"shipment-qna/internal/domain"
)

type fakeLLM struct {
	content string
	err     error
	last    domain.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	f.last = req
	return domain.Completion{Content: f.content}, f.err
}

const sample = `intro text
**Company Overview**
We consolidate ocean freight.

**History**
Founded in 1990.

## Office Directory
- Los Angeles: +1 555 0100
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overview.md")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func TestParse(t *testing.T) {
	sections := Parse(sample)
	require.Len(t, sections, 3)
	require.Equal(t, Section{Title: "Company Overview", Body: "We consolidate ocean freight."}, sections[0])
	require.Equal(t, "Office Directory", sections[2].Title)
}

func TestSelect(t *testing.T) {
	sections := Parse(sample)
	require.Equal(t, "History", Select(sections, "When was MCS founded?").Title)
	require.Equal(t, "Office Directory", Select(sections, "MCS office phone").Title)
	require.Equal(t, "Company Overview", Select(sections, "tell me about MCS").Title)
}

func TestAnswer_Synthesizes(t *testing.T) {
	llm := &fakeLLM{content: "Founded in 1990."}
	r, err := New(writeSample(t), llm, nil)
	require.NoError(t, err)

	res := r.Answer(context.Background(), "what is the history of MCS")
	require.Equal(t, "Founded in 1990.", res.Answer)
	require.Contains(t, llm.last.Messages[1].Content, "History\nFounded in 1990.")
}

func TestAnswer_FallsBackToSectionText(t *testing.T) {
	r, err := New(writeSample(t), &fakeLLM{err: errors.New("down")}, nil)
	require.NoError(t, err)

	res := r.Answer(context.Background(), "MCS history")
	require.Equal(t, "History\n\nFounded in 1990.", res.Answer)
	require.Len(t, res.Failures, 1)
}

func TestAnswer_MissingFile(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "missing.md"), &fakeLLM{}, nil)
	require.NoError(t, err)

	res := r.Answer(context.Background(), "about MCS")
	require.Equal(t, NotConfiguredAnswer, res.Answer)
	require.Equal(t, []string{NotConfiguredNotice}, res.Notices)
}
