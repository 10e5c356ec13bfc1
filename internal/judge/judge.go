package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shipment-qna/internal/domain"
	"shipment-qna/internal/llmjson"
)

const (
	maxEvidenceHits = 10

	decisionSatisfied = "satisfied"
	decisionRetry     = "retry"
)

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Input struct {
	Question   string
	Answer     string
	Hits       []domain.SearchHit
	RetryCount int
	Now        time.Time
}

// Result carries the verdict and the retry counter after evaluation.
type Result struct {
	Verdict    domain.JudgeVerdict
	RetryCount int
	// Skipped is set when there was no evidence to judge against.
	Skipped  bool
	Usage    domain.Usage
	Failures []*domain.Failure
}

type Judge struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) (*Judge, error) {
	if llm == nil {
		return nil, errors.New("judge: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{llm: llm, logger: logger}, nil
}

type verdictResponse struct {
	Decision string  `json:"decision"`
	Feedback *string `json:"feedback"`
}

// Evaluate grades the drafted answer against the evidence. Any evaluation
// problem resolves to satisfied so the retry loop always terminates.
func (j *Judge) Evaluate(ctx context.Context, in Input) Result {
	res := Result{RetryCount: in.RetryCount, Verdict: domain.JudgeVerdict{Satisfied: true}}
	if len(in.Hits) == 0 {
		res.Skipped = true
		return res
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	completion, err := j.llm.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: judgePrompt(in)},
			{Role: domain.RoleUser, Content: "Judge the answer now."},
		},
		JSON: true,
	})
	res.Usage = completion.Usage
	if err != nil {
		j.logger.Warn("judge: evaluation failed, accepting answer", "err", err)
		res.Failures = append(res.Failures, domain.NewFailure(domain.FailureEvaluation, "evaluation call failed", err))
		return res
	}

	var out verdictResponse
	if err := llmjson.Decode(completion.Content, &out); err != nil {
		j.logger.Warn("judge: unparseable verdict, accepting answer", "err", err)
		res.Failures = append(res.Failures, domain.NewFailure(domain.FailureEvaluation, "verdict was not valid JSON", err))
		return res
	}

	switch strings.ToLower(strings.TrimSpace(out.Decision)) {
	case decisionSatisfied:
		j.logger.Info("judge: satisfied", "retry", in.RetryCount)
	case decisionRetry:
		res.Verdict.Satisfied = false
		if out.Feedback != nil {
			res.Verdict.Feedback = strings.TrimSpace(*out.Feedback)
		}
		res.RetryCount = in.RetryCount + 1
		j.logger.Info("judge: retry requested", "retry", res.RetryCount, "feedback", res.Verdict.Feedback)
	default:
		j.logger.Warn("judge: unknown decision, accepting answer", "decision", out.Decision)
		res.Failures = append(res.Failures, domain.NewFailure(domain.FailureEvaluation, fmt.Sprintf("unknown decision %q", out.Decision), nil))
	}
	return res
}

func judgePrompt(in Input) string {
	var evidence strings.Builder
	for i, h := range in.Hits[:min(len(in.Hits), maxEvidenceHits)] {
		doc := map[string]any{"id": h.ID}
		for k, v := range h.Fields {
			doc[k] = v
		}
		raw, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", doc))
		}
		fmt.Fprintf(&evidence, "\n--- Doc %d ---\n%s\n", i+1, raw)
	}

	return strings.Join([]string{
		"Role:",
		"You are a quality assurance judge for a logistics assistant.",
		"",
		"Retrieved Documents:",
		evidence.String(),
		"User Question:",
		in.Question,
		"",
		"Today's UTC Date:",
		in.Now.UTC().Format("2006-01-02"),
		"",
		"Drafted Answer:",
		in.Answer,
		"",
		"Task:",
		"1. Grounding: is the answer based only on the documents?",
		"2. Completeness: does it address every part of the question?",
		"3. Accuracy: does it contain invented or incorrect details?",
		"",
		"Decision:",
		`If the answer is grounded, complete and accurate, set "decision" to "satisfied".`,
		`Otherwise set "decision" to "retry" and give "feedback" saying what the next retrieval should change.`,
		"",
		"Output Contract:",
		`Return only JSON: {"decision": "satisfied" | "retry", "feedback": string | null}`,
	}, "\n")
}
