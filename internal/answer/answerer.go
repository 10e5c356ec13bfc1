package answer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"shipment-qna/internal/domain"
)

const (
	NoResultsAnswer = "I couldn't find any information matching your request within your authorized scope."
	FallbackAnswer  = "I found relevant records but could not summarize them right now. Please review the evidence listed below."
)

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Input struct {
	Question   string
	Intent     domain.Intent
	Hits       []domain.SearchHit
	Aggregates domain.Aggregates
	Plan       domain.RetrievalPlan
	Now        time.Time
}

type Result struct {
	Answer    string
	Citations []domain.Citation
	Table     *domain.TableSpec
	Chart     *domain.ChartSpec
	Usage     domain.Usage
	Failures  []*domain.Failure
}

type Answerer struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) (*Answerer, error) {
	if llm == nil {
		return nil, errors.New("answer: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Answerer{llm: llm, logger: logger}, nil
}

// Answer drafts the reply for one retrieval or analytics pass. It never
// returns an error: synthesis problems become the fallback text plus a
// recorded failure.
func (a *Answerer) Answer(ctx context.Context, in Input) Result {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	analytics := in.Intent == domain.IntentAnalytics
	if len(in.Hits) == 0 && (!analytics || in.Aggregates.Count == 0) {
		return Result{Answer: NoResultsAnswer}
	}

	res := Result{
		Citations: Citations(in.Hits),
		Table:     Table(in.Hits),
	}
	if analytics {
		res.Chart = ArrivalChart(in.Question, in.Hits, in.Now, in.Plan.FinalDestination)
	}

	contextBlock := BuildContext(in.Hits, in.Aggregates, analytics)
	completion, err := a.llm.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: systemPrompt(in.Now)},
			{Role: domain.RoleUser, Content: "Context:\n" + contextBlock + "\n\nQuestion: " + in.Question + "\n\nAnswer:"},
		},
		Temperature: 0.2,
	})
	res.Usage = completion.Usage
	text := strings.TrimSpace(completion.Content)
	switch {
	case err != nil:
		a.logger.Error("answer: synthesis failed", "err", err)
		res.Failures = append(res.Failures, domain.NewFailure(domain.FailureSynthesis, "answer synthesis failed", err))
		text = FallbackAnswer
	case text == "":
		a.logger.Warn("answer: synthesis returned empty text")
		res.Failures = append(res.Failures, domain.NewFailure(domain.FailureSynthesis, "answer synthesis returned no text", nil))
		text = FallbackAnswer
	}

	if res.Table != nil && !HasMarkdownTable(text) {
		text += "\n\n" + Markdown(res.Table)
	}
	if hint := PaginationHint(len(in.Hits), in.Plan.Skip, in.Aggregates); hint != "" {
		text = strings.TrimRight(text, "\n") + "\n\n" + hint
	}
	res.Answer = strings.TrimRight(text, "\n")

	a.logger.Info("answer: drafted",
		"hits", len(in.Hits),
		"table", res.Table != nil,
		"chart", res.Chart != nil,
		"tokens", res.Usage.TotalTokens,
	)
	return res
}

func systemPrompt(now time.Time) string {
	return strings.Join([]string{
		"Role:",
		"You are a shipment tracking assistant for logistics customers.",
		"",
		"Task:",
		"Answer the question using only the records and aggregates in the supplied context.",
		"",
		"Grounding Rules:",
		"- Never invent container, purchase order, booking or bill of lading numbers that are not in the context.",
		"- If the context does not contain what is needed, say so plainly.",
		"- For counts, use the aggregate totals when they are present.",
		"",
		"Presentation:",
		"- Render every date as dd-Mon-yy, for example " + now.Format(domain.DisplayDateLayout) + ".",
		"- When more than one record is relevant, present them as a markdown table.",
		"- Keep the answer short; lead with the direct answer.",
		"",
		"Today's date: " + now.Format(domain.DisplayDateLayout),
	}, "\n")
}
