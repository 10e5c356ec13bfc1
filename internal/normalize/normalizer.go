package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"shipment-qna/internal/domain"
)

const (
	defaultHistoryWindow = 6

	CategoryTimeWindow = "time_window"
	CategoryIdentifier = "identifier"
)

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Input struct {
	Question string
	History  []domain.ChatMessage
	Pending  *domain.TopicShift
}

type Result struct {
	Question   string
	TopicShift *domain.TopicShift
	// Choice is set when the question answered a pending clarification.
	Choice   domain.ClarificationChoice
	Usage    domain.Usage
	Failures []*domain.Failure
}

type Normalizer struct {
	llm           Completer
	logger        *slog.Logger
	historyWindow int
}

func New(llm Completer, historyWindow int, logger *slog.Logger) (*Normalizer, error) {
	if llm == nil {
		return nil, errors.New("normalize: llm client must not be nil")
	}
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{llm: llm, logger: logger, historyWindow: historyWindow}, nil
}

const rewritePrompt = `You rewrite follow-up questions about shipments into standalone questions.
Replace pronouns and references such as "it", "that container" or "those" with the explicit identifiers from the conversation.
If the question is already independent of the conversation, return it unchanged. Do not add identifiers, dates or time windows the user did not refer to.
Return only the rewritten question.`

func (n *Normalizer) Normalize(ctx context.Context, in Input) Result {
	raw := strings.TrimSpace(in.Question)

	if in.Pending != nil {
		switch choice := ParseChoice(raw); choice {
		case domain.ChoicePrevious:
			return Result{Question: in.Pending.Normalized, Choice: choice}
		case domain.ChoiceNew:
			return Result{Question: strings.ToLower(in.Pending.Raw), Choice: choice}
		}
	}

	if len(in.History) < 2 {
		return Result{Question: strings.ToLower(raw)}
	}

	out, err := n.llm.Complete(ctx, domain.CompletionRequest{
		Messages: n.rewriteMessages(raw, in.History),
	})
	if err != nil {
		n.logger.Warn("normalize: rewrite failed, using raw question", "err", err)
		return Result{
			Question: strings.ToLower(raw),
			Failures: []*domain.Failure{domain.NewFailure(domain.FailureTransient, "question rewrite failed", err)},
		}
	}
	rewritten := strings.Trim(strings.TrimSpace(out.Content), `"`)
	if rewritten == "" {
		return Result{
			Question: strings.ToLower(raw),
			Usage:    out.Usage,
			Failures: []*domain.Failure{domain.NewFailure(domain.FailureParse, "question rewrite was empty", nil)},
		}
	}

	res := Result{Question: rewritten, Usage: out.Usage}
	if shift := DetectTopicShift(raw, rewritten); shift != nil {
		n.logger.Info("normalize: topic shift candidate", "raw", raw, "normalized", rewritten, "added", shift.Added)
		res.TopicShift = shift
	}
	return res
}

func (n *Normalizer) rewriteMessages(question string, history []domain.ChatMessage) []domain.ChatMessage {
	if len(history) > n.historyWindow {
		history = history[len(history)-n.historyWindow:]
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: rewritePrompt},
		{Role: domain.RoleUser, Content: "Conversation:\n" + b.String() + "\nFollow-up question: " + question},
	}
}

var (
	previousTokens = []string{"1", "1)", "option 1", "previous", "use previous", "use previous context", "previous context", "yes", "same"}
	newTokens      = []string{"2", "2)", "option 2", "new", "new topic", "new question", "ignore previous context", "no"}
)

// ParseChoice recognizes the short replies to a topic-shift clarification.
func ParseChoice(reply string) domain.ClarificationChoice {
	r := strings.ToLower(strings.TrimSpace(reply))
	r = strings.TrimRight(r, ".!")
	for _, t := range previousTokens {
		if r == t {
			return domain.ChoicePrevious
		}
	}
	for _, t := range newTokens {
		if r == t {
			return domain.ChoiceNew
		}
	}
	return domain.ChoiceNone
}
