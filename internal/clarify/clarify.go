// Package clarify produces the reply for turns that need more input from the
// user before anything is retrieved.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"shipment-qna/internal/domain"
)

const (
	historyWindow = 4

	FallbackQuestion = "I'm not sure I understood. Could you please provide more details?"
)

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Input struct {
	Question string
	History  []domain.ChatMessage
	Shift    *domain.TopicShift
}

type Result struct {
	Answer string
	// Pending is the topic shift the next turn may resolve with a choice.
	Pending  *domain.TopicShift
	Usage    domain.Usage
	Failures []*domain.Failure
}

type Clarifier struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) (*Clarifier, error) {
	if llm == nil {
		return nil, errors.New("clarify: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clarifier{llm: llm, logger: logger}, nil
}

func (c *Clarifier) Clarify(ctx context.Context, in Input) Result {
	if in.Shift != nil {
		shift := *in.Shift
		return Result{Answer: TopicShiftPrompt(shift), Pending: &shift}
	}

	msgs := []domain.ChatMessage{{Role: domain.RoleSystem, Content: askPrompt}}
	history := in.History[max(0, len(in.History)-historyWindow):]
	msgs = append(msgs, history...)
	if len(history) == 0 || history[len(history)-1].Content != in.Question {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: in.Question})
	}

	out, err := c.llm.Complete(ctx, domain.CompletionRequest{Messages: msgs, Temperature: 0.7})
	text := strings.TrimSpace(out.Content)
	if err != nil || text == "" {
		c.logger.Warn("clarify: question generation failed, using fallback", "err", err)
		return Result{
			Answer:   FallbackQuestion,
			Usage:    out.Usage,
			Failures: []*domain.Failure{domain.NewFailure(domain.FailureSynthesis, "clarifying question generation failed", err)},
		}
	}
	return Result{Answer: text, Usage: out.Usage}
}

// TopicShiftPrompt offers the two readings of a question whose rewrite added
// context the user did not ask for.
func TopicShiftPrompt(shift domain.TopicShift) string {
	reason := "prior context"
	if len(shift.Added) > 0 {
		reason = strings.ReplaceAll(strings.Join(shift.Added, ", "), "_", " ")
	}
	return fmt.Sprintf(
		"I want to confirm the scope before running this.\n\n"+
			"I can read your question two ways (%s was added from earlier in the conversation):\n"+
			"1) Use previous context: %s\n"+
			"2) New topic: %s\n\n"+
			"Reply with 1 or 2, or rephrase your question.",
		reason, shift.Normalized, shift.Raw,
	)
}

const askPrompt = `You are a helpful assistant for a shipment tracking bot.
The user's last message was ambiguous or lacked the details needed for an accurate answer.
Ask one short, polite, specific question that would clarify what they want.
Examples:
- "Show me dates" -> "Would you like the ETA at the discharge port or at the final destination?"
- "List shipments" -> "Which shipments are you interested in, for example delayed, hot, or from a specific carrier?"`
