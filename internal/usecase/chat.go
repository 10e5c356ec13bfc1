package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipment-qna/internal/domain"
	"shipment-qna/internal/scope"
	"shipment-qna/internal/session"
)

var newUUID = func() string { return uuid.NewString() }

type ScopeResolver interface {
	Resolve(ctx context.Context, identity string, requested []string) scope.Result
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type TurnRunner interface {
	Run(ctx context.Context, in session.TurnInput) *domain.ConversationState
}

// StateLoader reads the persisted turn count for the conversation turn limit.
type StateLoader interface {
	Load(ctx context.Context, conversationID string) (*domain.ConversationState, error)
}

type ChatInput struct {
	Question           string
	AuthorizationCodes []string
	ConversationID     string
	// Identity is the caller the scope registry is keyed by.
	Identity string
}

type Metadata struct {
	Tokens       int     `json:"tokens"`
	CostEstimate float64 `json:"cost_estimate"`
	LatencyMs    int64   `json:"latency_ms"`
}

type ChatOutput struct {
	ConversationID string            `json:"conversation_id"`
	Intent         string            `json:"intent,omitempty"`
	Answer         string            `json:"answer"`
	Notices        []string          `json:"notices,omitempty"`
	Evidence       []domain.Citation `json:"evidence,omitempty"`
	Chart          *domain.ChartSpec `json:"chart,omitempty"`
	Table          *domain.TableSpec `json:"table,omitempty"`
	Metadata       *Metadata         `json:"metadata,omitempty"`
}

type ChatOptions struct {
	MaxQuestionLength    int
	MaxConversationTurns int
	// Moderator is optional; nil skips moderation.
	Moderator Moderator
	// States is required when MaxConversationTurns > 0.
	States StateLoader
}

type ChatService struct {
	resolver ScopeResolver
	runner   TurnRunner
	opts     ChatOptions
	logger   *slog.Logger
	now      func() time.Time
}

func NewChatService(resolver ScopeResolver, runner TurnRunner, opts ChatOptions, logger *slog.Logger) (*ChatService, error) {
	if resolver == nil {
		return nil, errors.New("usecase: scope resolver must not be nil")
	}
	if runner == nil {
		return nil, errors.New("usecase: turn runner must not be nil")
	}
	if opts.MaxQuestionLength <= 0 {
		return nil, errors.New("usecase: max question length must be positive")
	}
	if opts.MaxConversationTurns > 0 && opts.States == nil {
		return nil, errors.New("usecase: state loader must not be nil when a turn limit is set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{resolver: resolver, runner: runner, opts: opts, logger: logger, now: time.Now}, nil
}

// Chat validates the request, resolves the caller's scope and runs one turn.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	start := s.now()

	question := strings.TrimSpace(in.Question)
	if question == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if len([]rune(question)) > s.opts.MaxQuestionLength {
		return ChatOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	codes := scope.NormalizeCodes(in.AuthorizationCodes...)
	if len(codes) == 0 {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_authorization_codes", nil)
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
	} else if err := s.checkTurnLimit(ctx, convID); err != nil {
		return ChatOutput{}, err
	}

	if s.opts.Moderator != nil {
		flagged, err := s.opts.Moderator.Moderate(ctx, question)
		if err != nil {
			if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
				return ChatOutput{}, newError(ErrorRateLimited, "moderation_rate_limited", err)
			}
			return ChatOutput{}, newError(ErrorUpstream, "moderation_error", err)
		}
		if flagged {
			return ChatOutput{}, newError(ErrorInvalidQuestion, "moderation_flagged", nil)
		}
	}

	resolved := s.resolver.Resolve(ctx, in.Identity, codes)
	if resolved.Empty() {
		// The retriever fails closed on an empty scope; the turn still runs so
		// greetings and clarifications keep working.
		s.logger.Warn("usecase: scope resolved empty", "conversation_id", convID, "reason", resolved.Reason)
	}

	state := s.runner.Run(ctx, session.TurnInput{
		ConversationID: convID,
		Question:       question,
		Scope:          resolved.Codes,
	})
	if state == nil {
		return ChatOutput{}, newError(ErrorInternal, "turn_failed", errors.New("usecase: turn produced no state"))
	}
	return toOutput(state, s.now().Sub(start)), nil
}

func (s *ChatService) checkTurnLimit(ctx context.Context, convID string) error {
	if s.opts.MaxConversationTurns <= 0 {
		return nil
	}
	state, err := s.opts.States.Load(ctx, convID)
	if err != nil {
		return newError(ErrorInternal, "checkpoint_load_error", fmt.Errorf("usecase: load turn count: %w", err))
	}
	if state != nil && state.Turns >= s.opts.MaxConversationTurns {
		return newError(ErrorInvalidInput, "conversation_turn_limit", nil)
	}
	return nil
}

func toOutput(state *domain.ConversationState, latency time.Duration) ChatOutput {
	t := state.Turn
	out := ChatOutput{
		ConversationID: state.ConversationID,
		Intent:         string(t.Intent),
		Answer:         t.Answer,
		Chart:          t.Chart,
		Table:          t.Table,
		Metadata: &Metadata{
			Tokens:       t.Usage.TotalTokens,
			CostEstimate: t.Usage.CostEstimate(),
			LatencyMs:    latency.Milliseconds(),
		},
	}
	if len(t.Notices) > 0 {
		out.Notices = append([]string(nil), t.Notices...)
	}
	if len(t.Citations) > 0 {
		out.Evidence = append([]domain.Citation(nil), t.Citations...)
	}
	return out
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
