package domain

import (
	"strings"
	"time"
)

// StateVersion is bumped whenever the persisted layout of ConversationState changes.
const StateVersion = 1

// ConversationState is the checkpointed record for one conversation. The
// top-level fields are durable across turns; Turn is rebuilt at the start of
// every turn.
type ConversationState struct {
	Version        int           `json:"version"`
	ConversationID string        `json:"conversation_id"`
	Messages       []ChatMessage `json:"messages,omitempty"`
	Usage          Usage         `json:"usage"`
	Turns          int           `json:"turns"`
	// PendingClarification is the topic-shift choice awaiting the user's reply.
	PendingClarification *TopicShift `json:"pending_clarification,omitempty"`
	// LastPlan is the page cursor for "show more" follow-ups.
	LastPlan  *RetrievalPlan `json:"last_plan,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`

	Turn TurnState `json:"turn"`
}

// TurnState is the per-turn working set.
type TurnState struct {
	Question           string            `json:"question"`
	NormalizedQuestion string            `json:"normalized_question,omitempty"`
	Scope              []string          `json:"scope,omitempty"`
	Entities           ExtractedEntities `json:"entities"`
	Intent             Intent            `json:"intent,omitempty"`
	SubIntents         []string          `json:"sub_intents,omitempty"`
	Sentiment          string            `json:"sentiment,omitempty"`
	Route              Route             `json:"route,omitempty"`
	TopicShift         *TopicShift       `json:"topic_shift,omitempty"`
	Plan               *RetrievalPlan    `json:"plan,omitempty"`
	Hits               []SearchHit       `json:"hits,omitempty"`
	Aggregates         *Aggregates       `json:"aggregates,omitempty"`
	Answer             string            `json:"answer,omitempty"`
	Citations          []Citation        `json:"citations,omitempty"`
	Chart              *ChartSpec        `json:"chart,omitempty"`
	Table              *TableSpec        `json:"table,omitempty"`
	RetryCount         int               `json:"retry_count"`
	Satisfied          bool              `json:"satisfied"`
	Feedback           string            `json:"feedback,omitempty"`
	Notices            []string          `json:"notices,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
	Usage              Usage             `json:"usage"`
	StartedAt          time.Time         `json:"started_at"`
}

func NewConversationState(conversationID string) *ConversationState {
	return &ConversationState{Version: StateVersion, ConversationID: conversationID}
}

// BeginTurn clears every per-turn field and seeds the new turn.
func (s *ConversationState) BeginTurn(question string, scope []string, now time.Time) {
	s.Version = StateVersion
	s.Turn = TurnState{
		Question:  question,
		Scope:     append([]string(nil), scope...),
		StartedAt: now,
	}
}

func (s *ConversationState) AddNotice(notice string) {
	if notice = strings.TrimSpace(notice); notice == "" {
		return
	}
	for _, n := range s.Turn.Notices {
		if n == notice {
			return
		}
	}
	s.Turn.Notices = append(s.Turn.Notices, notice)
}

func (s *ConversationState) RecordFailures(failures ...*Failure) {
	for _, f := range failures {
		if f != nil {
			s.Turn.Errors = append(s.Turn.Errors, f.Error())
		}
	}
}

// AddUsage charges usage to the turn and the conversation totals.
func (s *ConversationState) AddUsage(u Usage) {
	s.Turn.Usage = s.Turn.Usage.Add(u)
	s.Usage = s.Usage.Add(u)
}

// AppendExchange records the user question and reply, keeping at most window
// messages.
func (s *ConversationState) AppendExchange(question, answer string, window int) {
	s.Messages = append(s.Messages,
		ChatMessage{Role: RoleUser, Content: question},
		ChatMessage{Role: RoleAssistant, Content: answer},
	)
	if window > 0 && len(s.Messages) > window {
		s.Messages = append([]ChatMessage(nil), s.Messages[len(s.Messages)-window:]...)
	}
}

// Reset drops conversation history, keeping usage totals and the turn count.
func (s *ConversationState) Reset() {
	s.Messages = nil
	s.PendingClarification = nil
	s.LastPlan = nil
}

// Message is one persisted transcript entry.
type Message struct {
	PK             string
	SK             string
	ConversationID string
	Text           string
	Answer         string
	Intent         string
	Tokens         int
	Status         string
	TTL            int64
}
