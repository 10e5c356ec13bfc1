package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"shipment-qna/internal/domain"
)

const (
	statusComplete     = "complete"
	defaultTTL         = 30 * 24 * time.Hour
	maxTranscriptItems = 250
)

var (
	// ErrConflict means another writer committed a newer turn first.
	ErrConflict = errors.New("repository: checkpoint was updated concurrently")
	// ErrUnsupportedVersion means the checkpoint was written by a newer layout.
	ErrUnsupportedVersion = errors.New("repository: unsupported checkpoint version")
)

func encodeState(s *domain.ConversationState) ([]byte, error) {
	if s == nil || s.ConversationID == "" {
		return nil, errors.New("repository: state with a conversation id is required")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("repository: encode state: %w", err)
	}
	return raw, nil
}

func decodeState(raw []byte) (*domain.ConversationState, error) {
	var s domain.ConversationState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("repository: decode state: %w", err)
	}
	if s.Version > domain.StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	s.Version = domain.StateVersion
	return &s, nil
}

// transcriptMessage is the transcript entry for the state's current turn.
func transcriptMessage(s *domain.ConversationState, now time.Time, ttl time.Duration) domain.Message {
	return domain.Message{
		PK:             convPK(s.ConversationID),
		SK:             msgSK(now),
		ConversationID: s.ConversationID,
		Text:           s.Turn.Question,
		Answer:         s.Turn.Answer,
		Intent:         string(s.Turn.Intent),
		Tokens:         s.Turn.Usage.TotalTokens,
		Status:         statusComplete,
		TTL:            now.Add(ttl).Unix(),
	}
}

// MemoryStore keeps checkpoints in process. Values are copied on the way in
// and out so callers never share state.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string][]byte{}}
}

func (m *MemoryStore) Load(_ context.Context, conversationID string) (*domain.ConversationState, error) {
	m.mu.Lock()
	raw, ok := m.states[conversationID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeState(raw)
}

func (m *MemoryStore) Save(_ context.Context, s *domain.ConversationState) error {
	raw, err := encodeState(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.states[s.ConversationID]; ok {
		var cur struct {
			Turns int `json:"turns"`
		}
		if err := json.Unmarshal(prev, &cur); err == nil && cur.Turns >= s.Turns {
			return ErrConflict
		}
	}
	m.states[s.ConversationID] = raw
	return nil
}
