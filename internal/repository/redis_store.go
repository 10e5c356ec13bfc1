package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"shipment-qna/internal/domain"
)

const redisKeyPrefix = "shipment_qna:"

// RedisStore keeps the checkpoint as one JSON value and the transcript as a
// capped list, both expiring together.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		redis:  client,
		ttl:    ttl,
		tracer: otel.Tracer("shipment-qna.repository.redis"),
		now:    time.Now,
	}, nil
}

func stateKey(conversationID string) string {
	return redisKeyPrefix + "state:" + conversationID
}

func transcriptKey(conversationID string) string {
	return redisKeyPrefix + "transcript:" + conversationID
}

func (r *RedisStore) Load(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	ctx, span := r.tracer.Start(ctx, "repository.redis.load")
	defer span.End()

	raw, err := r.redis.Get(ctx, stateKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("repository: redis load: %w", err)
	}
	return decodeState(raw)
}

// Save writes the checkpoint under WATCH so a writer holding an older turn
// count fails with ErrConflict.
func (r *RedisStore) Save(ctx context.Context, s *domain.ConversationState) error {
	raw, err := encodeState(s)
	if err != nil {
		return err
	}
	ctx, span := r.tracer.Start(ctx, "repository.redis.save")
	defer span.End()

	key := stateKey(s.ConversationID)
	tKey := transcriptKey(s.ConversationID)
	var entry []byte
	if s.Turn.Question != "" {
		entry, err = json.Marshal(transcriptMessage(s, r.now().UTC(), r.ttl))
		if err != nil {
			return fmt.Errorf("repository: encode transcript: %w", err)
		}
	}

	err = r.redis.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cur struct {
				Turns int `json:"turns"`
			}
			if json.Unmarshal(prev, &cur) == nil && cur.Turns >= s.Turns {
				return ErrConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, r.ttl)
			if entry != nil {
				pipe.RPush(ctx, tKey, entry)
				pipe.LTrim(ctx, tKey, -maxTranscriptItems, -1)
				pipe.Expire(ctx, tKey, r.ttl)
			}
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		span.RecordError(err)
		return fmt.Errorf("repository: redis save: %w", ErrConflict)
	default:
		span.RecordError(err)
		return fmt.Errorf("repository: redis save: %w", err)
	}
}

// Transcript returns up to limit completed turns, oldest first.
func (r *RedisStore) Transcript(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := r.redis.LRange(ctx, transcriptKey(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("repository: redis transcript: %w", err)
	}
	out := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		var m domain.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
