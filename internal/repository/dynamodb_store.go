package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"shipment-qna/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	skState     = "STATE#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps one conversation per partition: the STATE# checkpoint,
// the META# summary and one MSG# transcript item per completed turn.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &DynamoStore{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

func (d *DynamoStore) key(conversationID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Load returns the checkpoint, or nil when the conversation is new. A
// checkpoint from an unsupported layout is replaced by history rebuilt from
// the transcript.
func (d *DynamoStore) Load(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(conversationID, skState),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	raw, err := strAttr(out.Item, "state")
	if err != nil {
		return nil, fmt.Errorf("repository: Load: %w", err)
	}
	state, err := decodeState([]byte(raw))
	if errors.Is(err, ErrUnsupportedVersion) {
		return d.rebuild(ctx, conversationID, out.Item)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: Load: %w", err)
	}
	return state, nil
}

func (d *DynamoStore) rebuild(ctx context.Context, conversationID string, item map[string]types.AttributeValue) (*domain.ConversationState, error) {
	msgs, err := d.Transcript(ctx, conversationID, maxTranscriptItems)
	if err != nil {
		return nil, fmt.Errorf("repository: Load rebuild: %w", err)
	}
	state := domain.NewConversationState(conversationID)
	state.Turns, _ = intAttr(item, "turns")
	for _, m := range msgs {
		state.AppendExchange(m.Text, m.Answer, 0)
	}
	return state, nil
}

// Transcript returns up to limit completed turns, oldest first.
func (d *DynamoStore) Transcript(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Newest first so the limit keeps the most recent turns.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := d.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: Transcript query: %w", err)
	}
	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: Transcript unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Save commits the checkpoint, the turn's transcript item and the metadata
// in one transaction. The checkpoint write only succeeds over an older turn
// count, so a stale writer gets ErrConflict instead of overwriting.
func (d *DynamoStore) Save(ctx context.Context, s *domain.ConversationState) error {
	raw, err := encodeState(s)
	if err != nil {
		return err
	}
	now := d.now().UTC()
	ttl := strconv.FormatInt(now.Add(d.ttl).Unix(), 10)
	turns := strconv.Itoa(s.Turns)

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName: aws.String(d.tableName),
				Item: map[string]types.AttributeValue{
					"PK":      &types.AttributeValueMemberS{Value: convPK(s.ConversationID)},
					"SK":      &types.AttributeValueMemberS{Value: skState},
					"state":   &types.AttributeValueMemberS{Value: string(raw)},
					"version": &types.AttributeValueMemberN{Value: strconv.Itoa(s.Version)},
					"turns":   &types.AttributeValueMemberN{Value: turns},
					"ttl":     &types.AttributeValueMemberN{Value: ttl},
				},
				ConditionExpression: aws.String("attribute_not_exists(PK) OR turns < :turns"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":turns": &types.AttributeValueMemberN{Value: turns},
				},
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(d.tableName),
				Item: map[string]types.AttributeValue{
					"PK":             &types.AttributeValueMemberS{Value: convPK(s.ConversationID)},
					"SK":             &types.AttributeValueMemberS{Value: skMeta},
					"conversationId": &types.AttributeValueMemberS{Value: s.ConversationID},
					"lastActivity":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
					"turns":          &types.AttributeValueMemberN{Value: turns},
					"tokens":         &types.AttributeValueMemberN{Value: strconv.Itoa(s.Usage.TotalTokens)},
					"ttl":            &types.AttributeValueMemberN{Value: ttl},
				},
			},
		},
	}
	if strings.TrimSpace(s.Turn.Question) != "" {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(d.tableName),
				Item:                messageItem(transcriptMessage(s, now, d.ttl)),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}

	_, err = d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && conditionFailed(canceled) {
			return fmt.Errorf("repository: Save: %w", ErrConflict)
		}
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

func conditionFailed(e *types.TransactionCanceledException) bool {
	for _, r := range e.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Message{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	answer, _ := strAttr(item, "answer")
	intent, _ := strAttr(item, "intent")
	status, _ := strAttr(item, "status")
	tokens, _ := intAttr(item, "tokens")

	return domain.Message{
		PK:     pk,
		SK:     sk,
		Text:   text,
		Answer: answer,
		Intent: intent,
		Tokens: tokens,
		Status: status,
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: msg.PK},
		"SK":             &types.AttributeValueMemberS{Value: msg.SK},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"text":           &types.AttributeValueMemberS{Value: msg.Text},
		"answer":         &types.AttributeValueMemberS{Value: msg.Answer},
		"intent":         &types.AttributeValueMemberS{Value: msg.Intent},
		"tokens":         &types.AttributeValueMemberN{Value: strconv.Itoa(msg.Tokens)},
		"status":         &types.AttributeValueMemberS{Value: msg.Status},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.TTL, 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
