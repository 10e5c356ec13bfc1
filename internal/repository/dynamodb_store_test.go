package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"shipment-qna/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastQueryIn  *dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func makeMsgItem(sk, text, answer string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":     &types.AttributeValueMemberS{Value: sk},
		"text":   &types.AttributeValueMemberS{Value: text},
		"answer": &types.AttributeValueMemberS{Value: answer},
		"status": &types.AttributeValueMemberS{Value: statusComplete},
		"tokens": &types.AttributeValueMemberN{Value: "12"},
	}
}

func stateItem(raw string, turns int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":    &types.AttributeValueMemberS{Value: skState},
		"state": &types.AttributeValueMemberS{Value: raw},
		"turns": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turns)},
	}
}

func mustNewStore(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "test-table", 0)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC) }
	return s
}

func sampleState() *domain.ConversationState {
	s := domain.NewConversationState("abc")
	s.Turns = 3
	s.BeginTurn("where is ABCD1234567", []string{"7"}, time.Now())
	s.Turn.Answer = "At sea."
	s.Turn.Intent = domain.IntentRetrieval
	s.AddUsage(domain.Usage{TotalTokens: 40})
	return s
}

func TestNewDynamoStore_Validates(t *testing.T) {
	_, err := NewDynamoStore(nil, "t", 0)
	require.ErrorContains(t, err, "must not be nil")
	_, err = NewDynamoStore(&fakeDynamo{}, " ", 0)
	require.ErrorContains(t, err, "must not be empty")
}

func TestLoad_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustNewStore(t, db)
	state, err := s.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Nil(t, state)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, skState, db.lastGetInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestLoad_DecodesState(t *testing.T) {
	raw, err := encodeState(sampleState())
	require.NoError(t, err)
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: stateItem(string(raw), 3)}}
	s := mustNewStore(t, db)

	state, err := s.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 3, state.Turns)
	require.Equal(t, "At sea.", state.Turn.Answer)
	require.Equal(t, 40, state.Usage.TotalTokens)
}

func TestLoad_GetItemError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := s.Load(context.Background(), "abc")
	require.ErrorContains(t, err, "Load get item")
}

func TestLoad_MalformedState(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: stateItem("{not json", 1)}})
	_, err := s.Load(context.Background(), "abc")
	require.ErrorContains(t, err, "decode state")
}

func TestLoad_NewerVersionRebuildsFromTranscript(t *testing.T) {
	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{Item: stateItem(`{"version":99,"conversation_id":"abc"}`, 5)},
		queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
			makeMsgItem("MSG#2025-03-10T12:00:00Z", "newer", "b"),
			makeMsgItem("MSG#2025-03-10T11:00:00Z", "older", "a"),
		}},
	}
	s := mustNewStore(t, db)

	state, err := s.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 5, state.Turns)
	require.Equal(t, domain.StateVersion, state.Version)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "older"}, {Role: domain.RoleAssistant, Content: "a"},
		{Role: domain.RoleUser, Content: "newer"}, {Role: domain.RoleAssistant, Content: "b"},
	}, state.Messages)
}

func TestTranscript_QueryShapeAndOrder(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		makeMsgItem("MSG#2025-03-10T12:00:00Z", "newer", ""),
		makeMsgItem("MSG#2025-03-10T11:00:00Z", "older", ""),
	}}}
	s := mustNewStore(t, db)

	msgs, err := s.Transcript(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Equal(t, "older", msgs[0].Text)
	require.Equal(t, 12, msgs[1].Tokens)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(20), *db.lastQueryIn.Limit)
}

func TestTranscript_Errors(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := s.Transcript(context.Background(), "abc", 0)
	require.ErrorContains(t, err, "Transcript query")

	bad := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK": &types.AttributeValueMemberS{Value: "MSG#ts"},
	}
	s = mustNewStore(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{bad}}})
	_, err = s.Transcript(context.Background(), "abc", 0)
	require.ErrorContains(t, err, "text")
}

func TestSave_WritesCheckpointMetaAndTranscript(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.Save(context.Background(), sampleState()))
	items := db.lastTxInput.TransactItems
	require.Len(t, items, 3)

	st := items[0].Put
	require.Equal(t, "attribute_not_exists(PK) OR turns < :turns", *st.ConditionExpression)
	require.Equal(t, "3", st.ExpressionAttributeValues[":turns"].(*types.AttributeValueMemberN).Value)
	require.Contains(t, st.Item["state"].(*types.AttributeValueMemberS).Value, `"conversation_id":"abc"`)

	require.Equal(t, skMeta, items[1].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "40", items[1].Put.Item["tokens"].(*types.AttributeValueMemberN).Value)

	msg := items[2].Put
	require.Equal(t, "MSG#2025-03-10T15:00:00Z", msg.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "At sea.", msg.Item["answer"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "retrieval", msg.Item["intent"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *msg.ConditionExpression)
}

func TestSave_SkipsTranscriptWithoutQuestion(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	state := domain.NewConversationState("abc")
	state.Turns = 1
	require.NoError(t, s.Save(context.Background(), state))
	require.Len(t, db.lastTxInput.TransactItems, 2)
}

func TestSave_ConditionFailureIsConflict(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}, {Code: aws.String("None")}},
	}}
	s := mustNewStore(t, db)
	err := s.Save(context.Background(), sampleState())
	require.ErrorIs(t, err, ErrConflict)
}

func TestSave_DynamoError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{txErr: errors.New("throttled")})
	err := s.Save(context.Background(), sampleState())
	require.ErrorContains(t, err, "Save")
	require.NotErrorIs(t, err, ErrConflict)
}

func TestSave_RequiresConversationID(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	require.Error(t, s.Save(context.Background(), &domain.ConversationState{}))
}

func TestMsgSK(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "MSG#2026-02-25T10:00:00Z", msgSK(ts))
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}
