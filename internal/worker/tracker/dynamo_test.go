package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDynamo records calls and answers with canned results
type stubDynamo struct {
	putErr    error
	updateErr error
	deleteErr error
	item      map[string]types.AttributeValue
	getErr    error

	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
}

func (s *stubDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.puts = append(s.puts, in)
	return &dynamodb.PutItemOutput{}, s.putErr
}

func (s *stubDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.updates = append(s.updates, in)
	return &dynamodb.UpdateItemOutput{}, s.updateErr
}

func (s *stubDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: s.item}, s.getErr
}

func (s *stubDynamo) DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, s.deleteErr
}

func TestDynamoTracker_TryBegin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conditionFailed := &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}

	tests := []struct {
		name        string
		stub        *stubDynamo
		force       bool
		wantOutcome Outcome
		wantRef     string
		wantErr     error
	}{
		{
			name:        "claim written",
			stub:        &stubDynamo{},
			wantOutcome: Proceed,
		},
		{
			name: "completed record",
			stub: &stubDynamo{
				putErr: conditionFailed,
				item: map[string]types.AttributeValue{
					"job_id":     str("j1"),
					"state":      str(string(StateCompleted)),
					"result_ref": str("derived-1"),
				},
			},
			wantOutcome: AlreadyDone,
			wantRef:     "derived-1",
		},
		{
			name: "live lease",
			stub: &stubDynamo{
				putErr: conditionFailed,
				item: map[string]types.AttributeValue{
					"job_id":           str("j1"),
					"state":            str(string(StateInProgress)),
					"lease_expires_at": millis(now.Add(time.Minute)),
				},
			},
			force:       true,
			wantOutcome: AlreadyInProgress,
		},
		{
			name:    "throttled",
			stub:    &stubDynamo{putErr: errors.New("ProvisionedThroughputExceededException")},
			wantErr: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewDynamoTracker(tt.stub, "ocr_idempotency", logger.NewDiscard())
			tr.now = func() time.Time { return now }

			res, err := tr.TryBegin(context.Background(), "j1", BeginOptions{Owner: "w1", Force: tt.force})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantRef, res.ResultRef)

			require.Len(t, tt.stub.puts, 1)
			assert.Equal(t, claimCondition(tt.force), aws.ToString(tt.stub.puts[0].ConditionExpression))
		})
	}
}

func TestDynamoTracker_OwnerChecks(t *testing.T) {
	stub := &stubDynamo{
		updateErr: &types.ConditionalCheckFailedException{},
		deleteErr: &types.ConditionalCheckFailedException{},
	}
	tr := NewDynamoTracker(stub, "ocr_idempotency", logger.NewDiscard())

	ctx := context.Background()

	assert.ErrorIs(t, tr.Extend(ctx, "j1", "w2", time.Minute), ErrNotOwner)
	assert.ErrorIs(t, tr.Complete(ctx, "j1", "w2", "derived-1"), ErrNotOwner)
	assert.ErrorIs(t, tr.Fail(ctx, "j1", "w2", domain.KindTimeout, "job timed out"), ErrNotOwner)
	assert.ErrorIs(t, tr.Release(ctx, "j1", "w2"), ErrNotOwner)

	require.Len(t, stub.updates, 3)
	for _, in := range stub.updates {
		assert.Equal(t, "#s = :in_progress AND #o = :owner", aws.ToString(in.ConditionExpression))
		assert.Equal(t, str("w2"), in.ExpressionAttributeValues[":owner"])
	}
}

func TestDynamoTracker_Finish(t *testing.T) {
	tests := []struct {
		name      string
		settle    func(tr *DynamoTracker) error
		wantState string
		wantRef   bool
	}{
		{
			name:      "complete",
			settle:    func(tr *DynamoTracker) error { return tr.Complete(context.Background(), "j1", "w1", "derived-1") },
			wantState: string(StateCompleted),
			wantRef:   true,
		},
		{
			name: "fail",
			settle: func(tr *DynamoTracker) error {
				return tr.Fail(context.Background(), "j1", "w1", domain.KindPermanent, "corrupt")
			},
			wantState: string(StateFailed),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubDynamo{}
			tr := NewDynamoTracker(stub, "ocr_idempotency", logger.NewDiscard())

			require.NoError(t, tt.settle(tr))
			require.Len(t, stub.updates, 1)

			in := stub.updates[0]
			assert.Equal(t, str(tt.wantState), in.ExpressionAttributeValues[":state"])
			assert.Equal(t, tt.wantRef, strings.Contains(aws.ToString(in.UpdateExpression), "result_ref"))
		})
	}
}

func TestClaimCondition(t *testing.T) {
	assert.NotContains(t, claimCondition(false), ":completed")
	assert.Contains(t, claimCondition(true), "#s = :completed")
}

func TestRecordFromItem(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	rec := recordFromItem(map[string]types.AttributeValue{
		"job_id":      str("j1"),
		"state":       str(string(StateFailed)),
		"error_kind":  str("PermanentError"),
		"finished_at": millis(finished),
	})

	assert.Equal(t, "j1", rec.JobID)
	assert.Equal(t, StateFailed, rec.State)
	require.NotNil(t, rec.FinishedAt)
	assert.True(t, finished.Equal(*rec.FinishedAt))
	assert.True(t, rec.StartedAt.IsZero())
}
