package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

// DynamoAPI is the subset of the DynamoDB client the tracker calls
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoTracker stores records in a table keyed by job_id (string hash key).
// Claims are conditional PutItem calls.
type DynamoTracker struct {
	client DynamoAPI
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// NewDynamoTracker creates a tracker on table
func NewDynamoTracker(client DynamoAPI, table string, logger *slog.Logger) *DynamoTracker {
	return &DynamoTracker{
		client: client,
		table:  table,
		logger: logger,
		now:    time.Now,
	}
}

// claimCondition lists the states a claim may overwrite
func claimCondition(force bool) string {
	cond := "attribute_not_exists(job_id) OR #s = :failed OR (#s = :in_progress AND lease_expires_at <= :now)"
	if force {
		cond += " OR #s = :completed"
	}
	return cond
}

func (d *DynamoTracker) TryBegin(ctx context.Context, jobID string, opts BeginOptions) (BeginResult, error) {
	now := d.now()

	values := map[string]types.AttributeValue{
		":failed":      str(string(StateFailed)),
		":in_progress": str(string(StateInProgress)),
		":now":         millis(now),
	}
	if opts.Force {
		values[":completed"] = str(string(StateCompleted))
	}

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"job_id":           str(jobID),
			"state":            str(string(StateInProgress)),
			"owner":            str(opts.Owner),
			"started_at":       millis(now),
			"lease_expires_at": millis(now.Add(opts.lease())),
		},
		ConditionExpression:       aws.String(claimCondition(opts.Force)),
		ExpressionAttributeNames:  map[string]string{"#s": "state"},
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return BeginResult{Outcome: Proceed}, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return BeginResult{}, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, jobID, err)
	}

	rec, err := d.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		// Released between the failed condition and the read; the next redelivery claims it
		return BeginResult{Outcome: AlreadyInProgress}, nil
	}
	if err != nil {
		return BeginResult{}, err
	}

	res := decide(rec, opts.Force, now)
	if res.Outcome == Proceed {
		// The condition lost against a state change we cannot see any more
		return BeginResult{Outcome: AlreadyInProgress}, nil
	}
	return res, nil
}

func (d *DynamoTracker) Extend(ctx context.Context, jobID, owner string, lease time.Duration) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 map[string]types.AttributeValue{"job_id": str(jobID)},
		UpdateExpression:    aws.String("SET lease_expires_at = :expires"),
		ConditionExpression: aws.String("#s = :in_progress AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires":     millis(d.now().Add(lease)),
			":in_progress": str(string(StateInProgress)),
			":owner":       str(owner),
		},
	})
	return ownerError("extend", jobID, err)
}

func (d *DynamoTracker) Complete(ctx context.Context, jobID, owner, resultRef string) error {
	return d.finish(ctx, jobID, owner, StateCompleted, map[string]types.AttributeValue{
		":ref":  str(resultRef),
		":kind": str(""),
		":msg":  str(""),
	})
}

func (d *DynamoTracker) Fail(ctx context.Context, jobID, owner string, kind domain.ErrorKind, message string) error {
	return d.finish(ctx, jobID, owner, StateFailed, map[string]types.AttributeValue{
		":kind": str(string(kind)),
		":msg":  str(message),
	})
}

func (d *DynamoTracker) finish(ctx context.Context, jobID, owner string, state State, values map[string]types.AttributeValue) error {
	values[":state"] = str(string(state))
	values[":now"] = millis(d.now())
	values[":in_progress"] = str(string(StateInProgress))
	values[":owner"] = str(owner)

	expr := "SET #s = :state, finished_at = :now, error_kind = :kind, error_message = :msg"
	if state == StateCompleted {
		expr += ", result_ref = :ref"
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 map[string]types.AttributeValue{"job_id": str(jobID)},
		UpdateExpression:    aws.String(expr),
		ConditionExpression: aws.String("#s = :in_progress AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
			"#o": "owner",
		},
		ExpressionAttributeValues: values,
	})
	return ownerError("finish", jobID, err)
}

func (d *DynamoTracker) Release(ctx context.Context, jobID, owner string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 map[string]types.AttributeValue{"job_id": str(jobID)},
		ConditionExpression: aws.String("#s = :in_progress AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":in_progress": str(string(StateInProgress)),
			":owner":       str(owner),
		},
	})
	return ownerError("release", jobID, err)
}

func (d *DynamoTracker) Get(ctx context.Context, jobID string) (*Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            map[string]types.AttributeValue{"job_id": str(jobID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return recordFromItem(out.Item), nil
}

func ownerError(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrNotOwner
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, jobID, err)
}

func recordFromItem(item map[string]types.AttributeValue) *Record {
	rec := &Record{
		JobID:          itemString(item, "job_id"),
		State:          State(itemString(item, "state")),
		ResultRef:      itemString(item, "result_ref"),
		Owner:          itemString(item, "owner"),
		ErrorKind:      domain.ErrorKind(itemString(item, "error_kind")),
		ErrorMessage:   itemString(item, "error_message"),
		StartedAt:      parseMillis(itemNumber(item, "started_at")),
		LeaseExpiresAt: parseMillis(itemNumber(item, "lease_expires_at")),
	}
	if finished := parseMillis(itemNumber(item, "finished_at")); !finished.IsZero() {
		rec.FinishedAt = &finished
	}
	return rec
}

func itemString(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemNumber(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		return v.Value
	}
	return ""
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}
