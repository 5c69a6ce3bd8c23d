package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/anthropics/exec-engine/contracts"
)

// LockStore implements contracts.LockStore on a DynamoDB table keyed by
// lock_id = "lock:<run_id>". The conditional put is the mutual-exclusion
// primitive: correctness of the whole orchestrator rests on its atomicity.
type LockStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewLockStore creates a LockStore for the given table.
func NewLockStore(client DynamoAPI, table string) *LockStore {
	return &LockStore{client: client, table: table, now: time.Now}
}

// LockID returns the lock record key for a run.
func LockID(runID contracts.RunID) string {
	return "lock:" + string(runID)
}

// Acquire conditionally creates or takes over the run's lock. Succeeds when
// no record exists or the existing record is completed; returns
// contracts.ErrLockContended otherwise. The condition-failed outcome is never
// retried.
func (s *LockStore) Acquire(ctx context.Context, runID contracts.RunID, holder contracts.HolderID, flowID contracts.FlowID, traceID contracts.TraceID, ttl time.Duration) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	now := s.now()
	lock := contracts.RunLock{
		LockID:     LockID(runID),
		HolderID:   holder,
		State:      contracts.LockActive,
		AcquiredAt: now.UnixMilli(),
		FlowID:     flowID,
		TraceID:    traceID,
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	item, err := attributevalue.MarshalMap(lock)
	if err != nil {
		return fmt.Errorf("marshaling lock for run %s: %w", runID, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(lock_id) OR #s = :completed"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(contracts.LockCompleted)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return contracts.ErrLockContended
		}
		return fmt.Errorf("acquiring lock for run %s: %w", runID, err)
	}
	return nil
}

// Release unconditionally marks the lock completed.
func (s *LockStore) Release(ctx context.Context, runID contracts.RunID) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	return withRetry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"lock_id": &types.AttributeValueMemberS{Value: LockID(runID)},
			},
			UpdateExpression: aws.String("SET #s = :completed"),
			ExpressionAttributeNames: map[string]string{
				"#s": "state",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":completed": &types.AttributeValueMemberS{Value: string(contracts.LockCompleted)},
			},
		})
		return err
	})
}
