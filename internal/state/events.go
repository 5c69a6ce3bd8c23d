package state

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/anthropics/exec-engine/contracts"
)

// EventStore implements contracts.EventStore on a DynamoDB table keyed by
// (trace_id, sort_key).
type EventStore struct {
	client DynamoAPI
	table  string
}

// NewEventStore creates an EventStore for the given table.
func NewEventStore(client DynamoAPI, table string) *EventStore {
	return &EventStore{client: client, table: table}
}

// Append writes one event, retrying transient failures. Events are
// append-only; an identical-millisecond collision within one order overwrites
// by arrival, which no consumer relies on.
func (s *EventStore) Append(ctx context.Context, event *contracts.OrderEvent) error {
	if event == nil {
		return contracts.ErrInvalidInput
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	item, err := attributevalue.MarshalMap(event)
	if err != nil {
		return fmt.Errorf("marshaling event %s/%s: %w", event.TraceID, event.SortKey, err)
	}
	return withRetry(ctx, func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		return err
	})
}

// QueryByTrace returns events for a trace in sort-key order, optionally
// filtered by a sort key prefix such as "<order_name>:".
func (s *EventStore) QueryByTrace(ctx context.Context, traceID contracts.TraceID, prefix string) ([]*contracts.OrderEvent, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	cond := "trace_id = :t"
	values := map[string]types.AttributeValue{
		":t": &types.AttributeValueMemberS{Value: string(traceID)},
	}
	if prefix != "" {
		cond += " AND begins_with(sort_key, :p)"
		values[":p"] = &types.AttributeValueMemberS{Value: prefix}
	}

	var events []*contracts.OrderEvent
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying events for trace %s: %w", traceID, err)
		}
		var page []*contracts.OrderEvent
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshaling events for trace %s: %w", traceID, err)
		}
		events = append(events, page...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return events, nil
}
