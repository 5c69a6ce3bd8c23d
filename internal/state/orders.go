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

// DynamoAPI is the subset of the DynamoDB client the stores use.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// OrderStore implements contracts.OrderStore on a DynamoDB table keyed by
// (run_id, order_num).
type OrderStore struct {
	client DynamoAPI
	table  string
}

// NewOrderStore creates an OrderStore for the given table.
func NewOrderStore(client DynamoAPI, table string) *OrderStore {
	return &OrderStore{client: client, table: table}
}

// Put inserts or replaces an order record, retrying transient failures.
func (s *OrderStore) Put(ctx context.Context, order *contracts.Order) error {
	if order == nil {
		return contracts.ErrInvalidInput
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()
	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshaling order %s/%s: %w", order.RunID, order.Num, err)
	}
	return withRetry(ctx, func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		return err
	})
}

// Get returns a single order, or contracts.ErrOrderNotFound.
func (s *OrderStore) Get(ctx context.Context, runID contracts.RunID, num contracts.OrderNum) (*contracts.Order, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       orderKey(runID, num),
	})
	if err != nil {
		return nil, fmt.Errorf("getting order %s/%s: %w", runID, num, err)
	}
	if out.Item == nil {
		return nil, contracts.ErrOrderNotFound
	}
	var order contracts.Order
	if err := attributevalue.UnmarshalMap(out.Item, &order); err != nil {
		return nil, fmt.Errorf("unmarshaling order %s/%s: %w", runID, num, err)
	}
	return &order, nil
}

// GetAll returns every order of a run in order-number order. The table's
// range key makes the query result already sorted.
func (s *OrderStore) GetAll(ctx context.Context, runID contracts.RunID) ([]*contracts.Order, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var orders []*contracts.Order
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("run_id = :r"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":r": &types.AttributeValueMemberS{Value: string(runID)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying orders for run %s: %w", runID, err)
		}
		var page []*contracts.Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshaling orders for run %s: %w", runID, err)
		}
		orders = append(orders, page...)
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return orders, nil
}

// UpdateStatus unconditionally sets the order's status plus any extra string
// fields. Unconditional on purpose: reconciliation is idempotent on terminal
// states.
func (s *OrderStore) UpdateStatus(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, status contracts.OrderStatus, extra map[string]string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	update := "SET #status = :status"
	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(status)},
	}
	i := 0
	for field, value := range extra {
		n := fmt.Sprintf("#f%d", i)
		v := fmt.Sprintf(":v%d", i)
		update += fmt.Sprintf(", %s = %s", n, v)
		names[n] = field
		values[v] = &types.AttributeValueMemberS{Value: value}
		i++
	}
	return withRetry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       orderKey(runID, num),
			UpdateExpression:          aws.String(update),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return err
	})
}

func orderKey(runID contracts.RunID, num contracts.OrderNum) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"run_id":    &types.AttributeValueMemberS{Value: string(runID)},
		"order_num": &types.AttributeValueMemberS{Value: string(num)},
	}
}
