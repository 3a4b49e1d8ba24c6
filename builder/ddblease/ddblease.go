// Package ddblease provides a DynamoDB-backed builder.Coordinator for
// deployments where builder nodes do not share a catalog database.
// DynamoDB conditional writes supply the compare-and-swap semantics.
//
// Table schema: partition key lock_key (string). Create with:
//
//	aws dynamodb create-table \
//	  --table-name veclake-build-locks \
//	  --attribute-definitions AttributeName=lock_key,AttributeType=S \
//	  --key-schema AttributeName=lock_key,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package ddblease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/veclake/veclake/builder"
	"github.com/veclake/veclake/model"
)

// DDBClient is the subset of the DynamoDB API the store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Compile-time check.
var _ builder.Coordinator = (*Store)(nil)

// Store implements builder.Coordinator on a DynamoDB table.
type Store struct {
	client    DDBClient
	tableName string
}

// NewStore creates a DynamoDB lease store.
func NewStore(client DDBClient, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

func lockKey(indexID string, key model.PartitionKey) string {
	return indexID + "/" + string(key)
}

// Acquire takes the lock with a conditional put: it succeeds only when no
// item exists or the existing lease has expired.
func (s *Store) Acquire(ctx context.Context, indexID string, key model.PartitionKey, leaseID string, ttl time.Duration) error {
	now := time.Now()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: lockKey(indexID, key)},
			"lease_id": &types.AttributeValueMemberS{Value: leaseID},
			"expires":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).UnixNano(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expires < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: partition %q", builder.ErrLockHeld, key)
		}
		return fmt.Errorf("ddblease: acquire %q: %w", key, err)
	}
	return nil
}

// Release drops the lock if this lease still holds it. A lock already
// taken over by another lease is left alone.
func (s *Store) Release(ctx context.Context, indexID string, key model.PartitionKey, leaseID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: lockKey(indexID, key)},
		},
		ConditionExpression: aws.String("lease_id = :lease"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lease": &types.AttributeValueMemberS{Value: leaseID},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("ddblease: release %q: %w", key, err)
	}
	return nil
}
