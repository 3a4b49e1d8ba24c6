package ddblease

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veclake/veclake/builder"
)

// fakeDDB simulates DynamoDB conditional writes for one lock item.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	return item["lock_key"].(*types.AttributeValueMemberS).Value
}

func itemN(item map[string]types.AttributeValue, attr string) int64 {
	n, _ := strconv.ParseInt(item[attr].(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(params.Item)
	if existing, ok := f.items[key]; ok {
		now, _ := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
		if itemN(existing, "expires") >= now {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(params.Key)
	existing, ok := f.items[key]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	lease := params.ExpressionAttributeValues[":lease"].(*types.AttributeValueMemberS).Value
	if existing["lease_id"].(*types.AttributeValueMemberS).Value != lease {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeDDB(), "locks")

	require.NoError(t, store.Acquire(ctx, "idx", "ds=2026-01-01", "lease-a", time.Minute))

	// A second node cannot take a live lock.
	err := store.Acquire(ctx, "idx", "ds=2026-01-01", "lease-b", time.Minute)
	assert.ErrorIs(t, err, builder.ErrLockHeld)

	// Another partition of the same index is independent.
	require.NoError(t, store.Acquire(ctx, "idx", "ds=2026-01-02", "lease-b", time.Minute))

	require.NoError(t, store.Release(ctx, "idx", "ds=2026-01-01", "lease-a"))
	require.NoError(t, store.Acquire(ctx, "idx", "ds=2026-01-01", "lease-b", time.Minute))
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeDDB(), "locks")

	require.NoError(t, store.Acquire(ctx, "idx", "ds=2026-01-01", "crashed", -time.Second))
	require.NoError(t, store.Acquire(ctx, "idx", "ds=2026-01-01", "takeover", time.Minute))
}

func TestReleaseLostLockIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeDDB(), "locks")

	require.NoError(t, store.Acquire(ctx, "idx", "ds=2026-01-01", "crashed", -time.Second))
	require.NoError(t, store.Acquire(ctx, "idx", "ds=2026-01-01", "takeover", time.Minute))

	// The crashed node's deferred release must not drop the takeover's lock.
	require.NoError(t, store.Release(ctx, "idx", "ds=2026-01-01", "crashed"))
	err := store.Acquire(ctx, "idx", "ds=2026-01-01", "third", time.Minute)
	assert.ErrorIs(t, err, builder.ErrLockHeld)
}
