package lock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// DynamoDB is an external ConditionalLock backed by a DynamoDB table with
// a single-attribute TTL expiry. The table needs only a string partition
// key ("lock_key") plus a "fence_token" and "expires_at" (epoch seconds)
// attribute; DynamoDB's own TTL sweep reclaims stale items, and the
// conditional PutItem below is what actually enforces mutual exclusion
// (TTL sweeps are best-effort and not timely enough to rely on alone).
type DynamoDB struct {
	client *dynamodb.Client
	table  string
	ttl    time.Duration
}

// NewDynamoDB creates a DynamoDB-backed lock against the given table.
func NewDynamoDB(client *dynamodb.Client, table string, ttl time.Duration) *DynamoDB {
	return &DynamoDB{client: client, table: table, ttl: ttl}
}

// TryLock performs a conditional PutItem that succeeds only if no item
// exists for the key, or the existing item's expires_at has passed.
func (l *DynamoDB) TryLock(ctx context.Context, key string) (Guard, error) {
	now := time.Now()
	token := uid.New()
	expiresAt := now.Add(l.ttl).Unix()

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			"lock_key":    &types.AttributeValueMemberS{Value: key},
			"fence_token": &types.AttributeValueMemberS{Value: token},
			"expires_at":  &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(lock_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil, nil
		}
		return nil, err
	}

	return newFuncGuard(func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.client.DeleteItem(releaseCtx, &dynamodb.DeleteItemInput{
			TableName: aws.String(l.table),
			Key: map[string]types.AttributeValue{
				"lock_key": &types.AttributeValueMemberS{Value: key},
			},
			ConditionExpression: aws.String("fence_token = :token"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":token": &types.AttributeValueMemberS{Value: token},
			},
		})
	}), nil
}
