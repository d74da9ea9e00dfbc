package cache

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
)

const (
	attrPK    = "PK"
	attrValue = "value"
	attrTTL   = "ttl"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDB.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDB is a Cache stored in a DynamoDB table with TTL enabled on the
// "ttl" attribute. DynamoDB removes expired items lazily, so reads also
// treat an elapsed ttl as a miss.
type DynamoDB struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoDB creates a DynamoDB-backed cache.
func NewDynamoDB(api dynamodbAPI, tableName string) (*DynamoDB, error) {
	if api == nil {
		return nil, errors.New("cache: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("cache: table name must not be empty")
	}
	return &DynamoDB{api: api, tableName: tableName, now: time.Now}, nil
}

func (d *DynamoDB) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: k},
	}
}

// Get implements Cache.
func (d *DynamoDB) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: dynamodb get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrMiss
	}

	expires, err := numberAttr(out.Item, attrTTL)
	if err != nil {
		return nil, fmt.Errorf("cache: dynamodb get %q: %w", key, err)
	}
	if expires <= d.now().Unix() {
		return nil, ErrMiss
	}

	v, ok := out.Item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("cache: dynamodb get %q: attribute %q is not binary", key, attrValue)
	}
	return v.Value, nil
}

// Set implements Cache.
func (d *DynamoDB) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := d.key(key)
	item[attrValue] = &types.AttributeValueMemberB{Value: value}
	item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Add(ttl).Unix(), 10)}

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("cache: dynamodb set %q: %w", key, err)
	}
	return nil
}

// Delete implements Cache. An item whose ttl has elapsed but that DynamoDB
// has not yet reaped counts as absent.
func (d *DynamoDB) Delete(ctx context.Context, key string) (bool, error) {
	out, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.tableName),
		Key:          d.key(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("cache: dynamodb delete %q: %w", key, err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return false, nil
	}
	expires, err := numberAttr(out.Attributes, attrTTL)
	if err != nil {
		return false, fmt.Errorf("cache: dynamodb delete %q: %w", key, err)
	}
	return expires > d.now().Unix(), nil
}

// Exists implements Cache.
func (d *DynamoDB) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Ping implements Cache.
func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.tableName)})
	if err != nil {
		return fmt.Errorf("cache: dynamodb describe table: %w", err)
	}
	return nil
}

func numberAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
