// Package repository persists the daily token usage state.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"restaurant-rag/internal/domain"
)

const (
	pkPrefixUsage = "USAGE#"
	skState       = "STATE"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client stores one usage record per tracker name in a DynamoDB table. Writes
// are conditional on the record version so concurrent workers cannot lose
// each other's charges.
type Client struct {
	api       dynamodbAPI
	tableName string
	name      string
}

// New creates a new repository Client. name scopes the record so several
// deployments can share a table.
func New(api dynamodbAPI, tableName, name string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	return &Client{api: api, tableName: tableName, name: name}, nil
}

// usagePK returns the DynamoDB partition key for a usage record.
func usagePK(name string) string {
	return pkPrefixUsage + name
}

func (c *Client) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: usagePK(c.name)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// Load returns the stored usage state, or the zero state when none exists.
func (c *Client) Load(ctx context.Context) (domain.UsageState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.UsageState{}, nil
	}

	st, err := itemToState(out.Item)
	if err != nil {
		return domain.UsageState{}, fmt.Errorf("repository: Load decode: %w", err)
	}
	return st, nil
}

// Save writes state if the stored version still equals state.Version. A lost
// race returns domain.ErrVersionConflict.
func (c *Client) Save(ctx context.Context, state domain.UsageState) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      c.stateItem(state, state.Version+1),
	}
	if state.Version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("#v = :expected")
		in.ExpressionAttributeNames = map[string]string{"#v": "version"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(state.Version, 10)},
		}
	}

	_, err := c.api.PutItem(ctx, in)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.ErrVersionConflict
		}
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

func (c *Client) stateItem(st domain.UsageState, version int64) map[string]types.AttributeValue {
	usage := make(map[string]types.AttributeValue, len(st.UsageByModel))
	for model, tokens := range st.UsageByModel {
		usage[model] = &types.AttributeValueMemberN{Value: strconv.FormatInt(tokens, 10)}
	}
	item := c.key()
	item["date"] = &types.AttributeValueMemberS{Value: st.Date}
	item["activeTier"] = &types.AttributeValueMemberS{Value: string(st.ActiveTier)}
	item["usage"] = &types.AttributeValueMemberM{Value: usage}
	item["lastCompletedRow"] = &types.AttributeValueMemberN{Value: strconv.Itoa(st.LastCompletedRow)}
	item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	return item
}

// itemToState converts a DynamoDB attribute map to a UsageState.
func itemToState(item map[string]types.AttributeValue) (domain.UsageState, error) {
	date, err := strAttr(item, "date")
	if err != nil {
		return domain.UsageState{}, err
	}
	tier, err := strAttr(item, "activeTier")
	if err != nil {
		return domain.UsageState{}, err
	}
	row, err := intAttr(item, "lastCompletedRow")
	if err != nil {
		return domain.UsageState{}, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.UsageState{}, err
	}

	usage := map[string]int64{}
	if raw, ok := item["usage"]; ok {
		m, ok := raw.(*types.AttributeValueMemberM)
		if !ok {
			return domain.UsageState{}, errors.New(`repository: attribute "usage" is not a map`)
		}
		for model := range m.Value {
			n, err := intAttr(m.Value, model)
			if err != nil {
				return domain.UsageState{}, err
			}
			usage[model] = n
		}
	}

	return domain.UsageState{
		ActiveTier:       domain.Tier(tier),
		Date:             date,
		UsageByModel:     usage,
		LastCompletedRow: int(row),
		Version:          version,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
