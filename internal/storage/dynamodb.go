package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/reelplayer/pkg/models"
)

// Feed index settings
const (
	FeedIndexName    = "GSI1"
	FeedPartitionKey = "FEED"
	MaxFeedPageSize  = 100
)

// ErrInvalidCursor is returned for a cursor that was not produced by ListFeed.
var ErrInvalidCursor = errors.New("invalid feed cursor")

// DynamoDBAPI defines the DynamoDB operations used by the stores.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// FeedRepository reads feed items from DynamoDB.
type FeedRepository struct {
	client    DynamoDBAPI
	tableName string
}

// NewFeedRepository creates a FeedRepository for the table.
func NewFeedRepository(client DynamoDBAPI, tableName string) (*FeedRepository, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	return &FeedRepository{client: client, tableName: tableName}, nil
}

func videoKey(videoID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("VIDEO#%s", videoID)},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

// GetVideo retrieves a feed item by ID.
func (r *FeedRepository) GetVideo(ctx context.Context, videoID string) (*models.FeedVideo, error) {
	if videoID == "" {
		return nil, models.ErrMissingVideoID
	}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       videoKey(videoID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	var video models.FeedVideo
	if err := attributevalue.UnmarshalMap(result.Item, &video); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}

	return &video, nil
}

// ListFeed returns feed items newest first. The returned cursor is empty on
// the last page.
func (r *FeedRepository) ListFeed(ctx context.Context, limit int32, cursor string) ([]models.FeedVideo, string, error) {
	if limit <= 0 || limit > MaxFeedPageSize {
		limit = MaxFeedPageSize
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(FeedIndexName),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: FeedPartitionKey},
		},
		ScanIndexForward: aws.Bool(false), // newest first
		Limit:            aws.Int32(limit),
	}

	if cursor != "" {
		startKey, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = startKey
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list feed: %w", err)
	}

	var videos []models.FeedVideo
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &videos); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal feed: %w", err)
	}

	next, err := encodeCursor(result.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}

	return videos, next, nil
}

// encodeCursor turns a LastEvaluatedKey into an opaque string. Feed keys
// are all string attributes.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}

	var plain map[string]string
	if err := attributevalue.UnmarshalMap(key, &plain); err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	var plain map[string]string
	if err := json.Unmarshal(data, &plain); err != nil || len(plain) == 0 {
		return nil, ErrInvalidCursor
	}

	key, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return key, nil
}
