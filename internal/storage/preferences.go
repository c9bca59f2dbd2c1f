package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/reelplayer/pkg/models"
)

// Preference keys
const (
	KeyOnboardingCompleted = "onboarding_completed"
	KeyInterests           = "interests"
)

// KeyValueStore is a string key-value store scoped to one user.
// Get returns models.ErrPreferenceNotFound for a missing key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// PreferencesStore reads and writes typed user preferences.
type PreferencesStore struct {
	kv KeyValueStore
}

// NewPreferencesStore creates a PreferencesStore over kv.
func NewPreferencesStore(kv KeyValueStore) *PreferencesStore {
	return &PreferencesStore{kv: kv}
}

// OnboardingCompleted reports whether onboarding finished. A missing key
// means it did not.
func (s *PreferencesStore) OnboardingCompleted(ctx context.Context) (bool, error) {
	value, err := s.kv.Get(ctx, KeyOnboardingCompleted)
	if errors.Is(err, models.ErrPreferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	done, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", KeyOnboardingCompleted, value, err)
	}
	return done, nil
}

// SetOnboardingCompleted stores the onboarding flag.
func (s *PreferencesStore) SetOnboardingCompleted(ctx context.Context, done bool) error {
	return s.kv.Set(ctx, KeyOnboardingCompleted, strconv.FormatBool(done))
}

// Interests returns the selected interest ids, or nil when none are stored.
func (s *PreferencesStore) Interests(ctx context.Context) ([]string, error) {
	value, err := s.kv.Get(ctx, KeyInterests)
	if errors.Is(err, models.ErrPreferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var interests []string
	if err := json.Unmarshal([]byte(value), &interests); err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", KeyInterests, err)
	}
	return interests, nil
}

// SetInterests stores the selected interest ids.
func (s *PreferencesStore) SetInterests(ctx context.Context, interests []string) error {
	if interests == nil {
		interests = []string{}
	}
	data, err := json.Marshal(interests)
	if err != nil {
		return fmt.Errorf("failed to encode interests: %w", err)
	}
	return s.kv.Set(ctx, KeyInterests, string(data))
}

// Reset clears all stored preferences.
func (s *PreferencesStore) Reset(ctx context.Context) error {
	for _, key := range []string{KeyOnboardingCompleted, KeyInterests} {
		if err := s.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// preferenceItem is one preference row.
type preferenceItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	Value     string `dynamodbav:"value"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// DynamoKV stores one user's preferences in DynamoDB.
type DynamoKV struct {
	client    DynamoDBAPI
	tableName string
	userID    string
}

// NewDynamoKV creates a DynamoKV for the user.
func NewDynamoKV(client DynamoDBAPI, tableName, userID string) (*DynamoKV, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	return &DynamoKV{client: client, tableName: tableName, userID: userID}, nil
}

func (s *DynamoKV) key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "USER#" + s.userID},
		"sk": &types.AttributeValueMemberS{Value: "PREF#" + name},
	}
}

func (s *DynamoKV) Get(ctx context.Context, key string) (string, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get preference: %w", err)
	}
	if result.Item == nil {
		return "", models.ErrPreferenceNotFound
	}

	var item preferenceItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", fmt.Errorf("failed to unmarshal preference: %w", err)
	}
	return item.Value, nil
}

func (s *DynamoKV) Set(ctx context.Context, key, value string) error {
	item, err := attributevalue.MarshalMap(preferenceItem{
		PK:        "USER#" + s.userID,
		SK:        "PREF#" + key,
		Value:     value,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal preference: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put preference: %w", err)
	}
	return nil
}

func (s *DynamoKV) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete preference: %w", err)
	}
	return nil
}

// MemoryKV is an in-process KeyValueStore. The zero value is ready to use.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return "", models.ErrPreferenceNotFound
	}
	return value, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
