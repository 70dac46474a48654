package repository

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

	"caramelo-gateway/internal/domain"
)

const (
	pkPrefixEntitlement = "ENTITLEMENT#"
	pkPrefixEvent       = "EVENT#"
	skState             = "STATE"
	skReceipt           = "RECEIPT"
)

// dynamodbAPI is the minimal DynamoDB interface required by the stores.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps entitlements in a single PK/SK table shared with DynamoEventLog.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if err := checkTable(api, tableName); err != nil {
		return nil, err
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func checkTable(api dynamodbAPI, tableName string) error {
	if api == nil {
		return errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return errors.New("repository: table name must not be empty")
	}
	return nil
}

func entitlementPK(id string) string {
	return pkPrefixEntitlement + id
}

func (s *DynamoStore) Get(ctx context.Context, identifier string) (domain.Entitlement, bool, error) {
	id, err := normalizeKey(identifier)
	if err != nil {
		return domain.Entitlement{}, false, err
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: entitlementPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Entitlement{}, false, fmt.Errorf("repository: Get get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Entitlement{}, false, nil
	}
	e, err := itemToEntitlement(out.Item)
	if err != nil {
		return domain.Entitlement{}, false, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	e.Identifier = id
	return e, true, nil
}

func (s *DynamoStore) Set(ctx context.Context, e domain.Entitlement) error {
	id, err := normalizeKey(e.Identifier)
	if err != nil {
		return err
	}
	e.Identifier = id
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      entitlementItem(e),
	})
	if err != nil {
		return fmt.Errorf("repository: Set: %w", err)
	}
	return nil
}

// DynamoEventLog writes one receipt item per event ID with a conditional put.
// Receipts carry a numeric "ttl" attribute for DynamoDB TTL expiry.
type DynamoEventLog struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamoEventLog(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoEventLog, error) {
	if err := checkTable(api, tableName); err != nil {
		return nil, err
	}
	return &DynamoEventLog{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func (l *DynamoEventLog) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	id, err := cleanEventID(eventID)
	if err != nil {
		return false, err
	}
	now := l.now().UTC()
	_, err = l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: pkPrefixEvent + id},
			"SK":         &types.AttributeValueMemberS{Value: skReceipt},
			"receivedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(l.ttl).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("repository: FirstSeen: %w", err)
	}
	return true, nil
}

func (l *DynamoEventLog) Forget(ctx context.Context, eventID string) error {
	id, err := cleanEventID(eventID)
	if err != nil {
		return err
	}
	_, err = l.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkPrefixEvent + id},
			"SK": &types.AttributeValueMemberS{Value: skReceipt},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Forget: %w", err)
	}
	return nil
}

func entitlementItem(e domain.Entitlement) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: entitlementPK(e.Identifier)},
		"SK":         &types.AttributeValueMemberS{Value: skState},
		"identifier": &types.AttributeValueMemberS{Value: e.Identifier},
		"status":     &types.AttributeValueMemberS{Value: string(e.Status)},
		"source":     &types.AttributeValueMemberS{Value: e.Source},
		"updatedAt":  &types.AttributeValueMemberS{Value: e.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if !e.EventAt.IsZero() {
		item["eventAt"] = &types.AttributeValueMemberS{Value: e.EventAt.UTC().Format(time.RFC3339Nano)}
	}
	return item
}

func itemToEntitlement(item map[string]types.AttributeValue) (domain.Entitlement, error) {
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Entitlement{}, err
	}
	source, _ := strAttr(item, "source") // allow empty
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Entitlement{}, err
	}
	eventAt, err := timeAttr(item, "eventAt")
	if err != nil {
		return domain.Entitlement{}, err
	}
	return domain.Entitlement{
		Status:    domain.EntitlementStatus(status),
		Source:    source,
		UpdatedAt: updatedAt,
		EventAt:   eventAt,
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

// timeAttr returns the zero time when the attribute is absent.
func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	if _, ok := item[key]; !ok {
		return time.Time{}, nil
	}
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
