package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/enterprise-email/mailplane/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrQuotaExists   = errors.New("quota already exists")
	ErrQuotaNotFound = errors.New("quota not found")
)

// HardLimitError reports which level rejected an atomic commit.
type HardLimitError struct {
	Level    Level
	EntityID string
}

func (e *HardLimitError) Error() string {
	return fmt.Sprintf("hard quota limit exceeded at %s %s", e.Level, e.EntityID)
}

const (
	skQuota      = "QUOTA"
	prefixParent = "QPARENT#"
)

const (
	attrLevel       = "level"
	attrEntityID    = "entityId"
	attrParentID    = "parentId"
	attrTotalBytes  = "totalBytes"
	attrUsedBytes   = "usedBytes"
	attrObjectCount = "objectCount"
	attrSoftPct     = "softLimitPct"
	attrHardPct     = "hardLimitPct"
	attrCreatedAt   = "createdAt"
	attrUpdatedAt   = "updatedAt"
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Repository handles quota persistence.
type Repository struct {
	client    DynamoDBClient
	tableName string
	now       func() time.Time
}

// NewRepository creates a new Repository.
func NewRepository(client DynamoDBClient, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func quotaPK(level Level, entityID string) string {
	return dynamo.PrefixQuota + string(level) + "#" + entityID
}

// Create writes a new quota node. Fails with ErrQuotaExists if the entity
// already has one at this level.
func (r *Repository) Create(ctx context.Context, q *Quota) error {
	now := r.now().UTC()
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:   &types.AttributeValueMemberS{Value: quotaPK(q.Level, q.EntityID)},
		dynamo.AttrSK:   &types.AttributeValueMemberS{Value: skQuota},
		attrLevel:       &types.AttributeValueMemberS{Value: string(q.Level)},
		attrEntityID:    &types.AttributeValueMemberS{Value: q.EntityID},
		attrTotalBytes:  &types.AttributeValueMemberN{Value: strconv.FormatInt(q.TotalBytes, 10)},
		attrUsedBytes:   &types.AttributeValueMemberN{Value: strconv.FormatInt(q.UsedBytes, 10)},
		attrObjectCount: &types.AttributeValueMemberN{Value: strconv.FormatInt(q.ObjectCount, 10)},
		attrSoftPct:     &types.AttributeValueMemberN{Value: strconv.Itoa(q.SoftLimitPct)},
		attrHardPct:     &types.AttributeValueMemberN{Value: strconv.Itoa(q.HardLimitPct)},
		attrCreatedAt:   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		attrUpdatedAt:   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if q.ParentID != "" {
		item[attrParentID] = &types.AttributeValueMemberS{Value: q.ParentID}
		item[dynamo.AttrGSI1PK] = &types.AttributeValueMemberS{Value: prefixParent + q.ParentID}
		item[dynamo.AttrGSI1SK] = &types.AttributeValueMemberS{Value: string(q.Level) + "#" + q.EntityID}
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrQuotaExists
		}
		return fmt.Errorf("create quota: %w", err)
	}
	return nil
}

// Get fetches one quota node.
func (r *Repository) Get(ctx context.Context, level Level, entityID string) (*Quota, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: quotaPK(level, entityID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: skQuota},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	if output.Item == nil {
		return nil, ErrQuotaNotFound
	}
	return unmarshalQuota(output.Item), nil
}

// UpdateLimits changes the size and threshold configuration of a node
// without touching its usage counters.
func (r *Repository) UpdateLimits(ctx context.Context, level Level, entityID string, totalBytes int64, softPct, hardPct int) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: quotaPK(level, entityID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: skQuota},
		},
		UpdateExpression: aws.String("SET " + attrTotalBytes + " = :total, " + attrSoftPct + " = :soft, " +
			attrHardPct + " = :hard, " + attrUpdatedAt + " = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":total": &types.AttributeValueMemberN{Value: strconv.FormatInt(totalBytes, 10)},
			":soft":  &types.AttributeValueMemberN{Value: strconv.Itoa(softPct)},
			":hard":  &types.AttributeValueMemberN{Value: strconv.Itoa(hardPct)},
			":now":   &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrQuotaNotFound
		}
		return fmt.Errorf("update quota limits: %w", err)
	}
	return nil
}

// Delete removes a quota node. Absence is success.
func (r *Repository) Delete(ctx context.Context, level Level, entityID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: quotaPK(level, entityID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: skQuota},
		},
	})
	if err != nil {
		return fmt.Errorf("delete quota: %w", err)
	}
	return nil
}

// ListChildren returns the direct children of a quota node.
func (r *Repository) ListChildren(ctx context.Context, parentID string) ([]*Quota, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexGSI1),
		KeyConditionExpression: aws.String(dynamo.AttrGSI1PK + " = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: prefixParent + parentID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list quota children: %w", err)
	}
	children := make([]*Quota, 0, len(output.Items))
	for _, item := range output.Items {
		children = append(children, unmarshalQuota(item))
	}
	return children, nil
}

// usageUpdate is one level's delta within an atomic commit. Ceiling is the
// highest pre-commit usedBytes that still admits the delta; it implements
// the hard limit as a condition expression since conditions cannot do
// arithmetic server-side.
type usageUpdate struct {
	level       Level
	entityID    string
	deltaBytes  int64
	deltaCount  int64
	ceiling     int64
	enforceHard bool
}

// CommitUsage applies all level deltas in one transaction. If any level's
// hard ceiling would be crossed the whole transaction is rejected and
// nothing is persisted.
func (r *Repository) CommitUsage(ctx context.Context, updates []usageUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := r.now().UTC().Format(time.RFC3339Nano)

	items := make([]types.TransactWriteItem, 0, len(updates))
	for _, u := range updates {
		vals := map[string]types.AttributeValue{
			":db":  &types.AttributeValueMemberN{Value: strconv.FormatInt(u.deltaBytes, 10)},
			":dc":  &types.AttributeValueMemberN{Value: strconv.FormatInt(u.deltaCount, 10)},
			":now": &types.AttributeValueMemberS{Value: now},
		}
		cond := "attribute_exists(pk)"
		if u.enforceHard && u.deltaBytes > 0 {
			cond += " AND " + attrUsedBytes + " <= :ceiling"
			vals[":ceiling"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(u.ceiling, 10)}
		}
		if u.deltaBytes < 0 {
			// Frees never drive usage negative.
			cond += " AND " + attrUsedBytes + " >= :floor"
			vals[":floor"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(-u.deltaBytes, 10)}
		}
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(r.tableName),
				Key: map[string]types.AttributeValue{
					dynamo.AttrPK: &types.AttributeValueMemberS{Value: quotaPK(u.level, u.entityID)},
					dynamo.AttrSK: &types.AttributeValueMemberS{Value: skQuota},
				},
				UpdateExpression: aws.String("SET " + attrUsedBytes + " = " + attrUsedBytes + " + :db, " +
					attrObjectCount + " = " + attrObjectCount + " + :dc, " + attrUpdatedAt + " = :now"),
				ConditionExpression:       aws.String(cond),
				ExpressionAttributeValues: vals,
			},
		})
	}

	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		for i, u := range updates {
			if isTransactionConditionFailed(err, i) {
				return &HardLimitError{Level: u.level, EntityID: u.entityID}
			}
		}
		return fmt.Errorf("commit quota usage: %w", err)
	}
	return nil
}

// LowerUsage sets a node's counters to reconciled values, conditional on
// the stored usage being higher. The reconciler never raises usage.
func (r *Repository) LowerUsage(ctx context.Context, level Level, entityID string, usedBytes, objectCount int64) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: quotaPK(level, entityID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: skQuota},
		},
		UpdateExpression: aws.String("SET " + attrUsedBytes + " = :used, " + attrObjectCount + " = :count, " +
			attrUpdatedAt + " = :now"),
		ConditionExpression: aws.String(attrUsedBytes + " > :used"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":used":  &types.AttributeValueMemberN{Value: strconv.FormatInt(usedBytes, 10)},
			":count": &types.AttributeValueMemberN{Value: strconv.FormatInt(objectCount, 10)},
			":now":   &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("lower quota usage: %w", err)
	}
	return true, nil
}

func unmarshalQuota(item map[string]types.AttributeValue) *Quota {
	q := &Quota{}
	if v, ok := item[attrLevel].(*types.AttributeValueMemberS); ok {
		q.Level = Level(v.Value)
	}
	if v, ok := item[attrEntityID].(*types.AttributeValueMemberS); ok {
		q.EntityID = v.Value
	}
	if v, ok := item[attrParentID].(*types.AttributeValueMemberS); ok {
		q.ParentID = v.Value
	}
	if v, ok := item[attrTotalBytes].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			q.TotalBytes = n
		}
	}
	if v, ok := item[attrUsedBytes].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			q.UsedBytes = n
		}
	}
	if v, ok := item[attrObjectCount].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			q.ObjectCount = n
		}
	}
	if v, ok := item[attrSoftPct].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			q.SoftLimitPct = n
		}
	}
	if v, ok := item[attrHardPct].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			q.HardLimitPct = n
		}
	}
	if v, ok := item[attrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			q.CreatedAt = t
		}
	}
	if v, ok := item[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			q.UpdatedAt = t
		}
	}
	return q
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func isTransactionConditionFailed(err error, index int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if index >= len(tce.CancellationReasons) {
		return false
	}
	code := aws.ToString(tce.CancellationReasons[index].Code)
	return code == "ConditionalCheckFailed"
}
