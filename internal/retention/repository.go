package retention

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

	"github.com/enterprise-email/mailplane/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrPolicyExists   = errors.New("retention policy already exists")
	ErrPolicyNotFound = errors.New("retention policy not found")
	ErrHoldNotFound   = errors.New("legal hold not found")
)

const (
	prefixPolicy = "RETPOL#"
	prefixHold   = "HOLD#"
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository handles retention policy and legal hold persistence.
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

// CreatePolicy writes a new policy, auto-deriving priority from selector
// specificity when the caller leaves it zero.
func (r *Repository) CreatePolicy(ctx context.Context, p *Policy) error {
	if p.Priority == 0 {
		p.Priority = p.DefaultPriority()
	}
	now := r.now().UTC()
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:    &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + p.DomainID},
		dynamo.AttrSK:    &types.AttributeValueMemberS{Value: prefixPolicy + p.PolicyID},
		"policyId":       &types.AttributeValueMemberS{Value: p.PolicyID},
		"domainId":       &types.AttributeValueMemberS{Value: p.DomainID},
		"folderType":     &types.AttributeValueMemberS{Value: p.FolderType},
		"folderId":       &types.AttributeValueMemberS{Value: p.FolderID},
		"retentionDays":  &types.AttributeValueMemberN{Value: strconv.Itoa(p.RetentionDays)},
		"action":         &types.AttributeValueMemberS{Value: string(p.Action)},
		"enabled":        &types.AttributeValueMemberBOOL{Value: p.Enabled},
		"priority":       &types.AttributeValueMemberN{Value: strconv.Itoa(p.Priority)},
		"excludeStarred": &types.AttributeValueMemberBOOL{Value: p.ExcludeStarred},
		"excludeLabels":  &types.AttributeValueMemberS{Value: strings.Join(p.ExcludeLabels, ",")},
		"createdAt":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		"updatedAt":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrPolicyExists
		}
		return fmt.Errorf("create retention policy: %w", err)
	}
	return nil
}

// GetPolicy fetches one policy.
func (r *Repository) GetPolicy(ctx context.Context, domainID, policyID string) (*Policy, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + domainID},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixPolicy + policyID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get retention policy: %w", err)
	}
	if output.Item == nil {
		return nil, ErrPolicyNotFound
	}
	return unmarshalPolicy(output.Item), nil
}

// UpdatePolicy rewrites a policy's mutable fields.
func (r *Repository) UpdatePolicy(ctx context.Context, p *Policy) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + p.DomainID},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixPolicy + p.PolicyID},
		},
		UpdateExpression: aws.String("SET retentionDays = :days, #a = :action, enabled = :enabled, " +
			"#p = :priority, excludeStarred = :star, excludeLabels = :labels, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{
			"#a": "action",
			"#p": "priority",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":days":     &types.AttributeValueMemberN{Value: strconv.Itoa(p.RetentionDays)},
			":action":   &types.AttributeValueMemberS{Value: string(p.Action)},
			":enabled":  &types.AttributeValueMemberBOOL{Value: p.Enabled},
			":priority": &types.AttributeValueMemberN{Value: strconv.Itoa(p.Priority)},
			":star":     &types.AttributeValueMemberBOOL{Value: p.ExcludeStarred},
			":labels":   &types.AttributeValueMemberS{Value: strings.Join(p.ExcludeLabels, ",")},
			":now":      &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrPolicyNotFound
		}
		return fmt.Errorf("update retention policy: %w", err)
	}
	return nil
}

// DeletePolicy removes a policy. Absence is success.
func (r *Repository) DeletePolicy(ctx context.Context, domainID, policyID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + domainID},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixPolicy + policyID},
		},
	})
	if err != nil {
		return fmt.Errorf("delete retention policy: %w", err)
	}
	return nil
}

// ListPolicies returns a domain's policies.
func (r *Repository) ListPolicies(ctx context.Context, domainID string) ([]*Policy, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + domainID},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixPolicy},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	policies := make([]*Policy, 0, len(output.Items))
	for _, item := range output.Items {
		policies = append(policies, unmarshalPolicy(item))
	}
	return policies, nil
}

// CreateHold writes a new legal hold.
func (r *Repository) CreateHold(ctx context.Context, h *Hold) error {
	now := r.now().UTC()
	item := map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixOrg + h.OrgID},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixHold + h.HoldID},
		"holdId":      &types.AttributeValueMemberS{Value: h.HoldID},
		"orgId":       &types.AttributeValueMemberS{Value: h.OrgID},
		"scope":       &types.AttributeValueMemberS{Value: string(h.Scope)},
		"scopeId":     &types.AttributeValueMemberS{Value: h.ScopeID},
		"startDate":   &types.AttributeValueMemberS{Value: h.StartDate.UTC().Format(time.RFC3339Nano)},
		"keywords":    &types.AttributeValueMemberS{Value: strings.Join(h.Keywords, ",")},
		"active":      &types.AttributeValueMemberBOOL{Value: h.Active},
		"createdAt":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if !h.EndDate.IsZero() {
		item["endDate"] = &types.AttributeValueMemberS{Value: h.EndDate.UTC().Format(time.RFC3339Nano)}
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		return fmt.Errorf("create legal hold: %w", err)
	}
	return nil
}

// ReleaseHold deactivates a hold. The startDate and scope stay immutable;
// release is the only permitted mutation.
func (r *Repository) ReleaseHold(ctx context.Context, orgID, holdID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixOrg + orgID},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixHold + holdID},
		},
		UpdateExpression:    aws.String("SET active = :inactive, endDate = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inactive": &types.AttributeValueMemberBOOL{Value: false},
			":now":      &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrHoldNotFound
		}
		return fmt.Errorf("release legal hold: %w", err)
	}
	return nil
}

// ListHolds returns an org's legal holds, active and released.
func (r *Repository) ListHolds(ctx context.Context, orgID string) ([]*Hold, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: dynamo.PrefixOrg + orgID},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixHold},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list legal holds: %w", err)
	}
	holds := make([]*Hold, 0, len(output.Items))
	for _, item := range output.Items {
		holds = append(holds, unmarshalHold(item))
	}
	return holds, nil
}

func unmarshalPolicy(item map[string]types.AttributeValue) *Policy {
	p := &Policy{}
	if v, ok := item["policyId"].(*types.AttributeValueMemberS); ok {
		p.PolicyID = v.Value
	}
	if v, ok := item["domainId"].(*types.AttributeValueMemberS); ok {
		p.DomainID = v.Value
	}
	if v, ok := item["folderType"].(*types.AttributeValueMemberS); ok {
		p.FolderType = v.Value
	}
	if v, ok := item["folderId"].(*types.AttributeValueMemberS); ok {
		p.FolderID = v.Value
	}
	if v, ok := item["retentionDays"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			p.RetentionDays = n
		}
	}
	if v, ok := item["action"].(*types.AttributeValueMemberS); ok {
		p.Action = Action(v.Value)
	}
	if v, ok := item["enabled"].(*types.AttributeValueMemberBOOL); ok {
		p.Enabled = v.Value
	}
	if v, ok := item["priority"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			p.Priority = n
		}
	}
	if v, ok := item["excludeStarred"].(*types.AttributeValueMemberBOOL); ok {
		p.ExcludeStarred = v.Value
	}
	if v, ok := item["excludeLabels"].(*types.AttributeValueMemberS); ok && v.Value != "" {
		p.ExcludeLabels = strings.Split(v.Value, ",")
	}
	if v, ok := item["createdAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			p.CreatedAt = t
		}
	}
	if v, ok := item["updatedAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			p.UpdatedAt = t
		}
	}
	return p
}

func unmarshalHold(item map[string]types.AttributeValue) *Hold {
	h := &Hold{}
	if v, ok := item["holdId"].(*types.AttributeValueMemberS); ok {
		h.HoldID = v.Value
	}
	if v, ok := item["orgId"].(*types.AttributeValueMemberS); ok {
		h.OrgID = v.Value
	}
	if v, ok := item["scope"].(*types.AttributeValueMemberS); ok {
		h.Scope = HoldScope(v.Value)
	}
	if v, ok := item["scopeId"].(*types.AttributeValueMemberS); ok {
		h.ScopeID = v.Value
	}
	if v, ok := item["startDate"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			h.StartDate = t
		}
	}
	if v, ok := item["endDate"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			h.EndDate = t
		}
	}
	if v, ok := item["keywords"].(*types.AttributeValueMemberS); ok && v.Value != "" {
		h.Keywords = strings.Split(v.Value, ",")
	}
	if v, ok := item["active"].(*types.AttributeValueMemberBOOL); ok {
		h.Active = v.Value
	}
	if v, ok := item["createdAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			h.CreatedAt = t
		}
	}
	return h
}

// dynamoAttr aliases the SDK attribute value for pagination cursors.
type dynamoAttr = types.AttributeValue

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
