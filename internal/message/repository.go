package message

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
	ErrMessageExists   = errors.New("message already exists")
	ErrMessageNotFound = errors.New("message not found")
)

const (
	prefixMsg     = "MSG#"
	prefixMsgDom  = "MSGDOM#"
	prefixMsgUser = "MSGUSER#"
)

const (
	attrMessageID      = "messageId"
	attrOrgID          = "orgId"
	attrDomainID       = "domainId"
	attrUserID         = "userId"
	attrMailboxID      = "mailboxId"
	attrFolderID       = "folderId"
	attrFolderType     = "folderType"
	attrSubject        = "subject"
	attrFrom           = "from"
	attrTo             = "to"
	attrDate           = "date"
	attrSize           = "size"
	attrHasAttachments = "hasAttachments"
	attrFlags          = "flags"
	attrLabels         = "labels"
	attrStorageKey     = "storageKey"
	attrTierHint       = "tierHint"
	attrCreatedAt      = "createdAt"
	attrUpdatedAt      = "updatedAt"
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository handles message metadata persistence.
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

func msgPK(mailboxID string) string { return dynamo.PrefixMbox + mailboxID }

func msgSK(messageID string) string { return prefixMsg + messageID }

func timeSK(at time.Time, messageID string) string {
	return at.UTC().Format(time.RFC3339Nano) + "#" + messageID
}

// Put creates a message metadata row. Fails with ErrMessageExists on a
// duplicate messageId within the mailbox.
func (r *Repository) Put(ctx context.Context, m *Message) error {
	now := r.now().UTC()
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:      &types.AttributeValueMemberS{Value: msgPK(m.MailboxID)},
		dynamo.AttrSK:      &types.AttributeValueMemberS{Value: msgSK(m.MessageID)},
		dynamo.AttrGSI1PK:  &types.AttributeValueMemberS{Value: prefixMsgDom + m.DomainID},
		dynamo.AttrGSI1SK:  &types.AttributeValueMemberS{Value: timeSK(now, m.MessageID)},
		dynamo.AttrGSI2PK:  &types.AttributeValueMemberS{Value: prefixMsgUser + m.UserID},
		dynamo.AttrGSI2SK:  &types.AttributeValueMemberS{Value: timeSK(now, m.MessageID)},
		attrMessageID:      &types.AttributeValueMemberS{Value: m.MessageID},
		attrOrgID:          &types.AttributeValueMemberS{Value: m.OrgID},
		attrDomainID:       &types.AttributeValueMemberS{Value: m.DomainID},
		attrUserID:         &types.AttributeValueMemberS{Value: m.UserID},
		attrMailboxID:      &types.AttributeValueMemberS{Value: m.MailboxID},
		attrFolderID:       &types.AttributeValueMemberS{Value: m.FolderID},
		attrFolderType:     &types.AttributeValueMemberS{Value: m.FolderType},
		attrSubject:        &types.AttributeValueMemberS{Value: m.Subject},
		attrFrom:           &types.AttributeValueMemberS{Value: m.From},
		attrTo:             &types.AttributeValueMemberS{Value: strings.Join(m.To, ",")},
		attrDate:           &types.AttributeValueMemberS{Value: m.Date.UTC().Format(time.RFC3339Nano)},
		attrSize:           &types.AttributeValueMemberN{Value: strconv.FormatInt(m.Size, 10)},
		attrHasAttachments: &types.AttributeValueMemberBOOL{Value: m.HasAttachments},
		attrFlags:          &types.AttributeValueMemberS{Value: strings.Join(m.Flags, ",")},
		attrLabels:         &types.AttributeValueMemberS{Value: strings.Join(m.Labels, ",")},
		attrStorageKey:     &types.AttributeValueMemberS{Value: m.StorageKey},
		attrCreatedAt:      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		attrUpdatedAt:      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if m.TierHint != "" {
		item[attrTierHint] = &types.AttributeValueMemberS{Value: m.TierHint}
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrMessageExists
		}
		return fmt.Errorf("put message: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// Get fetches one message's metadata.
func (r *Repository) Get(ctx context.Context, mailboxID, messageID string) (*Message, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: msgPK(mailboxID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: msgSK(messageID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if output.Item == nil {
		return nil, ErrMessageNotFound
	}
	return unmarshalMessage(output.Item), nil
}

// Delete removes a message metadata row. Absence is success.
func (r *Repository) Delete(ctx context.Context, mailboxID, messageID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: msgPK(mailboxID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: msgSK(messageID)},
		},
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// SetStorage rewrites a message's storage key and tier hint after an
// archive move.
func (r *Repository) SetStorage(ctx context.Context, mailboxID, messageID, storageKey, tierHint string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: msgPK(mailboxID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: msgSK(messageID)},
		},
		UpdateExpression: aws.String("SET " + attrStorageKey + " = :key, " + attrTierHint + " = :tier, " +
			attrUpdatedAt + " = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key":  &types.AttributeValueMemberS{Value: storageKey},
			":tier": &types.AttributeValueMemberS{Value: tierHint},
			":now":  &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("set message storage: %w", err)
	}
	return nil
}

// QueryByMailbox pages through a mailbox's messages.
func (r *Repository) QueryByMailbox(ctx context.Context, mailboxID string, startKey map[string]types.AttributeValue) ([]*Message, map[string]types.AttributeValue, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: msgPK(mailboxID)},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixMsg},
		},
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query mailbox messages: %w", err)
	}
	return unmarshalAll(output), output.LastEvaluatedKey, nil
}

// QueryDomainOlderThan pages through a domain's messages created before
// the cutoff, oldest first. Backs retention candidate enumeration.
func (r *Repository) QueryDomainOlderThan(ctx context.Context, domainID string, cutoff time.Time, startKey map[string]types.AttributeValue) ([]*Message, map[string]types.AttributeValue, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexGSI1),
		KeyConditionExpression: aws.String(dynamo.AttrGSI1PK + " = :pk AND " + dynamo.AttrGSI1SK + " < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: prefixMsgDom + domainID},
			":cutoff": &types.AttributeValueMemberS{Value: cutoff.UTC().Format(time.RFC3339Nano) + "#"},
		},
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query domain messages: %w", err)
	}
	return unmarshalAll(output), output.LastEvaluatedKey, nil
}

// QueryByUser pages through a user's messages across mailboxes. Backs
// user-level deletion cascades and export selectors.
func (r *Repository) QueryByUser(ctx context.Context, userID string, startKey map[string]types.AttributeValue) ([]*Message, map[string]types.AttributeValue, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexGSI2),
		KeyConditionExpression: aws.String(dynamo.AttrGSI2PK + " = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: prefixMsgUser + userID},
		},
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query user messages: %w", err)
	}
	return unmarshalAll(output), output.LastEvaluatedKey, nil
}

func unmarshalAll(output *dynamodb.QueryOutput) []*Message {
	msgs := make([]*Message, 0, len(output.Items))
	for _, item := range output.Items {
		msgs = append(msgs, unmarshalMessage(item))
	}
	return msgs
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func unmarshalMessage(item map[string]types.AttributeValue) *Message {
	m := &Message{}
	if v, ok := item[attrMessageID].(*types.AttributeValueMemberS); ok {
		m.MessageID = v.Value
	}
	if v, ok := item[attrOrgID].(*types.AttributeValueMemberS); ok {
		m.OrgID = v.Value
	}
	if v, ok := item[attrDomainID].(*types.AttributeValueMemberS); ok {
		m.DomainID = v.Value
	}
	if v, ok := item[attrUserID].(*types.AttributeValueMemberS); ok {
		m.UserID = v.Value
	}
	if v, ok := item[attrMailboxID].(*types.AttributeValueMemberS); ok {
		m.MailboxID = v.Value
	}
	if v, ok := item[attrFolderID].(*types.AttributeValueMemberS); ok {
		m.FolderID = v.Value
	}
	if v, ok := item[attrFolderType].(*types.AttributeValueMemberS); ok {
		m.FolderType = v.Value
	}
	if v, ok := item[attrSubject].(*types.AttributeValueMemberS); ok {
		m.Subject = v.Value
	}
	if v, ok := item[attrFrom].(*types.AttributeValueMemberS); ok {
		m.From = v.Value
	}
	if v, ok := item[attrTo].(*types.AttributeValueMemberS); ok {
		m.To = splitList(v.Value)
	}
	if v, ok := item[attrDate].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			m.Date = t
		}
	}
	if v, ok := item[attrSize].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			m.Size = n
		}
	}
	if v, ok := item[attrHasAttachments].(*types.AttributeValueMemberBOOL); ok {
		m.HasAttachments = v.Value
	}
	if v, ok := item[attrFlags].(*types.AttributeValueMemberS); ok {
		m.Flags = splitList(v.Value)
	}
	if v, ok := item[attrLabels].(*types.AttributeValueMemberS); ok {
		m.Labels = splitList(v.Value)
	}
	if v, ok := item[attrStorageKey].(*types.AttributeValueMemberS); ok {
		m.StorageKey = v.Value
	}
	if v, ok := item[attrTierHint].(*types.AttributeValueMemberS); ok {
		m.TierHint = v.Value
	}
	if v, ok := item[attrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			m.CreatedAt = t
		}
	}
	if v, ok := item[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			m.UpdatedAt = t
		}
	}
	return m
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
