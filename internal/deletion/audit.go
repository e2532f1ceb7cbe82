package deletion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/enterprise-email/mailplane/internal/dynamo"
)

const prefixAudit = "AUDIT#"

// ErrDuplicateEvent reports a (timestamp, seq) collision in the trail.
var ErrDuplicateEvent = errors.New("duplicate audit event")

// AuditTrail appends and reads a deletion job's audit events. The sort
// key is the event timestamp plus a per-process sequence number, so a
// plain ascending query replays the trail chronologically.
type AuditTrail struct {
	client    DynamoDBClient
	tableName string
	seq       atomic.Int64
	now       func() time.Time
}

// NewAuditTrail creates a new AuditTrail.
func NewAuditTrail(client DynamoDBClient, tableName string) *AuditTrail {
	return &AuditTrail{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func auditSK(at time.Time, seq int) string {
	return at.UTC().Format(time.RFC3339Nano) + "#" + strconv.Itoa(seq)
}

// Append writes one event. Events are immutable; an existing
// (timestamp, seq) slot is never overwritten.
func (a *AuditTrail) Append(ctx context.Context, e *Event) error {
	e.At = a.now().UTC()
	e.Seq = int(a.seq.Add(1))

	item := map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: prefixAudit + e.JobID},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: auditSK(e.At, e.Seq)},
		"jobId":       &types.AttributeValueMemberS{Value: e.JobID},
		"seq":         &types.AttributeValueMemberN{Value: strconv.Itoa(e.Seq)},
		"at":          &types.AttributeValueMemberS{Value: e.At.Format(time.RFC3339Nano)},
		"eventType":   &types.AttributeValueMemberS{Value: string(e.Type)},
	}
	if e.Actor != "" {
		item["actor"] = &types.AttributeValueMemberS{Value: e.Actor}
	}
	if e.MessageID != "" {
		item["messageId"] = &types.AttributeValueMemberS{Value: e.MessageID}
	}
	if e.Detail != "" {
		item["detail"] = &types.AttributeValueMemberS{Value: e.Detail}
	}

	_, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(a.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// List returns a job's events oldest first.
func (a *AuditTrail) List(ctx context.Context, jobID string) ([]*Event, error) {
	output, err := a.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.tableName),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: prefixAudit + jobID},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	result := make([]*Event, 0, len(output.Items))
	for _, item := range output.Items {
		e := &Event{}
		if v, ok := item["jobId"].(*types.AttributeValueMemberS); ok {
			e.JobID = v.Value
		}
		if v, ok := item["seq"].(*types.AttributeValueMemberN); ok {
			if n, err := strconv.Atoi(v.Value); err == nil {
				e.Seq = n
			}
		}
		if v, ok := item["at"].(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
				e.At = t
			}
		}
		if v, ok := item["eventType"].(*types.AttributeValueMemberS); ok {
			e.Type = EventType(v.Value)
		}
		if v, ok := item["actor"].(*types.AttributeValueMemberS); ok {
			e.Actor = v.Value
		}
		if v, ok := item["messageId"].(*types.AttributeValueMemberS); ok {
			e.MessageID = v.Value
		}
		if v, ok := item["detail"].(*types.AttributeValueMemberS); ok {
			e.Detail = v.Value
		}
		result = append(result, e)
	}
	return result, nil
}
