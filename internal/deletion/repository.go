package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/enterprise-email/mailplane/internal/dynamo"
	"github.com/enterprise-email/mailplane/internal/jobs"
)

// Error types for repository operations.
var (
	ErrJobExists      = errors.New("deletion job already exists")
	ErrJobNotFound    = errors.New("deletion job not found")
	ErrNotApprovable  = errors.New("deletion job not approvable")
	ErrNotClaimable   = errors.New("deletion job not claimable")
	ErrNotLeaseOwner  = errors.New("lease lost")
	ErrNotCancellable = errors.New("deletion job not cancellable")
	ErrSelfApproval   = errors.New("requester cannot approve their own deletion job")
)

const prefixDeletion = "DELETION#"

type dynamoAttr = types.AttributeValue

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository handles deletion job persistence, the approval gate and the
// worker lease.
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

func delJobKey(domainID, jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + domainID},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixDeletion + jobID},
	}
}

// Create persists a new job in pending state.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	now := r.now().UTC()
	job.Status = jobs.StatusPending
	job.RequestedAt = now

	target, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}

	item := map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + job.DomainID},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixDeletion + job.JobID},
		"jobId":       &types.AttributeValueMemberS{Value: job.JobID},
		"orgId":       &types.AttributeValueMemberS{Value: job.OrgID},
		"domainId":    &types.AttributeValueMemberS{Value: job.DomainID},
		"kind":        &types.AttributeValueMemberS{Value: string(job.Kind)},
		"compliance":  &types.AttributeValueMemberS{Value: string(job.Compliance)},
		"target":      &types.AttributeValueMemberS{Value: string(target)},
		"requestedBy": &types.AttributeValueMemberS{Value: job.RequestedBy},
		"reason":      &types.AttributeValueMemberS{Value: job.Reason},
		"jobStatus":   &types.AttributeValueMemberS{Value: string(jobs.StatusPending)},
		"deleted":     &types.AttributeValueMemberN{Value: "0"},
		"skipped":     &types.AttributeValueMemberN{Value: "0"},
		"failed":      &types.AttributeValueMemberN{Value: "0"},
		"bytesFreed":  &types.AttributeValueMemberN{Value: "0"},
		"requestedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if !job.ScheduledFor.IsZero() {
		item["scheduledFor"] = &types.AttributeValueMemberS{Value: job.ScheduledFor.UTC().Format(time.RFC3339Nano)}
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrJobExists
		}
		return fmt.Errorf("create deletion job: %w", err)
	}
	return nil
}

// Get fetches one job.
func (r *Repository) Get(ctx context.Context, domainID, jobID string) (*Job, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       delJobKey(domainID, jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("get deletion job: %w", err)
	}
	if output.Item == nil {
		return nil, ErrJobNotFound
	}
	return unmarshalDeletionJob(output.Item), nil
}

// List returns a domain's deletion jobs.
func (r *Repository) List(ctx context.Context, domainID string) ([]*Job, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + domainID},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixDeletion},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list deletion jobs: %w", err)
	}
	result := make([]*Job, 0, len(output.Items))
	for _, item := range output.Items {
		result = append(result, unmarshalDeletionJob(item))
	}
	return result, nil
}

// Approve moves a pending job to approved. Approving an already approved
// job succeeds without overwriting the original approver, so retried
// approvals are safe. The requester may not approve their own job.
func (r *Repository) Approve(ctx context.Context, domainID, jobID, approver string) error {
	job, err := r.Get(ctx, domainID, jobID)
	if err != nil {
		return err
	}
	if job.RequestedBy == approver {
		return ErrSelfApproval
	}
	if job.Status == jobs.StatusApproved {
		return nil
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       delJobKey(domainID, jobID),
		UpdateExpression: aws.String(
			"SET jobStatus = :approved, approvedBy = :approver, approvedAt = :now"),
		ConditionExpression: aws.String("jobStatus = :pending"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":approved": &types.AttributeValueMemberS{Value: string(jobs.StatusApproved)},
			":pending":  &types.AttributeValueMemberS{Value: string(jobs.StatusPending)},
			":approver": &types.AttributeValueMemberS{Value: approver},
			":now":      &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			// Raced with another approver or a cancel; re-read to decide.
			current, getErr := r.Get(ctx, domainID, jobID)
			if getErr == nil && current.Status == jobs.StatusApproved {
				return nil
			}
			return ErrNotApprovable
		}
		return fmt.Errorf("approve deletion job: %w", err)
	}
	return nil
}

// Claim moves an approved job to running under a single-flight lease.
// Unlike exports, a pending deletion job is never claimable: the
// approval gate sits between creation and execution. A scheduled job
// stays unclaimable until its scheduledFor instant passes. A running
// job whose heartbeat went stale may be reclaimed.
func (r *Repository) Claim(ctx context.Context, domainID, jobID, owner string) (*Job, error) {
	now := r.now().UTC()
	stale := now.Add(-jobs.StaleAfter)

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       delJobKey(domainID, jobID),
		UpdateExpression: aws.String("SET jobStatus = :running, leaseOwner = :owner, heartbeatAt = :now"),
		ConditionExpression: aws.String(
			"(jobStatus = :approved OR (jobStatus = :running AND heartbeatAt < :stale))" +
				" AND (attribute_not_exists(scheduledFor) OR scheduledFor <= :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":approved": &types.AttributeValueMemberS{Value: string(jobs.StatusApproved)},
			":running":  &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
			":owner":    &types.AttributeValueMemberS{Value: owner},
			":now":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":stale":    &types.AttributeValueMemberS{Value: stale.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("claim deletion job: %w", err)
	}
	return r.Get(ctx, domainID, jobID)
}

// Heartbeat stamps the lease, conditional on still owning it.
func (r *Repository) Heartbeat(ctx context.Context, domainID, jobID, owner string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 delJobKey(domainID, jobID),
		UpdateExpression:    aws.String("SET heartbeatAt = :now"),
		ConditionExpression: aws.String("leaseOwner = :owner AND jobStatus = :running"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":   &types.AttributeValueMemberS{Value: owner},
			":running": &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
			":now":     &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotLeaseOwner
		}
		return fmt.Errorf("heartbeat deletion job: %w", err)
	}
	return nil
}

// SetProgress records cascade counters under the lease.
func (r *Repository) SetProgress(ctx context.Context, domainID, jobID, owner string, deleted, skipped, failed int, bytesFreed int64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       delJobKey(domainID, jobID),
		UpdateExpression: aws.String(
			"SET deleted = :deleted, skipped = :skipped, failed = :failed, bytesFreed = :bytes"),
		ConditionExpression: aws.String("leaseOwner = :owner AND jobStatus = :running"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":   &types.AttributeValueMemberS{Value: owner},
			":running": &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
			":deleted": &types.AttributeValueMemberN{Value: strconv.Itoa(deleted)},
			":skipped": &types.AttributeValueMemberN{Value: strconv.Itoa(skipped)},
			":failed":  &types.AttributeValueMemberN{Value: strconv.Itoa(failed)},
			":bytes":   &types.AttributeValueMemberN{Value: strconv.FormatInt(bytesFreed, 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotLeaseOwner
		}
		return fmt.Errorf("set deletion progress: %w", err)
	}
	return nil
}

// Finish moves a running job to completed or failed under the lease.
func (r *Repository) Finish(ctx context.Context, domainID, jobID, owner string, status jobs.Status, errMsg string) error {
	now := r.now().UTC()
	update := "SET jobStatus = :status, finishedAt = :now REMOVE leaseOwner, heartbeatAt"
	vals := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(status)},
		":owner":   &types.AttributeValueMemberS{Value: owner},
		":running": &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
		":now":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if errMsg != "" {
		update = "SET jobStatus = :status, finishedAt = :now, jobError = :err REMOVE leaseOwner, heartbeatAt"
		vals[":err"] = &types.AttributeValueMemberS{Value: errMsg}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       delJobKey(domainID, jobID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("leaseOwner = :owner AND jobStatus = :running"),
		ExpressionAttributeValues: vals,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotLeaseOwner
		}
		return fmt.Errorf("finish deletion job: %w", err)
	}
	return nil
}

// Cancel moves a pending, approved or running job to cancelled. A
// running worker observes the status between objects and stops without
// undoing what was already deleted. Cancelling an already cancelled job
// is a no-op success.
func (r *Repository) Cancel(ctx context.Context, domainID, jobID string) error {
	now := r.now().UTC()
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       delJobKey(domainID, jobID),
		UpdateExpression: aws.String("SET jobStatus = :cancelled, finishedAt = :now"),
		ConditionExpression: aws.String(
			"jobStatus = :pending OR jobStatus = :approved OR jobStatus = :running OR jobStatus = :cancelled"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": &types.AttributeValueMemberS{Value: string(jobs.StatusCancelled)},
			":pending":   &types.AttributeValueMemberS{Value: string(jobs.StatusPending)},
			":approved":  &types.AttributeValueMemberS{Value: string(jobs.StatusApproved)},
			":running":   &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
			":now":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotCancellable
		}
		return fmt.Errorf("cancel deletion job: %w", err)
	}
	return nil
}

func unmarshalDeletionJob(item map[string]types.AttributeValue) *Job {
	j := &Job{}
	if v, ok := item["jobId"].(*types.AttributeValueMemberS); ok {
		j.JobID = v.Value
	}
	if v, ok := item["orgId"].(*types.AttributeValueMemberS); ok {
		j.OrgID = v.Value
	}
	if v, ok := item["domainId"].(*types.AttributeValueMemberS); ok {
		j.DomainID = v.Value
	}
	if v, ok := item["kind"].(*types.AttributeValueMemberS); ok {
		j.Kind = Kind(v.Value)
	}
	if v, ok := item["compliance"].(*types.AttributeValueMemberS); ok {
		j.Compliance = Compliance(v.Value)
	}
	if v, ok := item["target"].(*types.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(v.Value), &j.Target)
	}
	if v, ok := item["requestedBy"].(*types.AttributeValueMemberS); ok {
		j.RequestedBy = v.Value
	}
	if v, ok := item["reason"].(*types.AttributeValueMemberS); ok {
		j.Reason = v.Value
	}
	if v, ok := item["scheduledFor"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			j.ScheduledFor = t
		}
	}
	if v, ok := item["approvedBy"].(*types.AttributeValueMemberS); ok {
		j.ApprovedBy = v.Value
	}
	if v, ok := item["approvedAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			j.ApprovedAt = t
		}
	}
	if v, ok := item["jobStatus"].(*types.AttributeValueMemberS); ok {
		j.Status = jobs.Status(v.Value)
	}
	if v, ok := item["deleted"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			j.Deleted = n
		}
	}
	if v, ok := item["skipped"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			j.Skipped = n
		}
	}
	if v, ok := item["failed"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			j.Failed = n
		}
	}
	if v, ok := item["bytesFreed"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			j.BytesFreed = n
		}
	}
	if v, ok := item["jobError"].(*types.AttributeValueMemberS); ok {
		j.Error = v.Value
	}
	if v, ok := item["leaseOwner"].(*types.AttributeValueMemberS); ok {
		j.LeaseOwner = v.Value
	}
	if v, ok := item["heartbeatAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			j.HeartbeatAt = t
		}
	}
	if v, ok := item["requestedAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			j.RequestedAt = t
		}
	}
	if v, ok := item["finishedAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			j.FinishedAt = t
		}
	}
	return j
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
