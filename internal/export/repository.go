package export

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
	ErrJobExists      = errors.New("export job already exists")
	ErrJobNotFound    = errors.New("export job not found")
	ErrNotClaimable   = errors.New("export job not claimable")
	ErrNotLeaseOwner  = errors.New("lease lost")
	ErrNotCancellable = errors.New("export job not cancellable")
)

const prefixExport = "EXPORT#"

type dynamoAttr = types.AttributeValue

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository handles export job persistence and leasing.
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

func jobKey(domainID, jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + domainID},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixExport + jobID},
	}
}

// Create writes a new pending job.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	now := r.now().UTC()
	job.Status = jobs.StatusPending
	job.RequestedAt = now

	selector, err := json.Marshal(job.Selector)
	if err != nil {
		return fmt.Errorf("marshal selector: %w", err)
	}

	item := map[string]types.AttributeValue{
		dynamo.AttrPK:  &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + job.DomainID},
		dynamo.AttrSK:  &types.AttributeValueMemberS{Value: prefixExport + job.JobID},
		"jobId":        &types.AttributeValueMemberS{Value: job.JobID},
		"orgId":        &types.AttributeValueMemberS{Value: job.OrgID},
		"domainId":     &types.AttributeValueMemberS{Value: job.DomainID},
		"format":       &types.AttributeValueMemberS{Value: string(job.Format)},
		"selector":     &types.AttributeValueMemberS{Value: string(selector)},
		"compress":     &types.AttributeValueMemberS{Value: string(job.Compress)},
		"encrypt":      &types.AttributeValueMemberBOOL{Value: job.Encrypt},
		"requestedBy":  &types.AttributeValueMemberS{Value: job.RequestedBy},
		"reason":       &types.AttributeValueMemberS{Value: job.Reason},
		"jobStatus":    &types.AttributeValueMemberS{Value: string(job.Status)},
		"progress":     &types.AttributeValueMemberN{Value: "0"},
		"exported":     &types.AttributeValueMemberN{Value: "0"},
		"skipped":      &types.AttributeValueMemberN{Value: "0"},
		"requestedAt":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if job.PublicKey != "" {
		item["publicKey"] = &types.AttributeValueMemberS{Value: job.PublicKey}
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
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

// Get fetches one job.
func (r *Repository) Get(ctx context.Context, domainID, jobID string) (*Job, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       jobKey(domainID, jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	if output.Item == nil {
		return nil, ErrJobNotFound
	}
	return unmarshalJob(output.Item), nil
}

// List returns a domain's export jobs.
func (r *Repository) List(ctx context.Context, domainID string) ([]*Job, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: dynamo.PrefixDomain + domainID},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixExport},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	result := make([]*Job, 0, len(output.Items))
	for _, item := range output.Items {
		result = append(result, unmarshalJob(item))
	}
	return result, nil
}

// Claim moves a pending job to running under a single-flight lease. A
// running job whose heartbeat went stale may be reclaimed. Fails with
// ErrNotClaimable when another worker holds a live lease or the job is
// past claiming.
func (r *Repository) Claim(ctx context.Context, domainID, jobID, owner string) (*Job, error) {
	now := r.now().UTC()
	stale := now.Add(-jobs.StaleAfter)

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       jobKey(domainID, jobID),
		UpdateExpression: aws.String("SET jobStatus = :running, leaseOwner = :owner, heartbeatAt = :now"),
		ConditionExpression: aws.String(
			"jobStatus = :pending OR (jobStatus = :running AND heartbeatAt < :stale)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(jobs.StatusPending)},
			":running": &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
			":owner":   &types.AttributeValueMemberS{Value: owner},
			":now":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":stale":   &types.AttributeValueMemberS{Value: stale.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("claim export job: %w", err)
	}
	return r.Get(ctx, domainID, jobID)
}

// Heartbeat stamps the lease, conditional on still owning it.
func (r *Repository) Heartbeat(ctx context.Context, domainID, jobID, owner string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 jobKey(domainID, jobID),
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
		return fmt.Errorf("heartbeat export job: %w", err)
	}
	return nil
}

// SetProgress records per-object progress under the lease.
func (r *Repository) SetProgress(ctx context.Context, domainID, jobID, owner string, progress float64, exported, skipped int) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       jobKey(domainID, jobID),
		UpdateExpression: aws.String("SET progress = :progress, exported = :exported, skipped = :skipped"),
		ConditionExpression: aws.String("leaseOwner = :owner AND jobStatus = :running"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":    &types.AttributeValueMemberS{Value: owner},
			":running":  &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
			":progress": &types.AttributeValueMemberN{Value: strconv.FormatFloat(progress, 'f', 4, 64)},
			":exported": &types.AttributeValueMemberN{Value: strconv.Itoa(exported)},
			":skipped":  &types.AttributeValueMemberN{Value: strconv.Itoa(skipped)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotLeaseOwner
		}
		return fmt.Errorf("set export progress: %w", err)
	}
	return nil
}

// Finish moves a running job to completed or failed under the lease.
func (r *Repository) Finish(ctx context.Context, domainID, jobID, owner string, status jobs.Status, outputKey, errMsg string) error {
	now := r.now().UTC()
	update := "SET jobStatus = :status, finishedAt = :now REMOVE leaseOwner, heartbeatAt"
	vals := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(status)},
		":owner":   &types.AttributeValueMemberS{Value: owner},
		":running": &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
		":now":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if outputKey != "" {
		update = "SET jobStatus = :status, finishedAt = :now, outputKey = :output, progress = :one REMOVE leaseOwner, heartbeatAt"
		vals[":output"] = &types.AttributeValueMemberS{Value: outputKey}
		vals[":one"] = &types.AttributeValueMemberN{Value: "1"}
	}
	if errMsg != "" {
		update = "SET jobStatus = :status, finishedAt = :now, jobError = :err REMOVE leaseOwner, heartbeatAt"
		vals[":err"] = &types.AttributeValueMemberS{Value: errMsg}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       jobKey(domainID, jobID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("leaseOwner = :owner AND jobStatus = :running"),
		ExpressionAttributeValues: vals,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotLeaseOwner
		}
		return fmt.Errorf("finish export job: %w", err)
	}
	return nil
}

// Cancel moves a pending or running job to cancelled. The running worker
// observes the status between objects and stops. Cancelling an already
// cancelled job is a no-op success.
func (r *Repository) Cancel(ctx context.Context, domainID, jobID string) error {
	now := r.now().UTC()
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       jobKey(domainID, jobID),
		UpdateExpression: aws.String("SET jobStatus = :cancelled, finishedAt = :now"),
		ConditionExpression: aws.String("jobStatus = :pending OR jobStatus = :running OR jobStatus = :cancelled"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": &types.AttributeValueMemberS{Value: string(jobs.StatusCancelled)},
			":pending":   &types.AttributeValueMemberS{Value: string(jobs.StatusPending)},
			":running":   &types.AttributeValueMemberS{Value: string(jobs.StatusRunning)},
			":now":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotCancellable
		}
		return fmt.Errorf("cancel export job: %w", err)
	}
	return nil
}

func unmarshalJob(item map[string]types.AttributeValue) *Job {
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
	if v, ok := item["format"].(*types.AttributeValueMemberS); ok {
		j.Format = Format(v.Value)
	}
	if v, ok := item["selector"].(*types.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(v.Value), &j.Selector)
	}
	if v, ok := item["compress"].(*types.AttributeValueMemberS); ok {
		j.Compress = Compression(v.Value)
	}
	if v, ok := item["encrypt"].(*types.AttributeValueMemberBOOL); ok {
		j.Encrypt = v.Value
	}
	if v, ok := item["publicKey"].(*types.AttributeValueMemberS); ok {
		j.PublicKey = v.Value
	}
	if v, ok := item["requestedBy"].(*types.AttributeValueMemberS); ok {
		j.RequestedBy = v.Value
	}
	if v, ok := item["reason"].(*types.AttributeValueMemberS); ok {
		j.Reason = v.Value
	}
	if v, ok := item["jobStatus"].(*types.AttributeValueMemberS); ok {
		j.Status = jobs.Status(v.Value)
	}
	if v, ok := item["progress"].(*types.AttributeValueMemberN); ok {
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			j.Progress = f
		}
	}
	if v, ok := item["exported"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			j.Exported = n
		}
	}
	if v, ok := item["skipped"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			j.Skipped = n
		}
	}
	if v, ok := item["outputKey"].(*types.AttributeValueMemberS); ok {
		j.OutputKey = v.Value
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
