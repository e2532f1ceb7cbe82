package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/enterprise-email/mailplane/internal/jobs"
)

type mockDynamoDB struct {
	getItemFunc            func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	putItemFunc            func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	updateItemFunc         func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	deleteItemFunc         func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	queryFunc              func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	transactWriteItemsFunc func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockDynamoDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return m.getItemFunc(ctx, input, opts...)
}

func (m *mockDynamoDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc == nil {
		return &dynamodb.PutItemOutput{}, nil
	}
	return m.putItemFunc(ctx, input, opts...)
}

func (m *mockDynamoDB) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFunc == nil {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	return m.updateItemFunc(ctx, input, opts...)
}

func (m *mockDynamoDB) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFunc == nil {
		return &dynamodb.DeleteItemOutput{}, nil
	}
	return m.deleteItemFunc(ctx, input, opts...)
}

func (m *mockDynamoDB) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return m.queryFunc(ctx, input, opts...)
}

func (m *mockDynamoDB) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactWriteItemsFunc == nil {
		return &dynamodb.TransactWriteItemsOutput{}, nil
	}
	return m.transactWriteItemsFunc(ctx, input, opts...)
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func delJobItem(status jobs.Status, target Target) map[string]types.AttributeValue {
	raw, _ := json.Marshal(target)
	return map[string]types.AttributeValue{
		"jobId":       s("job-1"),
		"orgId":       s("org-1"),
		"domainId":    s("example.com"),
		"kind":        s(string(KindSelective)),
		"compliance":  s(string(ComplianceGDPR)),
		"target":      s(string(raw)),
		"requestedBy": s("admin-1"),
		"reason":      s("gdpr erasure request"),
		"jobStatus":   s(string(status)),
	}
}

func TestApprove_SecondActorRequired(t *testing.T) {
	mock := &mockDynamoDB{
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: delJobItem(jobs.StatusPending, Target{})}, nil
		},
	}
	repo := NewRepository(mock, "table")

	if err := repo.Approve(context.Background(), "example.com", "job-1", "admin-1"); !errors.Is(err, ErrSelfApproval) {
		t.Errorf("Approve(requester) error = %v, want ErrSelfApproval", err)
	}
	if err := repo.Approve(context.Background(), "example.com", "job-1", "admin-2"); err != nil {
		t.Errorf("Approve(second actor) error = %v", err)
	}
}

func TestApprove_IdempotentOnApprovedJob(t *testing.T) {
	var updates int
	mock := &mockDynamoDB{
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			item := delJobItem(jobs.StatusApproved, Target{})
			item["approvedBy"] = s("admin-2")
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
		updateItemFunc: func(_ context.Context, _ *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			updates++
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	repo := NewRepository(mock, "table")

	if err := repo.Approve(context.Background(), "example.com", "job-1", "admin-3"); err != nil {
		t.Errorf("Approve(already approved) error = %v", err)
	}
	if updates != 0 {
		t.Errorf("UpdateItem calls = %d, want 0 (original approver kept)", updates)
	}
}

func TestApprove_RaceFallsBackToReRead(t *testing.T) {
	// The conditional update loses to a concurrent approver; a re-read
	// showing approved resolves the retry as success.
	reads := 0
	mock := &mockDynamoDB{
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			reads++
			status := jobs.StatusPending
			if reads > 1 {
				status = jobs.StatusApproved
			}
			return &dynamodb.GetItemOutput{Item: delJobItem(status, Target{})}, nil
		},
		updateItemFunc: func(_ context.Context, _ *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	repo := NewRepository(mock, "table")

	if err := repo.Approve(context.Background(), "example.com", "job-1", "admin-2"); err != nil {
		t.Errorf("Approve(raced) error = %v", err)
	}
}

func TestApprove_CancelledJobRejected(t *testing.T) {
	mock := &mockDynamoDB{
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: delJobItem(jobs.StatusCancelled, Target{})}, nil
		},
		updateItemFunc: func(_ context.Context, _ *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	repo := NewRepository(mock, "table")

	if err := repo.Approve(context.Background(), "example.com", "job-1", "admin-2"); !errors.Is(err, ErrNotApprovable) {
		t.Errorf("Approve(cancelled) error = %v, want ErrNotApprovable", err)
	}
}

func TestClaim_RequiresApproval(t *testing.T) {
	// A pending job fails the claim condition: the approval gate sits
	// between creation and execution.
	mock := &mockDynamoDB{
		updateItemFunc: func(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			if v, ok := input.ExpressionAttributeValues[":approved"]; !ok || v == nil {
				t.Error("claim condition does not reference approved status")
			}
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	repo := NewRepository(mock, "table")

	if _, err := repo.Claim(context.Background(), "example.com", "job-1", "worker-a"); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Claim(pending) error = %v, want ErrNotClaimable", err)
	}
}

func TestCreate_DuplicateRejected(t *testing.T) {
	mock := &mockDynamoDB{
		putItemFunc: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			if input.ConditionExpression == nil || *input.ConditionExpression != "attribute_not_exists(pk)" {
				t.Errorf("ConditionExpression = %v, want attribute_not_exists(pk)", input.ConditionExpression)
			}
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	repo := NewRepository(mock, "table")

	job := &Job{JobID: "job-1", OrgID: "org-1", DomainID: "example.com", Kind: KindUser, Compliance: ComplianceGDPR, RequestedBy: "admin-1"}
	if err := repo.Create(context.Background(), job); !errors.Is(err, ErrJobExists) {
		t.Errorf("Create(duplicate) error = %v, want ErrJobExists", err)
	}
}

func TestCreate_PersistsSchedule(t *testing.T) {
	scheduled := time.Date(2027, 3, 1, 9, 0, 0, 0, time.UTC)
	var item map[string]types.AttributeValue
	mock := &mockDynamoDB{
		putItemFunc: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			item = input.Item
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	repo := NewRepository(mock, "table")

	job := &Job{JobID: "job-1", OrgID: "org-1", DomainID: "example.com", Kind: KindUser, Compliance: ComplianceGDPR, RequestedBy: "admin-1", ScheduledFor: scheduled}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	v, ok := item["scheduledFor"].(*types.AttributeValueMemberS)
	if !ok || v.Value != scheduled.Format(time.RFC3339Nano) {
		t.Errorf("scheduledFor = %v, want %s", item["scheduledFor"], scheduled.Format(time.RFC3339Nano))
	}

	// An immediate job carries no schedule attribute at all, so the
	// claim condition's attribute_not_exists branch lets it through.
	job2 := &Job{JobID: "job-2", OrgID: "org-1", DomainID: "example.com", Kind: KindUser, Compliance: ComplianceGDPR, RequestedBy: "admin-1"}
	if err := repo.Create(context.Background(), job2); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, present := item["scheduledFor"]; present {
		t.Error("unscheduled job persisted a scheduledFor attribute")
	}
}

func TestClaim_DeferredUntilScheduledFor(t *testing.T) {
	// An approved job scheduled for the future fails the claim
	// condition until its instant passes.
	mock := &mockDynamoDB{
		updateItemFunc: func(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			cond := *input.ConditionExpression
			if !strings.Contains(cond, "attribute_not_exists(scheduledFor) OR scheduledFor <= :now") {
				t.Errorf("claim condition = %q, missing scheduledFor guard", cond)
			}
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	repo := NewRepository(mock, "table")

	if _, err := repo.Claim(context.Background(), "example.com", "job-1", "worker-a"); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Claim(scheduled) error = %v, want ErrNotClaimable", err)
	}
}

func TestUnmarshalDeletionJob_RoundTripsTarget(t *testing.T) {
	target := Target{MailboxID: "mbox-1", MessageIDs: []string{"msg-1", "msg-2"}}
	item := delJobItem(jobs.StatusApproved, target)
	item["deleted"] = n("3")
	item["bytesFreed"] = n("4096")

	j := unmarshalDeletionJob(item)
	if j.Target.MailboxID != "mbox-1" || len(j.Target.MessageIDs) != 2 {
		t.Errorf("Target = %+v, want %+v", j.Target, target)
	}
	if j.Deleted != 3 {
		t.Errorf("Deleted = %d, want 3", j.Deleted)
	}
	if j.BytesFreed != 4096 {
		t.Errorf("BytesFreed = %d, want 4096", j.BytesFreed)
	}
}
