package deletion

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/jobs"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/queue"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/retention"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msgItem(messageID, userID, storageKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"messageId":  s(messageID),
		"orgId":      s("org-1"),
		"domainId":   s("example.com"),
		"userId":     s(userID),
		"mailboxId":  s("mbox-1"),
		"folderId":   s("folder-inbox"),
		"subject":    s("subject " + messageID),
		"from":       s("alice@example.com"),
		"storageKey": s(storageKey),
		"size":       n("100"),
	}
}

func holdItem(scope retention.HoldScope, scopeID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"holdId":    s("hold-1"),
		"orgId":     s("org-1"),
		"scope":     s(string(scope)),
		"scopeId":   s(scopeID),
		"startDate": s(time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339Nano)),
		"keywords":  s(""),
		"active":    &types.AttributeValueMemberBOOL{Value: true},
	}
}

// newCascadeWorker wires a Worker over mocks: the job record flips to
// running on claim, msg-1 belongs to user-1 and msg-2 to the held
// user-2.
func newCascadeWorker(t *testing.T, store *objectstore.MemoryStore) (*Worker, *[]string, *[]EventType, *[]string) {
	t.Helper()

	status := jobs.StatusApproved
	target := Target{MailboxID: "mbox-1", MessageIDs: []string{"msg-1", "msg-2"}}
	jobMock := &mockDynamoDB{
		updateItemFunc: func(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			expr := *input.UpdateExpression
			if strings.Contains(expr, "leaseOwner = :owner") {
				status = jobs.StatusRunning
			}
			if v, ok := input.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS); ok {
				status = jobs.Status(v.Value)
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: delJobItem(status, target)}, nil
		},
	}

	var auditTypes []EventType
	auditMock := &mockDynamoDB{
		putItemFunc: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			if v, ok := input.Item["eventType"].(*types.AttributeValueMemberS); ok {
				auditTypes = append(auditTypes, EventType(v.Value))
			}
			return &dynamodb.PutItemOutput{}, nil
		},
	}

	var deletedRows []string
	msgMock := &mockDynamoDB{
		getItemFunc: func(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			sk := input.Key["sk"].(*types.AttributeValueMemberS).Value
			switch sk {
			case "MSG#msg-1":
				return &dynamodb.GetItemOutput{Item: msgItem("msg-1", "user-1", "key-1")}, nil
			case "MSG#msg-2":
				return &dynamodb.GetItemOutput{Item: msgItem("msg-2", "user-2", "key-2")}, nil
			}
			return &dynamodb.GetItemOutput{}, nil
		},
		deleteItemFunc: func(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			deletedRows = append(deletedRows, input.Key["sk"].(*types.AttributeValueMemberS).Value)
			return &dynamodb.DeleteItemOutput{}, nil
		},
	}

	holdsMock := &mockDynamoDB{
		queryFunc: func(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				holdItem(retention.HoldScopeUser, "user-2"),
			}}, nil
		},
	}

	var quotaReads []string
	quotaMock := &mockDynamoDB{
		getItemFunc: func(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			quotaReads = append(quotaReads, input.Key["pk"].(*types.AttributeValueMemberS).Value)
			return &dynamodb.GetItemOutput{}, nil
		},
	}

	index := dedup.NewIndex(dedup.NewRepository(&mockDynamoDB{}, "table"), nil, time.Hour, discardLogger())
	quotas := quota.NewEngine(quota.NewRepository(quotaMock, "table"), nil, discardLogger())
	holds := retention.NewRepository(holdsMock, "table")
	evaluator := retention.NewEvaluator(store, discardLogger())

	w := NewWorker(
		NewRepository(jobMock, "table"),
		NewAuditTrail(auditMock, "table"),
		message.NewRepository(msgMock, "table"),
		store,
		index,
		quotas,
		holds,
		evaluator,
		"worker-a",
		discardLogger(),
	)
	return w, &deletedRows, &auditTypes, &quotaReads
}

func TestProcess_CascadeDeletesAndSkipsHeld(t *testing.T) {
	store := objectstore.NewMemoryStore()
	for _, key := range []string{"key-1", "key-2"} {
		if _, err := store.Put(context.Background(), key, "text/plain", 4, strings.NewReader("body")); err != nil {
			t.Fatalf("store.Put() error = %v", err)
		}
	}

	w, deletedRows, auditTypes, quotaReads := newCascadeWorker(t, store)
	if err := w.Process(context.Background(), "example.com", "job-1"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// msg-1 deleted end to end, msg-2 shielded by the user-2 hold.
	if ok, _ := store.Exists(context.Background(), "key-1"); ok {
		t.Error("key-1 still present, want deleted")
	}
	if ok, _ := store.Exists(context.Background(), "key-2"); !ok {
		t.Error("key-2 deleted despite legal hold")
	}
	if len(*deletedRows) != 1 || (*deletedRows)[0] != "MSG#msg-1" {
		t.Errorf("metadata deletions = %v, want [MSG#msg-1]", *deletedRows)
	}

	wantEvents := map[EventType]int{
		EventStarted:       1,
		EventObjectDeleted: 1,
		EventSkippedHold:   1,
		EventFinished:      1,
	}
	got := map[EventType]int{}
	for _, e := range *auditTypes {
		got[e]++
	}
	for typ, count := range wantEvents {
		if got[typ] != count {
			t.Errorf("audit %s count = %d, want %d", typ, got[typ], count)
		}
	}

	// The quota release walked the scope chain for the deleted message.
	var sawMailboxQuota bool
	for _, pk := range *quotaReads {
		if strings.Contains(pk, "mbox-1") {
			sawMailboxQuota = true
		}
	}
	if !sawMailboxQuota {
		t.Errorf("quota chain reads = %v, want mailbox level included", *quotaReads)
	}
}

func TestProcess_DeletesBodyObjectOfReferencedMessage(t *testing.T) {
	store := objectstore.NewMemoryStore()
	if _, err := store.Put(context.Background(), "key-1", "text/plain", 4, strings.NewReader("body")); err != nil {
		t.Fatalf("store.Put() error = %v", err)
	}

	status := jobs.StatusApproved
	target := Target{MailboxID: "mbox-1", MessageIDs: []string{"msg-1"}}
	jobMock := &mockDynamoDB{
		updateItemFunc: func(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			if strings.Contains(*input.UpdateExpression, "leaseOwner = :owner") {
				status = jobs.StatusRunning
			}
			if v, ok := input.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS); ok {
				status = jobs.Status(v.Value)
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: delJobItem(status, target)}, nil
		},
	}

	var deletedRows []string
	msgMock := &mockDynamoDB{
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: msgItem("msg-1", "user-1", "key-1")}, nil
		},
		deleteItemFunc: func(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			deletedRows = append(deletedRows, input.Key["sk"].(*types.AttributeValueMemberS).Value)
			return &dynamodb.DeleteItemOutput{}, nil
		},
	}

	// msg-1 holds one attachment reference to a blob another message
	// shares: the refcount stays positive after the detach.
	refItem := map[string]types.AttributeValue{
		"referenceId": s("ref-1"),
		"orgId":       s("org-1"),
		"messageId":   s("msg-1"),
		"contentHash": s("hash-a"),
		"identity":    s("2048#application/pdf"),
		"size":        n("2048"),
	}
	blobItem := map[string]types.AttributeValue{
		"blobId":      s("blob-1"),
		"orgId":       s("org-1"),
		"contentHash": s("hash-a"),
		"size":        n("2048"),
		"refCount":    n("1"),
		"storageKey":  s("blob-key-1"),
	}
	var refDetaches int
	dedupMock := &mockDynamoDB{
		queryFunc: func(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			prefix := input.ExpressionAttributeValues[":skPrefix"].(*types.AttributeValueMemberS).Value
			if strings.HasPrefix(prefix, "MSGREF#msg-1#") {
				return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{refItem}}, nil
			}
			return &dynamodb.QueryOutput{}, nil
		},
		getItemFunc: func(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			sk := input.Key["sk"].(*types.AttributeValueMemberS).Value
			switch {
			case strings.HasPrefix(sk, "REF#"):
				return &dynamodb.GetItemOutput{Item: refItem}, nil
			case strings.HasPrefix(sk, "BLOB#"):
				return &dynamodb.GetItemOutput{Item: blobItem}, nil
			}
			return &dynamodb.GetItemOutput{}, nil
		},
		transactWriteItemsFunc: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			refDetaches++
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}

	w := NewWorker(
		NewRepository(jobMock, "table"),
		NewAuditTrail(&mockDynamoDB{}, "table"),
		message.NewRepository(msgMock, "table"),
		store,
		dedup.NewIndex(dedup.NewRepository(dedupMock, "table"), nil, time.Hour, discardLogger()),
		quota.NewEngine(quota.NewRepository(&mockDynamoDB{}, "table"), nil, discardLogger()),
		retention.NewRepository(&mockDynamoDB{}, "table"),
		retention.NewEvaluator(store, discardLogger()),
		"worker-a",
		discardLogger(),
	)

	if err := w.Process(context.Background(), "example.com", "job-1"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// The references are detached AND the body object goes: a shared
	// attachment blob never keeps the message body alive.
	if refDetaches != 1 {
		t.Errorf("reference detaches = %d, want 1", refDetaches)
	}
	if ok, _ := store.Exists(context.Background(), "key-1"); ok {
		t.Error("message body key-1 still present, want deleted")
	}
	if len(deletedRows) != 1 || deletedRows[0] != "MSG#msg-1" {
		t.Errorf("metadata deletions = %v, want [MSG#msg-1]", deletedRows)
	}
}

func TestProcess_UnapprovedJobNotClaimed(t *testing.T) {
	jobMock := &mockDynamoDB{
		updateItemFunc: func(_ context.Context, _ *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	var audits int
	auditMock := &mockDynamoDB{
		putItemFunc: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			audits++
			return &dynamodb.PutItemOutput{}, nil
		},
	}

	store := objectstore.NewMemoryStore()
	w := NewWorker(
		NewRepository(jobMock, "table"),
		NewAuditTrail(auditMock, "table"),
		message.NewRepository(&mockDynamoDB{}, "table"),
		store,
		dedup.NewIndex(dedup.NewRepository(&mockDynamoDB{}, "table"), nil, time.Hour, discardLogger()),
		quota.NewEngine(quota.NewRepository(&mockDynamoDB{}, "table"), nil, discardLogger()),
		retention.NewRepository(&mockDynamoDB{}, "table"),
		retention.NewEvaluator(store, discardLogger()),
		"worker-a",
		discardLogger(),
	)

	if err := w.Process(context.Background(), "example.com", "job-1"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if audits != 0 {
		t.Errorf("audit events = %d, want 0 for unclaimed job", audits)
	}
}

type mockSQS struct {
	sendMessageFunc func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return m.sendMessageFunc(ctx, params, optFns...)
}

func TestEnqueueExpired_CreatesApprovedJobAndNotifies(t *testing.T) {
	var created *Job
	var approved bool
	jobMock := &mockDynamoDB{
		putItemFunc: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			created = unmarshalDeletionJob(input.Item)
			return &dynamodb.PutItemOutput{}, nil
		},
		getItemFunc: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			item := delJobItem(jobs.StatusPending, Target{MailboxID: "mbox-1", MessageIDs: []string{"msg-1"}})
			item["requestedBy"] = s("policy:pol-1")
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
		updateItemFunc: func(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			if strings.Contains(*input.UpdateExpression, "approvedBy") {
				approved = true
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}

	var noticeBody string
	sender := &mockSQS{
		sendMessageFunc: func(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			noticeBody = *params.MessageBody
			return &sqs.SendMessageOutput{}, nil
		},
	}

	e := NewEnqueuer(NewRepository(jobMock, "table"), NewAuditTrail(&mockDynamoDB{}, "table"), queue.NewPublisher(sender, "queue-url"))
	m := &message.Message{
		MessageID: "msg-1",
		OrgID:     "org-1",
		DomainID:  "example.com",
		UserID:    "user-1",
		MailboxID: "mbox-1",
		Size:      100,
	}
	if err := e.EnqueueExpired(context.Background(), m, "pol-1"); err != nil {
		t.Fatalf("EnqueueExpired() error = %v", err)
	}

	if created == nil {
		t.Fatal("no deletion job created")
	}
	if created.Kind != KindSelective {
		t.Errorf("Kind = %q, want %q", created.Kind, KindSelective)
	}
	if created.Compliance != ComplianceRetention {
		t.Errorf("Compliance = %q, want %q", created.Compliance, ComplianceRetention)
	}
	if created.RequestedBy != "policy:pol-1" {
		t.Errorf("RequestedBy = %q, want policy:pol-1", created.RequestedBy)
	}
	if !approved {
		t.Error("job not auto-approved")
	}

	var notice queue.JobNotice
	if err := json.Unmarshal([]byte(noticeBody), &notice); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if notice.Kind != queue.KindDeletion {
		t.Errorf("notice.Kind = %q, want %q", notice.Kind, queue.KindDeletion)
	}
	if notice.DomainID != "example.com" {
		t.Errorf("notice.DomainID = %q, want example.com", notice.DomainID)
	}
}
