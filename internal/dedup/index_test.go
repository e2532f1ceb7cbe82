package dedup

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeDynamo is an in-memory DynamoDB double honoring the condition
// expressions the repository uses.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["pk"].(*types.AttributeValueMemberS).Value
	sk := item["sk"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey(input.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(input.Item)
	if input.ConditionExpression != nil && strings.Contains(*input.ConditionExpression, "attribute_not_exists") {
		if _, exists := f.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(input.Key)
	item, exists := f.items[key]
	if !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if input.ConditionExpression != nil && !f.checkCondition(item, *input.ConditionExpression, input.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.applyUpdate(item, aws.ToString(input.UpdateExpression), input.ExpressionAttributeValues)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(input.Key)
	item, exists := f.items[key]
	if input.ConditionExpression != nil {
		cond := *input.ConditionExpression
		if strings.Contains(cond, "attribute_exists") && !exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
		if exists && !f.checkCondition(item, cond, input.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.QueryOutput{}
	if input.IndexName != nil {
		// GSI query: match gsi1pk equality plus gsi1sk range.
		pkVal := input.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
		cutoff := ""
		if v, ok := input.ExpressionAttributeValues[":cutoff"]; ok {
			cutoff = v.(*types.AttributeValueMemberS).Value
		}
		for _, item := range f.items {
			gpk, ok := item["gsi1pk"].(*types.AttributeValueMemberS)
			if !ok || gpk.Value != pkVal {
				continue
			}
			gsk := item["gsi1sk"].(*types.AttributeValueMemberS).Value
			if cutoff == "" || gsk < cutoff {
				out.Items = append(out.Items, item)
			}
		}
		return out, nil
	}

	pkVal := input.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	skPrefix := ""
	if v, ok := input.ExpressionAttributeValues[":skPrefix"]; ok {
		skPrefix = v.(*types.AttributeValueMemberS).Value
	}
	for key, item := range f.items {
		parts := strings.SplitN(key, "|", 2)
		if parts[0] != pkVal {
			continue
		}
		if skPrefix != "" && !strings.HasPrefix(parts[1], skPrefix) {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// First pass: validate all conditions, recording per-item reasons.
	reasons := make([]types.CancellationReason, len(input.TransactItems))
	failed := false
	for i, ti := range input.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		switch {
		case ti.Put != nil:
			if ti.Put.ConditionExpression != nil && strings.Contains(*ti.Put.ConditionExpression, "attribute_not_exists") {
				if _, exists := f.items[itemKey(ti.Put.Item)]; exists {
					reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
					failed = true
				}
			}
		case ti.Update != nil:
			item, exists := f.items[itemKey(ti.Update.Key)]
			if !exists {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				failed = true
				continue
			}
			if ti.Update.ConditionExpression != nil && !f.checkCondition(item, *ti.Update.ConditionExpression, ti.Update.ExpressionAttributeValues) {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				failed = true
			}
		case ti.Delete != nil:
			_, exists := f.items[itemKey(ti.Delete.Key)]
			if ti.Delete.ConditionExpression != nil && strings.Contains(*ti.Delete.ConditionExpression, "attribute_exists") && !exists {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				failed = true
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	// Second pass: apply.
	for _, ti := range input.TransactItems {
		switch {
		case ti.Put != nil:
			f.items[itemKey(ti.Put.Item)] = ti.Put.Item
		case ti.Update != nil:
			f.applyUpdate(f.items[itemKey(ti.Update.Key)], aws.ToString(ti.Update.UpdateExpression), ti.Update.ExpressionAttributeValues)
		case ti.Delete != nil:
			delete(f.items, itemKey(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// checkCondition understands the refCount comparisons the repository uses.
func (f *fakeDynamo) checkCondition(item map[string]types.AttributeValue, cond string, vals map[string]types.AttributeValue) bool {
	if strings.Contains(cond, "attribute_exists") || strings.Contains(cond, "attribute_not_exists") {
		return true // existence handled by callers
	}
	rc := int64(0)
	if v, ok := item["refCount"].(*types.AttributeValueMemberN); ok {
		rc, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if strings.Contains(cond, "refCount > :zero") {
		return rc > 0
	}
	if strings.Contains(cond, "refCount = :zero") {
		return rc == 0
	}
	return true
}

// applyUpdate implements the few SET/REMOVE shapes the repository emits.
func (f *fakeDynamo) applyUpdate(item map[string]types.AttributeValue, expr string, vals map[string]types.AttributeValue) {
	if item == nil {
		return
	}
	if strings.Contains(expr, "refCount + :one") {
		rc, _ := strconv.ParseInt(item["refCount"].(*types.AttributeValueMemberN).Value, 10, 64)
		item["refCount"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rc+1, 10)}
	}
	if strings.Contains(expr, "refCount - :one") {
		rc, _ := strconv.ParseInt(item["refCount"].(*types.AttributeValueMemberN).Value, 10, 64)
		item["refCount"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rc-1, 10)}
	}
	if strings.Contains(expr, "quarantineUntil = :until") {
		item["quarantineUntil"] = vals[":until"]
		item["gsi1pk"] = vals[":gcpk"]
		item["gsi1sk"] = vals[":gcsk"]
	}
	if strings.Contains(expr, "REMOVE") {
		delete(item, "quarantineUntil")
		delete(item, "gsi1pk")
		delete(item, "gsi1sk")
	}
}

func newTestIndex(t *testing.T) (*Index, *fakeDynamo) {
	t.Helper()
	db := newFakeDynamo()
	repo := NewRepository(db, "test-table")
	return NewIndex(repo, nil, time.Hour, testLogger), db
}

func testBlob(orgID string) *Blob {
	return &Blob{
		BlobID:      "blob-1",
		OrgID:       orgID,
		ContentHash: "aaaa1111",
		ContentType: "application/pdf",
		Size:        1024,
		RefCount:    0,
		StorageKey:  orgID + "/dom-1/user-1/attachments/blob-1",
	}
}

func TestCheckDuplicate_NewThenDuplicate(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	res, err := idx.CheckDuplicate(ctx, "org-1", "aaaa1111", 1024, "application/pdf")
	if err != nil {
		t.Fatalf("CheckDuplicate failed: %v", err)
	}
	if res.Duplicate {
		t.Fatal("expected no duplicate before registration")
	}

	if _, _, err := idx.RegisterBlob(ctx, testBlob("org-1")); err != nil {
		t.Fatalf("RegisterBlob failed: %v", err)
	}

	res, err = idx.CheckDuplicate(ctx, "org-1", "aaaa1111", 1024, "application/pdf")
	if err != nil {
		t.Fatalf("CheckDuplicate failed: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate after registration")
	}
	if res.SpaceSaved != 1024 {
		t.Errorf("spaceSaved = %d, want 1024", res.SpaceSaved)
	}
}

func TestCheckDuplicate_HashCollisionDifferentMeta(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, _, err := idx.RegisterBlob(ctx, testBlob("org-1")); err != nil {
		t.Fatalf("RegisterBlob failed: %v", err)
	}

	// Same hash, different size: not a duplicate.
	res, err := idx.CheckDuplicate(ctx, "org-1", "aaaa1111", 2048, "application/pdf")
	if err != nil {
		t.Fatalf("CheckDuplicate failed: %v", err)
	}
	if res.Duplicate {
		t.Error("expected no duplicate for different size under same hash")
	}

	// Same hash, different content type: not a duplicate, and both blobs
	// may coexist under the same hash.
	other := testBlob("org-1")
	other.BlobID = "blob-2"
	other.ContentType = "application/zip"
	if _, created, err := idx.RegisterBlob(ctx, other); err != nil || !created {
		t.Fatalf("RegisterBlob(other) = created %v, err %v; want true, nil", created, err)
	}
}

func TestRegisterBlob_ConcurrentOneWinner(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	a := testBlob("org-1")
	b := testBlob("org-1")
	b.BlobID = "blob-loser"

	_, createdA, err := idx.RegisterBlob(ctx, a)
	if err != nil {
		t.Fatalf("RegisterBlob(a) failed: %v", err)
	}
	winner, createdB, err := idx.RegisterBlob(ctx, b)
	if err != nil {
		t.Fatalf("RegisterBlob(b) failed: %v", err)
	}

	if !createdA || createdB {
		t.Errorf("created = (%v, %v), want (true, false)", createdA, createdB)
	}
	if winner.BlobID != "blob-1" {
		t.Errorf("loser received blob id %q, want winner %q", winner.BlobID, "blob-1")
	}

	// One reference per caller after both AddReference complete.
	for i, refID := range []string{"ref-a", "ref-b"} {
		err := idx.AddReference(ctx, &Reference{
			ReferenceID: refID,
			OrgID:       "org-1",
			MessageID:   "msg-" + strconv.Itoa(i),
			BlobID:      winner.BlobID,
			ContentHash: winner.ContentHash,
			ContentType: winner.ContentType,
			Size:        winner.Size,
		})
		if err != nil {
			t.Fatalf("AddReference(%s) failed: %v", refID, err)
		}
	}
	got, err := idx.repo.GetBlob(ctx, "org-1", winner.ContentHash, Identity(winner.Size, winner.ContentType))
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if got.RefCount != 2 {
		t.Errorf("refCount = %d, want 2", got.RefCount)
	}
}

func TestAddReference_Idempotent(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	blob := testBlob("org-1")
	if _, _, err := idx.RegisterBlob(ctx, blob); err != nil {
		t.Fatalf("RegisterBlob failed: %v", err)
	}

	ref := &Reference{
		ReferenceID: "ref-1",
		OrgID:       "org-1",
		MessageID:   "msg-1",
		BlobID:      blob.BlobID,
		ContentHash: blob.ContentHash,
		ContentType: blob.ContentType,
		Size:        blob.Size,
	}
	for i := 0; i < 3; i++ {
		if err := idx.AddReference(ctx, ref); err != nil {
			t.Fatalf("AddReference retry %d failed: %v", i, err)
		}
	}

	got, err := idx.repo.GetBlob(ctx, "org-1", blob.ContentHash, Identity(blob.Size, blob.ContentType))
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if got.RefCount != 1 {
		t.Errorf("refCount = %d after retried AddReference, want 1", got.RefCount)
	}
}

func TestRemoveReference_QuarantineAndIdempotence(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	blob := testBlob("org-1")
	if _, _, err := idx.RegisterBlob(ctx, blob); err != nil {
		t.Fatalf("RegisterBlob failed: %v", err)
	}
	ref := &Reference{
		ReferenceID: "ref-1",
		OrgID:       "org-1",
		MessageID:   "msg-1",
		BlobID:      blob.BlobID,
		ContentHash: blob.ContentHash,
		ContentType: blob.ContentType,
		Size:        blob.Size,
	}
	if err := idx.AddReference(ctx, ref); err != nil {
		t.Fatalf("AddReference failed: %v", err)
	}

	quarantined, err := idx.RemoveReference(ctx, "org-1", "ref-1")
	if err != nil {
		t.Fatalf("RemoveReference failed: %v", err)
	}
	if quarantined == nil {
		t.Fatal("expected blob to enter quarantine at refcount zero")
	}
	if quarantined.QuarantineUntil.IsZero() {
		t.Error("quarantineUntil not set")
	}

	// Second removal of the same reference is a no-op success.
	again, err := idx.RemoveReference(ctx, "org-1", "ref-1")
	if err != nil {
		t.Fatalf("second RemoveReference failed: %v", err)
	}
	if again != nil {
		t.Error("second RemoveReference should be a no-op")
	}
}

func TestRefCountInvariant(t *testing.T) {
	// sum(refCount over blobs) == count(active references)
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	blob := testBlob("org-1")
	if _, _, err := idx.RegisterBlob(ctx, blob); err != nil {
		t.Fatalf("RegisterBlob failed: %v", err)
	}

	refIDs := []string{"r1", "r2", "r3"}
	for _, id := range refIDs {
		if err := idx.AddReference(ctx, &Reference{
			ReferenceID: id, OrgID: "org-1", MessageID: "m-" + id,
			BlobID: blob.BlobID, ContentHash: blob.ContentHash,
			ContentType: blob.ContentType, Size: blob.Size,
		}); err != nil {
			t.Fatalf("AddReference(%s) failed: %v", id, err)
		}
	}
	if _, err := idx.RemoveReference(ctx, "org-1", "r2"); err != nil {
		t.Fatalf("RemoveReference failed: %v", err)
	}

	blobs, _, err := idx.repo.QueryOrgBlobs(ctx, "org-1", nil)
	if err != nil {
		t.Fatalf("QueryOrgBlobs failed: %v", err)
	}
	refs, _, err := idx.repo.QueryOrgReferences(ctx, "org-1", nil)
	if err != nil {
		t.Fatalf("QueryOrgReferences failed: %v", err)
	}
	var sum int64
	for _, b := range blobs {
		sum += b.RefCount
	}
	if sum != int64(len(refs)) {
		t.Errorf("sum(refCount) = %d, active references = %d; want equal", sum, len(refs))
	}
}

func TestStats(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	blob := testBlob("org-1")
	if _, _, err := idx.RegisterBlob(ctx, blob); err != nil {
		t.Fatalf("RegisterBlob failed: %v", err)
	}
	for _, id := range []string{"r1", "r2"} {
		if err := idx.AddReference(ctx, &Reference{
			ReferenceID: id, OrgID: "org-1", MessageID: "m-" + id,
			BlobID: blob.BlobID, ContentHash: blob.ContentHash,
			ContentType: blob.ContentType, Size: blob.Size,
		}); err != nil {
			t.Fatalf("AddReference failed: %v", err)
		}
	}

	stats, err := idx.Stats(ctx, "org-1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.BlobCount != 1 {
		t.Errorf("blobCount = %d, want 1", stats.BlobCount)
	}
	if stats.ReferenceCount != 2 {
		t.Errorf("referenceCount = %d, want 2", stats.ReferenceCount)
	}
	if stats.BytesSaved != 1024 {
		t.Errorf("bytesSaved = %d, want 1024", stats.BytesSaved)
	}
}
