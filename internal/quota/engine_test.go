package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockDynamoDB struct {
	getItemFunc            func(ctx context.Context, input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	putItemFunc            func(ctx context.Context, input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateItemFunc         func(ctx context.Context, input *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	deleteItemFunc         func(ctx context.Context, input *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	queryFunc              func(ctx context.Context, input *dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	transactWriteItemsFunc func(ctx context.Context, input *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockDynamoDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return m.getItemFunc(ctx, input)
}

func (m *mockDynamoDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return m.putItemFunc(ctx, input)
}

func (m *mockDynamoDB) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return m.updateItemFunc(ctx, input)
}

func (m *mockDynamoDB) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return m.deleteItemFunc(ctx, input)
}

func (m *mockDynamoDB) Query(ctx context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.queryFunc(ctx, input)
}

func (m *mockDynamoDB) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	return m.transactWriteItemsFunc(ctx, input)
}

// quotaItem builds a stored quota row for mock GetItem responses.
func quotaItem(level Level, entityID string, total, used int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk":          &types.AttributeValueMemberS{Value: quotaPK(level, entityID)},
		"sk":          &types.AttributeValueMemberS{Value: skQuota},
		attrLevel:     &types.AttributeValueMemberS{Value: string(level)},
		attrEntityID:  &types.AttributeValueMemberS{Value: entityID},
		attrTotalBytes: &types.AttributeValueMemberN{
			Value: strconv.FormatInt(total, 10),
		},
		attrUsedBytes: &types.AttributeValueMemberN{
			Value: strconv.FormatInt(used, 10),
		},
		attrObjectCount: &types.AttributeValueMemberN{Value: "1"},
		attrSoftPct:     &types.AttributeValueMemberN{Value: "85"},
		attrHardPct:     &types.AttributeValueMemberN{Value: "100"},
	}
}

// quotaDirectory wires GetItem to a fixed set of quota rows keyed by pk.
func quotaDirectory(rows ...map[string]types.AttributeValue) func(ctx context.Context, input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
	byPK := make(map[string]map[string]types.AttributeValue)
	for _, row := range rows {
		pk := row["pk"].(*types.AttributeValueMemberS).Value
		byPK[pk] = row
	}
	return func(ctx context.Context, input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		pk := input.Key["pk"].(*types.AttributeValueMemberS).Value
		if row, ok := byPK[pk]; ok {
			return &dynamodb.GetItemOutput{Item: row}, nil
		}
		return &dynamodb.GetItemOutput{}, nil
	}
}

func TestCheck_HardBreachDenied(t *testing.T) {
	// Mailbox at 9500 of 10000; a 1000-byte write must be denied at the
	// mailbox level as a hard breach, with no higher level consulted.
	mock := &mockDynamoDB{
		getItemFunc: quotaDirectory(
			quotaItem(LevelMailbox, "mbx-1", 10000, 9500),
			quotaItem(LevelUser, "user-1", 100000, 9500),
		),
	}
	engine := NewEngine(NewRepository(mock, "test-table"), nil, testLogger)

	result, err := engine.Check(context.Background(), Scope{
		OrgID: "org-1", DomainID: "dom-1", UserID: "user-1", MailboxID: "mbx-1",
	}, 1000)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Error("Allowed = true, want false")
	}
	if result.Level != LevelMailbox {
		t.Errorf("Level = %q, want %q", result.Level, LevelMailbox)
	}
	if result.LimitKind != LimitHard {
		t.Errorf("LimitKind = %q, want %q", result.LimitKind, LimitHard)
	}
	if result.CurrentPct != 95 {
		t.Errorf("CurrentPct = %v, want 95", result.CurrentPct)
	}
}

func TestCheck_SoftBreachAdvisory(t *testing.T) {
	mock := &mockDynamoDB{
		getItemFunc: quotaDirectory(
			quotaItem(LevelMailbox, "mbx-1", 10000, 8400),
		),
	}
	engine := NewEngine(NewRepository(mock, "test-table"), nil, testLogger)

	result, err := engine.Check(context.Background(), Scope{OrgID: "org-1", MailboxID: "mbx-1"}, 500)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Allowed = false, want true for soft breach")
	}
	if result.LimitKind != LimitSoft {
		t.Errorf("LimitKind = %q, want %q", result.LimitKind, LimitSoft)
	}
	if result.Level != LevelMailbox {
		t.Errorf("Level = %q, want %q", result.Level, LevelMailbox)
	}
}

func TestCheck_UnconfiguredLevelsUnconstrained(t *testing.T) {
	mock := &mockDynamoDB{
		getItemFunc: quotaDirectory(),
	}
	engine := NewEngine(NewRepository(mock, "test-table"), nil, testLogger)

	result, err := engine.Check(context.Background(), Scope{OrgID: "org-1", MailboxID: "mbx-1"}, 1 << 40)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed || result.LimitKind != LimitNone {
		t.Errorf("result = %+v, want unconstrained allow", result)
	}
}

func TestCommit_OrderAndCeilings(t *testing.T) {
	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDynamoDB{
		getItemFunc: quotaDirectory(
			quotaItem(LevelMailbox, "mbx-1", 10000, 1000),
			quotaItem(LevelUser, "user-1", 50000, 1000),
			quotaItem(LevelDomain, "dom-1", 200000, 1000),
			quotaItem(LevelOrg, "org-1", 400000, 1000),
		),
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	engine := NewEngine(NewRepository(mock, "test-table"), nil, testLogger)

	err := engine.Commit(context.Background(), Scope{
		OrgID: "org-1", DomainID: "dom-1", UserID: "user-1", MailboxID: "mbx-1",
	}, 500, 1)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(captured.TransactItems) != 4 {
		t.Fatalf("transaction items = %d, want 4", len(captured.TransactItems))
	}

	wantOrder := []string{
		quotaPK(LevelMailbox, "mbx-1"),
		quotaPK(LevelUser, "user-1"),
		quotaPK(LevelDomain, "dom-1"),
		quotaPK(LevelOrg, "org-1"),
	}
	for i, want := range wantOrder {
		gotPK := captured.TransactItems[i].Update.Key["pk"].(*types.AttributeValueMemberS).Value
		if gotPK != want {
			t.Errorf("transaction item %d pk = %q, want %q", i, gotPK, want)
		}
		cond := aws.ToString(captured.TransactItems[i].Update.ConditionExpression)
		if !strings.Contains(cond, ":ceiling") {
			t.Errorf("transaction item %d condition %q lacks hard ceiling", i, cond)
		}
	}

	// Ceiling for the mailbox: hard bytes 10000 minus delta 500.
	ceiling := captured.TransactItems[0].Update.ExpressionAttributeValues[":ceiling"].(*types.AttributeValueMemberN).Value
	if ceiling != "9500" {
		t.Errorf("mailbox ceiling = %s, want 9500", ceiling)
	}
}

func TestCommit_HardLimitRejectsWholeTransaction(t *testing.T) {
	mock := &mockDynamoDB{
		getItemFunc: quotaDirectory(
			quotaItem(LevelMailbox, "mbx-1", 10000, 9500),
			quotaItem(LevelOrg, "org-1", 400000, 9500),
		),
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, &types.TransactionCanceledException{
				CancellationReasons: []types.CancellationReason{
					{Code: aws.String("ConditionalCheckFailed")},
					{Code: aws.String("None")},
				},
			}
		},
	}
	engine := NewEngine(NewRepository(mock, "test-table"), nil, testLogger)

	err := engine.Commit(context.Background(), Scope{OrgID: "org-1", MailboxID: "mbx-1"}, 1000, 1)
	var hle *HardLimitError
	if !errors.As(err, &hle) {
		t.Fatalf("Commit error = %v, want *HardLimitError", err)
	}
	if hle.Level != LevelMailbox {
		t.Errorf("breach level = %q, want %q", hle.Level, LevelMailbox)
	}
}

func TestCommit_NegativeDeltaGuardsFloor(t *testing.T) {
	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDynamoDB{
		getItemFunc: quotaDirectory(
			quotaItem(LevelUser, "user-1", 50000, 3000),
		),
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	engine := NewEngine(NewRepository(mock, "test-table"), nil, testLogger)

	if err := engine.Commit(context.Background(), Scope{UserID: "user-1"}, -2000, -3); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	cond := aws.ToString(captured.TransactItems[0].Update.ConditionExpression)
	if !strings.Contains(cond, ":floor") {
		t.Errorf("condition %q lacks non-negative floor guard", cond)
	}
	floor := captured.TransactItems[0].Update.ExpressionAttributeValues[":floor"].(*types.AttributeValueMemberN).Value
	if floor != "2000" {
		t.Errorf("floor = %s, want 2000", floor)
	}
}

func TestLowerUsage_NeverRaises(t *testing.T) {
	mock := &mockDynamoDB{
		updateItemFunc: func(ctx context.Context, input *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			// The stored usage is already lower; the guard fails.
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	repo := NewRepository(mock, "test-table")

	lowered, err := repo.LowerUsage(context.Background(), LevelUser, "user-1", 999999, 10)
	if err != nil {
		t.Fatalf("LowerUsage failed: %v", err)
	}
	if lowered {
		t.Error("lowered = true; reconciler must never raise usage")
	}
}

func TestCreate_AppliesDefaultThresholds(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDynamoDB{
		putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	engine := NewEngine(NewRepository(mock, "test-table"), nil, testLogger)

	err := engine.Create(context.Background(), &Quota{
		Level: LevelUser, EntityID: "user-1", ParentID: "dom-1", TotalBytes: 50000,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	soft := captured.Item[attrSoftPct].(*types.AttributeValueMemberN).Value
	hard := captured.Item[attrHardPct].(*types.AttributeValueMemberN).Value
	if soft != "85" || hard != "100" {
		t.Errorf("thresholds = (%s, %s), want (85, 100)", soft, hard)
	}
	if _, ok := captured.Item["gsi1pk"]; !ok {
		t.Error("parented quota missing child-index key")
	}
}
