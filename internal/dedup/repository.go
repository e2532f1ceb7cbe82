package dedup

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
	ErrBlobExists       = errors.New("blob already registered")
	ErrBlobNotFound     = errors.New("blob not found")
	ErrRefNotFound      = errors.New("reference not found")
	ErrRefCountConflict = errors.New("refcount update conflict")
)

// Key prefixes for DynamoDB sort keys.
const (
	prefixBlob   = "BLOB#"
	prefixRef    = "REF#"
	prefixMsgRef = "MSGREF#"
	gcPartition  = "BLOBGC"
)

// Attribute names for DynamoDB items.
const (
	attrBlobID          = "blobId"
	attrOrgID           = "orgId"
	attrDomainID        = "domainId"
	attrUserID          = "userId"
	attrMessageID       = "messageId"
	attrContentHash     = "contentHash"
	attrContentType     = "contentType"
	attrIdentity        = "identity"
	attrFilename        = "filename"
	attrSize            = "size"
	attrRefCount        = "refCount"
	attrStorageKey      = "storageKey"
	attrQuarantineUntil = "quarantineUntil"
	attrReferenceID     = "referenceId"
	attrCreatedAt       = "createdAt"
	attrUpdatedAt       = "updatedAt"
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

// Repository handles dedup index persistence.
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

func blobPK(orgID string) string { return dynamo.PrefixOrg + orgID }

func blobSK(contentHash, identity string) string {
	return prefixBlob + contentHash + "#" + identity
}

func refSK(referenceID string) string { return prefixRef + referenceID }

func msgRefSK(messageID, referenceID string) string {
	return prefixMsgRef + messageID + "#" + referenceID
}

// PutBlob registers a blob row. Exactly one concurrent writer wins; losers
// get ErrBlobExists and should read the winner with GetBlob.
func (r *Repository) PutBlob(ctx context.Context, b *Blob) error {
	now := r.now().UTC()
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:   &types.AttributeValueMemberS{Value: blobPK(b.OrgID)},
		dynamo.AttrSK:   &types.AttributeValueMemberS{Value: blobSK(b.ContentHash, Identity(b.Size, b.ContentType))},
		attrBlobID:      &types.AttributeValueMemberS{Value: b.BlobID},
		attrOrgID:       &types.AttributeValueMemberS{Value: b.OrgID},
		attrContentHash: &types.AttributeValueMemberS{Value: b.ContentHash},
		attrContentType: &types.AttributeValueMemberS{Value: b.ContentType},
		attrSize:        &types.AttributeValueMemberN{Value: strconv.FormatInt(b.Size, 10)},
		attrRefCount:    &types.AttributeValueMemberN{Value: strconv.FormatInt(b.RefCount, 10)},
		attrStorageKey:  &types.AttributeValueMemberS{Value: b.StorageKey},
		attrCreatedAt:   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		attrUpdatedAt:   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrBlobExists
		}
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

// GetBlob fetches a blob row by its dedup identity.
func (r *Repository) GetBlob(ctx context.Context, orgID, contentHash, identity string) (*Blob, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(orgID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: prefixBlob + contentHash + "#" + identity},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	if output.Item == nil {
		return nil, ErrBlobNotFound
	}
	return unmarshalBlob(output.Item), nil
}

// QueryBlobsByHash returns every blob row sharing a content hash. Multiple
// rows mean colliding hashes with distinct (size, contentType) identities.
func (r *Repository) QueryBlobsByHash(ctx context.Context, orgID, contentHash string) ([]*Blob, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: blobPK(orgID)},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixBlob + contentHash + "#"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query blobs by hash: %w", err)
	}
	blobs := make([]*Blob, 0, len(output.Items))
	for _, item := range output.Items {
		blobs = append(blobs, unmarshalBlob(item))
	}
	return blobs, nil
}

// AddReference writes the reference row and increments the blob refcount in
// one transaction. It is idempotent with respect to the referenceId: a
// retry after success is a no-op and never double-counts.
func (r *Repository) AddReference(ctx context.Context, ref *Reference) error {
	now := r.now().UTC()
	refItem := map[string]types.AttributeValue{
		dynamo.AttrPK:   &types.AttributeValueMemberS{Value: blobPK(ref.OrgID)},
		dynamo.AttrSK:   &types.AttributeValueMemberS{Value: refSK(ref.ReferenceID)},
		attrReferenceID: &types.AttributeValueMemberS{Value: ref.ReferenceID},
		attrOrgID:       &types.AttributeValueMemberS{Value: ref.OrgID},
		attrDomainID:    &types.AttributeValueMemberS{Value: ref.DomainID},
		attrUserID:      &types.AttributeValueMemberS{Value: ref.UserID},
		attrMessageID:   &types.AttributeValueMemberS{Value: ref.MessageID},
		attrBlobID:      &types.AttributeValueMemberS{Value: ref.BlobID},
		attrContentHash: &types.AttributeValueMemberS{Value: ref.ContentHash},
		attrIdentity:    &types.AttributeValueMemberS{Value: ref.Identity},
		attrFilename:    &types.AttributeValueMemberS{Value: ref.Filename},
		attrContentType: &types.AttributeValueMemberS{Value: ref.ContentType},
		attrSize:        &types.AttributeValueMemberN{Value: strconv.FormatInt(ref.Size, 10)},
		attrCreatedAt:   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	msgRefItem := map[string]types.AttributeValue{
		dynamo.AttrPK:   &types.AttributeValueMemberS{Value: blobPK(ref.OrgID)},
		dynamo.AttrSK:   &types.AttributeValueMemberS{Value: msgRefSK(ref.MessageID, ref.ReferenceID)},
		attrReferenceID: &types.AttributeValueMemberS{Value: ref.ReferenceID},
	}

	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					Item:                refItem,
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(r.tableName),
					Item:      msgRefItem,
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(r.tableName),
					Key: map[string]types.AttributeValue{
						dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(ref.OrgID)},
						dynamo.AttrSK: &types.AttributeValueMemberS{Value: blobSK(ref.ContentHash, ref.Identity)},
					},
					// Adding a reference revives a quarantined blob.
					UpdateExpression: aws.String("SET " + attrRefCount + " = " + attrRefCount + " + :one, " +
						attrUpdatedAt + " = :now REMOVE " + attrQuarantineUntil + ", " + dynamo.AttrGSI1PK + ", " + dynamo.AttrGSI1SK),
					ConditionExpression: aws.String("attribute_exists(pk)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": &types.AttributeValueMemberN{Value: "1"},
						":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					},
				},
			},
		},
	})
	if err != nil {
		if isTransactionConditionFailed(err, 0) {
			// Reference already exists: a retry of the same referenceId.
			return nil
		}
		if isTransactionConditionFailed(err, 2) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("add reference: %w", err)
	}
	return nil
}

// GetReference fetches a reference row.
func (r *Repository) GetReference(ctx context.Context, orgID, referenceID string) (*Reference, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(orgID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: refSK(referenceID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get reference: %w", err)
	}
	if output.Item == nil {
		return nil, ErrRefNotFound
	}
	return unmarshalReference(output.Item), nil
}

// QueryReferencesByMessage lists reference IDs attached to a message.
func (r *Repository) QueryReferencesByMessage(ctx context.Context, orgID, messageID string) ([]string, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: blobPK(orgID)},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixMsgRef + messageID + "#"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query references by message: %w", err)
	}
	ids := make([]string, 0, len(output.Items))
	for _, item := range output.Items {
		if v, ok := item[attrReferenceID].(*types.AttributeValueMemberS); ok {
			ids = append(ids, v.Value)
		}
	}
	return ids, nil
}

// RemoveReference deletes a reference and decrements the blob refcount.
// Removing an absent reference succeeds (idempotent retry). Returns the
// affected blob after the decrement, or nil when the reference was already
// gone.
func (r *Repository) RemoveReference(ctx context.Context, orgID, referenceID string, quarantine time.Duration) (*Blob, error) {
	ref, err := r.GetReference(ctx, orgID, referenceID)
	if err != nil {
		if errors.Is(err, ErrRefNotFound) {
			return nil, nil
		}
		return nil, err
	}
	now := r.now().UTC()

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName: aws.String(r.tableName),
					Key: map[string]types.AttributeValue{
						dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(orgID)},
						dynamo.AttrSK: &types.AttributeValueMemberS{Value: refSK(referenceID)},
					},
					// A concurrent retry already removed it; losing this
					// race must not decrement twice.
					ConditionExpression: aws.String("attribute_exists(pk)"),
				},
			},
			{
				Delete: &types.Delete{
					TableName: aws.String(r.tableName),
					Key: map[string]types.AttributeValue{
						dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(orgID)},
						dynamo.AttrSK: &types.AttributeValueMemberS{Value: msgRefSK(ref.MessageID, referenceID)},
					},
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(r.tableName),
					Key: map[string]types.AttributeValue{
						dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(orgID)},
						dynamo.AttrSK: &types.AttributeValueMemberS{Value: blobSK(ref.ContentHash, ref.Identity)},
					},
					UpdateExpression:    aws.String("SET " + attrRefCount + " = " + attrRefCount + " - :one, " + attrUpdatedAt + " = :now"),
					ConditionExpression: aws.String(attrRefCount + " > :zero"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one":  &types.AttributeValueMemberN{Value: "1"},
						":zero": &types.AttributeValueMemberN{Value: "0"},
					},
				},
			},
		},
	})
	if err != nil {
		if isTransactionConditionFailed(err, 0) {
			return nil, nil
		}
		if isTransactionConditionFailed(err, 2) {
			return nil, ErrRefCountConflict
		}
		return nil, fmt.Errorf("remove reference: %w", err)
	}

	blob, err := r.GetBlob(ctx, orgID, ref.ContentHash, ref.Identity)
	if err != nil {
		return nil, err
	}
	if blob.RefCount == 0 {
		if err := r.markQuarantined(ctx, blob, now.Add(quarantine)); err != nil {
			return nil, err
		}
		blob.QuarantineUntil = now.Add(quarantine)
	}
	return blob, nil
}

// markQuarantined stamps a zero-reference blob with its quarantine deadline
// and makes it visible to the GC index. Conditional on the refcount still
// being zero so a concurrent AddReference wins.
func (r *Repository) markQuarantined(ctx context.Context, blob *Blob, until time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(blob.OrgID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: blobSK(blob.ContentHash, Identity(blob.Size, blob.ContentType))},
		},
		UpdateExpression: aws.String("SET " + attrQuarantineUntil + " = :until, " +
			dynamo.AttrGSI1PK + " = :gcpk, " + dynamo.AttrGSI1SK + " = :gcsk"),
		ConditionExpression: aws.String(attrRefCount + " = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": &types.AttributeValueMemberS{Value: until.UTC().Format(time.RFC3339Nano)},
			":gcpk":  &types.AttributeValueMemberS{Value: gcPartition},
			":gcsk":  &types.AttributeValueMemberS{Value: until.UTC().Format(time.RFC3339Nano) + "#" + blob.OrgID + "#" + blob.BlobID},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			// Revived by a concurrent AddReference.
			return nil
		}
		return fmt.Errorf("mark quarantined: %w", err)
	}
	return nil
}

// QueryExpiredQuarantine returns blobs whose quarantine deadline passed.
func (r *Repository) QueryExpiredQuarantine(ctx context.Context, cutoff time.Time, max int32) ([]*Blob, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexGSI1),
		KeyConditionExpression: aws.String(dynamo.AttrGSI1PK + " = :pk AND " + dynamo.AttrGSI1SK + " < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: gcPartition},
			":cutoff": &types.AttributeValueMemberS{Value: cutoff.UTC().Format(time.RFC3339Nano) + "#"},
		},
		Limit: aws.Int32(max),
	})
	if err != nil {
		return nil, fmt.Errorf("query expired quarantine: %w", err)
	}
	blobs := make([]*Blob, 0, len(output.Items))
	for _, item := range output.Items {
		blobs = append(blobs, unmarshalBlob(item))
	}
	return blobs, nil
}

// DeleteBlob removes a blob row, conditional on its refcount still being
// zero, so a reference added during quarantine keeps the blob alive.
func (r *Repository) DeleteBlob(ctx context.Context, blob *Blob) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: blobPK(blob.OrgID)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: blobSK(blob.ContentHash, Identity(blob.Size, blob.ContentType))},
		},
		ConditionExpression: aws.String(attrRefCount + " = :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrRefCountConflict
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// QueryOrgBlobs pages through all blob rows for an org.
func (r *Repository) QueryOrgBlobs(ctx context.Context, orgID string, startKey map[string]types.AttributeValue) ([]*Blob, map[string]types.AttributeValue, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: blobPK(orgID)},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixBlob},
		},
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query org blobs: %w", err)
	}
	blobs := make([]*Blob, 0, len(output.Items))
	for _, item := range output.Items {
		blobs = append(blobs, unmarshalBlob(item))
	}
	return blobs, output.LastEvaluatedKey, nil
}

// QueryOrgReferences pages through all reference rows for an org.
func (r *Repository) QueryOrgReferences(ctx context.Context, orgID string, startKey map[string]types.AttributeValue) ([]*Reference, map[string]types.AttributeValue, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: blobPK(orgID)},
			":skPrefix": &types.AttributeValueMemberS{Value: prefixRef},
		},
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("query org references: %w", err)
	}
	refs := make([]*Reference, 0, len(output.Items))
	for _, item := range output.Items {
		refs = append(refs, unmarshalReference(item))
	}
	return refs, output.LastEvaluatedKey, nil
}

// unmarshalBlob converts DynamoDB attribute values to a Blob.
func unmarshalBlob(item map[string]types.AttributeValue) *Blob {
	b := &Blob{}
	if v, ok := item[attrBlobID].(*types.AttributeValueMemberS); ok {
		b.BlobID = v.Value
	}
	if v, ok := item[attrOrgID].(*types.AttributeValueMemberS); ok {
		b.OrgID = v.Value
	}
	if v, ok := item[attrContentHash].(*types.AttributeValueMemberS); ok {
		b.ContentHash = v.Value
	}
	if v, ok := item[attrContentType].(*types.AttributeValueMemberS); ok {
		b.ContentType = v.Value
	}
	if v, ok := item[attrSize].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			b.Size = n
		}
	}
	if v, ok := item[attrRefCount].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			b.RefCount = n
		}
	}
	if v, ok := item[attrStorageKey].(*types.AttributeValueMemberS); ok {
		b.StorageKey = v.Value
	}
	if v, ok := item[attrQuarantineUntil].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			b.QuarantineUntil = t
		}
	}
	if v, ok := item[attrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			b.CreatedAt = t
		}
	}
	if v, ok := item[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			b.UpdatedAt = t
		}
	}
	return b
}

// unmarshalReference converts DynamoDB attribute values to a Reference.
func unmarshalReference(item map[string]types.AttributeValue) *Reference {
	ref := &Reference{}
	if v, ok := item[attrReferenceID].(*types.AttributeValueMemberS); ok {
		ref.ReferenceID = v.Value
	}
	if v, ok := item[attrOrgID].(*types.AttributeValueMemberS); ok {
		ref.OrgID = v.Value
	}
	if v, ok := item[attrDomainID].(*types.AttributeValueMemberS); ok {
		ref.DomainID = v.Value
	}
	if v, ok := item[attrUserID].(*types.AttributeValueMemberS); ok {
		ref.UserID = v.Value
	}
	if v, ok := item[attrMessageID].(*types.AttributeValueMemberS); ok {
		ref.MessageID = v.Value
	}
	if v, ok := item[attrBlobID].(*types.AttributeValueMemberS); ok {
		ref.BlobID = v.Value
	}
	if v, ok := item[attrContentHash].(*types.AttributeValueMemberS); ok {
		ref.ContentHash = v.Value
	}
	if v, ok := item[attrIdentity].(*types.AttributeValueMemberS); ok {
		ref.Identity = v.Value
	}
	if v, ok := item[attrFilename].(*types.AttributeValueMemberS); ok {
		ref.Filename = v.Value
	}
	if v, ok := item[attrContentType].(*types.AttributeValueMemberS); ok {
		ref.ContentType = v.Value
	}
	if v, ok := item[attrSize].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			ref.Size = n
		}
	}
	if v, ok := item[attrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			ref.CreatedAt = t
		}
	}
	return ref
}

// dynamoAttr aliases the SDK attribute value for pagination cursors handed
// across package boundaries.
type dynamoAttr = types.AttributeValue

// isConditionalCheckFailed reports whether err is a single-item condition
// failure.
func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// isTransactionConditionFailed reports whether a transaction was cancelled
// by a condition failure on the item at the given index.
func isTransactionConditionFailed(err error, index int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if index >= len(tce.CancellationReasons) {
		return false
	}
	code := aws.ToString(tce.CancellationReasons[index].Code)
	return strings.EqualFold(code, "ConditionalCheckFailed")
}
