package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// statsCacheTTL bounds staleness of the per-org dedup stats snapshot.
const statsCacheTTL = 5 * time.Minute

// Index is the deduplication service consumed by the attachment write path
// and the deletion worker.
type Index struct {
	repo       *Repository
	cache      redis.Cmdable
	quarantine time.Duration
	logger     *slog.Logger
}

// NewIndex creates a new Index. cache may be nil; stats are then computed
// on every call.
func NewIndex(repo *Repository, cache redis.Cmdable, quarantine time.Duration, logger *slog.Logger) *Index {
	if quarantine <= 0 {
		quarantine = DefaultQuarantine
	}
	return &Index{
		repo:       repo,
		cache:      cache,
		quarantine: quarantine,
		logger:     logger.With(slog.String("component", "dedup")),
	}
}

// CheckDuplicate reports whether content with this hash is already stored.
// Blobs are considered identical only when contentType and size also match;
// a bare hash match with different metadata is not a duplicate.
func (x *Index) CheckDuplicate(ctx context.Context, orgID, contentHash string, size int64, contentType string) (*CheckResult, error) {
	blobs, err := x.repo.QueryBlobsByHash(ctx, orgID, contentHash)
	if err != nil {
		return nil, err
	}
	for _, b := range blobs {
		if b.Size == size && b.ContentType == contentType {
			return &CheckResult{Duplicate: true, Existing: b, SpaceSaved: b.Size}, nil
		}
	}
	return &CheckResult{}, nil
}

// RegisterBlob records a freshly uploaded blob. Exactly one of two
// concurrent registrations of the same content wins; the loser receives
// the winner's blob and created=false, and should discard its tentative
// upload and attach a reference to the winner instead.
func (x *Index) RegisterBlob(ctx context.Context, blob *Blob) (*Blob, bool, error) {
	err := x.repo.PutBlob(ctx, blob)
	if err == nil {
		x.invalidateStats(ctx, blob.OrgID)
		return blob, true, nil
	}
	if !errors.Is(err, ErrBlobExists) {
		return nil, false, err
	}

	winner, err := x.repo.GetBlob(ctx, blob.OrgID, blob.ContentHash, Identity(blob.Size, blob.ContentType))
	if err != nil {
		return nil, false, fmt.Errorf("lost registration race but winner not readable: %w", err)
	}
	x.logger.InfoContext(ctx, "Blob registration race lost",
		slog.String("org_id", blob.OrgID),
		slog.String("content_hash", blob.ContentHash),
		slog.String("winner_blob_id", winner.BlobID),
	)
	return winner, false, nil
}

// AddReference attaches a reference to a registered blob. Idempotent per
// referenceId.
func (x *Index) AddReference(ctx context.Context, ref *Reference) error {
	if ref.Identity == "" {
		ref.Identity = Identity(ref.Size, ref.ContentType)
	}
	if err := x.repo.AddReference(ctx, ref); err != nil {
		return err
	}
	x.invalidateStats(ctx, ref.OrgID)
	return nil
}

// RemoveReference detaches a reference. Absence is success. Returns the
// blob when its refcount reached zero, so callers can observe quarantine.
func (x *Index) RemoveReference(ctx context.Context, orgID, referenceID string) (*Blob, error) {
	blob, err := x.repo.RemoveReference(ctx, orgID, referenceID, x.quarantine)
	if err != nil {
		return nil, err
	}
	x.invalidateStats(ctx, orgID)
	if blob != nil && blob.RefCount == 0 {
		x.logger.InfoContext(ctx, "Blob entered quarantine",
			slog.String("org_id", orgID),
			slog.String("blob_id", blob.BlobID),
			slog.Time("quarantine_until", blob.QuarantineUntil),
		)
		return blob, nil
	}
	return nil, nil
}

// GetByReference resolves a reference to its blob.
func (x *Index) GetByReference(ctx context.Context, orgID, referenceID string) (*Blob, *Reference, error) {
	ref, err := x.repo.GetReference(ctx, orgID, referenceID)
	if err != nil {
		return nil, nil, err
	}
	blob, err := x.repo.GetBlob(ctx, orgID, ref.ContentHash, ref.Identity)
	if err != nil {
		return nil, nil, err
	}
	return blob, ref, nil
}

// ReferencesForMessage lists the reference IDs a message holds.
func (x *Index) ReferencesForMessage(ctx context.Context, orgID, messageID string) ([]string, error) {
	return x.repo.QueryReferencesByMessage(ctx, orgID, messageID)
}

// Stats computes (or serves from cache) the org's dedup summary.
func (x *Index) Stats(ctx context.Context, orgID string) (*Stats, error) {
	cacheKey := "dedup:stats:" + orgID
	if x.cache != nil {
		if raw, err := x.cache.Get(ctx, cacheKey).Result(); err == nil {
			var s Stats
			if err := json.Unmarshal([]byte(raw), &s); err == nil {
				return &s, nil
			}
		}
	}

	s := &Stats{OrgID: orgID}
	var startKey map[string]dynamoAttr
	for {
		blobs, next, err := x.repo.QueryOrgBlobs(ctx, orgID, startKey)
		if err != nil {
			return nil, err
		}
		for _, b := range blobs {
			s.BlobCount++
			s.BytesStored += b.Size
			s.BytesReferenced += b.Size * b.RefCount
			s.ReferenceCount += b.RefCount
		}
		if len(next) == 0 {
			break
		}
		startKey = next
	}
	s.BytesSaved = s.BytesReferenced - s.BytesStored
	if s.BytesSaved < 0 {
		s.BytesSaved = 0
	}

	if x.cache != nil {
		if raw, err := json.Marshal(s); err == nil {
			if err := x.cache.Set(ctx, cacheKey, raw, statsCacheTTL).Err(); err != nil {
				x.logger.WarnContext(ctx, "Failed to cache dedup stats",
					slog.String("org_id", orgID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return s, nil
}

func (x *Index) invalidateStats(ctx context.Context, orgID string) {
	if x.cache == nil {
		return
	}
	if err := x.cache.Del(ctx, "dedup:stats:"+orgID).Err(); err != nil {
		x.logger.WarnContext(ctx, "Failed to invalidate dedup stats cache",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
	}
}
