// Package dedup implements the content-addressed attachment index:
// duplicate detection, reference counting, quarantine, and orphan GC.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultQuarantine is how long a zero-reference blob is held before GC may
// delete the underlying object.
const DefaultQuarantine = 24 * time.Hour

// Blob is a content-addressed attachment body. A blob with RefCount > 0 is
// immutable; at RefCount 0 it enters quarantine and becomes eligible for GC
// once QuarantineUntil passes.
type Blob struct {
	BlobID          string
	OrgID           string
	ContentHash     string // SHA-256, hex
	ContentType     string
	Size            int64
	RefCount        int64
	StorageKey      string
	QuarantineUntil time.Time // zero unless RefCount == 0
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Identity returns the dedup identity suffix for a blob. Blobs are treated
// as identical only when hash, size, and content type all match; distinct
// (size, contentType) pairs coexist under the same hash with different
// identity suffixes.
func Identity(size int64, contentType string) string {
	sum := sha256.Sum256([]byte(contentType))
	return hex.EncodeToString(sum[:4]) + "-" + itoa(size)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Reference is a message's pointer to a blob. The filename lives here, not
// on the blob.
type Reference struct {
	ReferenceID string
	OrgID       string
	DomainID    string
	UserID      string
	MessageID   string
	BlobID      string
	ContentHash string
	Identity    string
	Filename    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// CheckResult is the outcome of a duplicate check.
type CheckResult struct {
	Duplicate  bool
	Existing   *Blob
	SpaceSaved int64
}

// Stats summarizes deduplication for an org.
type Stats struct {
	OrgID           string `json:"orgId"`
	BlobCount       int64  `json:"blobCount"`
	ReferenceCount  int64  `json:"referenceCount"`
	BytesStored     int64  `json:"bytesStored"`
	BytesReferenced int64  `json:"bytesReferenced"`
	BytesSaved      int64  `json:"bytesSaved"`
}
