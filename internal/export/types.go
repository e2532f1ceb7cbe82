// Package export runs mailbox export jobs: selection, serialization into
// mbox, eml, or json artifacts, optional compression and encryption, and
// presigned delivery.
package export

import (
	"time"

	"github.com/enterprise-email/mailplane/internal/jobs"
)

// Format is the output artifact format.
type Format string

const (
	FormatMbox Format = "mbox"
	FormatPst  Format = "pst"
	FormatEml  Format = "eml"
	FormatJSON Format = "json"
)

// ValidFormat reports whether f is a known export format.
func ValidFormat(f Format) bool {
	switch f {
	case FormatMbox, FormatPst, FormatEml, FormatJSON:
		return true
	}
	return false
}

// Compression is the optional artifact compression.
type Compression string

const (
	CompressNone Compression = ""
	CompressGzip Compression = "gzip"
	CompressZstd Compression = "zstd"
)

// Selector picks which messages a job exports. Fields combine as AND;
// empty fields do not constrain.
type Selector struct {
	UserIDs    []string  `json:"userIds,omitempty"`
	MailboxIDs []string  `json:"mailboxIds,omitempty"`
	Query      string    `json:"query,omitempty"` // matched against subject and from
	DateFrom   time.Time `json:"dateFrom,omitempty"`
	DateTo     time.Time `json:"dateTo,omitempty"`
}

// Job is one export job record. The record is the lease: status CAS plus
// heartbeat serialize workers.
type Job struct {
	JobID       string      `json:"jobId"`
	OrgID       string      `json:"orgId"`
	DomainID    string      `json:"domainId"`
	Format      Format      `json:"format"`
	Selector    Selector    `json:"selector"`
	Compress    Compression `json:"compress,omitempty"`
	Encrypt     bool        `json:"encrypt"`
	PublicKey   string      `json:"publicKey,omitempty"` // PEM, RSA
	RequestedBy string      `json:"requestedBy"`
	Reason      string      `json:"reason"`
	Status      jobs.Status `json:"status"`
	Progress    float64     `json:"progress"`
	Exported    int         `json:"exported"`
	Skipped     int         `json:"skipped"`
	OutputKey   string      `json:"outputKey,omitempty"`
	Error       string      `json:"error,omitempty"`
	LeaseOwner  string      `json:"-"`
	HeartbeatAt time.Time   `json:"-"`
	RequestedAt time.Time   `json:"requestedAt"`
	FinishedAt  time.Time   `json:"finishedAt,omitempty"`
}

// OutputSuffix is the artifact filename suffix chain for the job, e.g.
// "mbox.gz.enc".
func (j *Job) OutputSuffix() string {
	suffix := string(j.Format)
	if j.Format == FormatEml {
		suffix = "zip"
	}
	switch j.Compress {
	case CompressGzip:
		suffix += ".gz"
	case CompressZstd:
		suffix += ".zst"
	}
	if j.Encrypt {
		suffix += ".enc"
	}
	return suffix
}
