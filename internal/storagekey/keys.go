// Package storagekey builds and parses the hierarchical object keys used by
// the domain-partitioned object store.
package storagekey

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a key points at.
type Kind string

const (
	KindMessage    Kind = "message"
	KindAttachment Kind = "attachment"
	KindShared     Kind = "shared"
	KindExport     Kind = "export"
	KindArchive    Kind = "archive"
)

// Path segment markers. Each kind owns a distinct segment so keys of
// different kinds can never collide.
const (
	segMessages    = "messages"
	segAttachments = "attachments"
	segShared      = "shared"
	segExports     = "exports"
	segArchive     = "archive"
)

var (
	ErrEmptySegment = errors.New("empty key segment")
	ErrBadKey       = errors.New("malformed storage key")
)

// Key is a parsed storage key. It is a pure value; the canonical string
// form is produced by String.
type Key struct {
	OrgID           string
	DomainID        string
	UserID          string
	SharedMailboxID string
	Kind            Kind
	ObjectID        string
	// Partition is the YYYY/MM partition for time-partitioned kinds.
	Partition string
	// Suffix carries the export file extension chain (".mbox.gz.enc").
	Suffix string
}

// partition formats the YYYY/MM partition for a timestamp.
func partition(t time.Time) string {
	return t.UTC().Format("2006/01")
}

func checkSegments(segs ...string) error {
	for _, s := range segs {
		if s == "" {
			return ErrEmptySegment
		}
		if strings.Contains(s, "/") {
			return fmt.Errorf("%w: segment %q contains '/'", ErrBadKey, s)
		}
	}
	return nil
}

// ForMessage builds a time-partitioned message key.
func ForMessage(orgID, domainID, userID, messageID string, date time.Time) (Key, error) {
	if err := checkSegments(orgID, domainID, userID, messageID); err != nil {
		return Key{}, err
	}
	return Key{
		OrgID:     orgID,
		DomainID:  domainID,
		UserID:    userID,
		Kind:      KindMessage,
		ObjectID:  messageID,
		Partition: partition(date),
	}, nil
}

// ForAttachment builds a content-addressed attachment key. Attachments are
// not time-partitioned: the blob outlives any one message.
func ForAttachment(orgID, domainID, userID, attachmentID string) (Key, error) {
	if err := checkSegments(orgID, domainID, userID, attachmentID); err != nil {
		return Key{}, err
	}
	return Key{
		OrgID:    orgID,
		DomainID: domainID,
		UserID:   userID,
		Kind:     KindAttachment,
		ObjectID: attachmentID,
	}, nil
}

// ForSharedMessage builds a key for a message in a shared mailbox.
func ForSharedMessage(orgID, domainID, sharedMailboxID, messageID string, date time.Time) (Key, error) {
	if err := checkSegments(orgID, domainID, sharedMailboxID, messageID); err != nil {
		return Key{}, err
	}
	return Key{
		OrgID:           orgID,
		DomainID:        domainID,
		SharedMailboxID: sharedMailboxID,
		Kind:            KindShared,
		ObjectID:        messageID,
		Partition:       partition(date),
	}, nil
}

// ForExport builds a key for an export artifact. suffix is the extension
// chain starting with the format, e.g. "mbox.gz.enc".
func ForExport(orgID, domainID, jobID, suffix string) (Key, error) {
	if err := checkSegments(orgID, domainID, jobID); err != nil {
		return Key{}, err
	}
	return Key{
		OrgID:    orgID,
		DomainID: domainID,
		Kind:     KindExport,
		ObjectID: jobID,
		Suffix:   suffix,
	}, nil
}

// ForArchive builds a key for an archived (retention-tiered) message.
func ForArchive(orgID, domainID, userID, messageID string, date time.Time) (Key, error) {
	if err := checkSegments(orgID, domainID, userID, messageID); err != nil {
		return Key{}, err
	}
	return Key{
		OrgID:     orgID,
		DomainID:  domainID,
		UserID:    userID,
		Kind:      KindArchive,
		ObjectID:  messageID,
		Partition: partition(date),
	}, nil
}

// String renders the canonical slash-separated key.
func (k Key) String() string {
	switch k.Kind {
	case KindMessage:
		return fmt.Sprintf("%s/%s/%s/%s/%s/%s", k.OrgID, k.DomainID, k.UserID, segMessages, k.Partition, k.ObjectID)
	case KindAttachment:
		return fmt.Sprintf("%s/%s/%s/%s/%s", k.OrgID, k.DomainID, k.UserID, segAttachments, k.ObjectID)
	case KindShared:
		return fmt.Sprintf("%s/%s/%s/%s/%s/%s", k.OrgID, k.DomainID, segShared, k.SharedMailboxID, k.Partition, k.ObjectID)
	case KindExport:
		name := k.ObjectID
		if k.Suffix != "" {
			name += "." + k.Suffix
		}
		return fmt.Sprintf("%s/%s/%s/%s", k.OrgID, k.DomainID, segExports, name)
	case KindArchive:
		return fmt.Sprintf("%s/%s/%s/%s/%s/%s", k.OrgID, k.DomainID, k.UserID, segArchive, k.Partition, k.ObjectID)
	}
	return ""
}

// DomainPrefix returns the "org/domain/" prefix that bounds all list
// operations for a domain.
func DomainPrefix(orgID, domainID string) string {
	return orgID + "/" + domainID + "/"
}

// UserPrefix returns the prefix covering everything a user owns.
func UserPrefix(orgID, domainID, userID string) string {
	return orgID + "/" + domainID + "/" + userID + "/"
}

// MessagePrefix returns the prefix covering a user's messages; appending a
// YYYY/MM partition narrows it for pruning.
func MessagePrefix(orgID, domainID, userID string) string {
	return UserPrefix(orgID, domainID, userID) + segMessages + "/"
}

// ExportPrefix returns the prefix holding a domain's export artifacts.
func ExportPrefix(orgID, domainID string) string {
	return DomainPrefix(orgID, domainID) + segExports + "/"
}

// Parse parses a canonical key string back into a Key.
func Parse(raw string) (Key, error) {
	parts := strings.Split(raw, "/")
	if len(parts) < 4 {
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, raw)
	}
	k := Key{OrgID: parts[0], DomainID: parts[1]}

	switch {
	case parts[2] == segShared && len(parts) == 7:
		k.Kind = KindShared
		k.SharedMailboxID = parts[3]
		k.Partition = parts[4] + "/" + parts[5]
		k.ObjectID = parts[6]
	case parts[2] == segExports && len(parts) == 4:
		k.Kind = KindExport
		name := parts[3]
		if i := strings.Index(name, "."); i > 0 {
			k.ObjectID = name[:i]
			k.Suffix = name[i+1:]
		} else {
			k.ObjectID = name
		}
	case len(parts) == 7 && parts[3] == segMessages:
		k.Kind = KindMessage
		k.UserID = parts[2]
		k.Partition = parts[4] + "/" + parts[5]
		k.ObjectID = parts[6]
	case len(parts) == 7 && parts[3] == segArchive:
		k.Kind = KindArchive
		k.UserID = parts[2]
		k.Partition = parts[4] + "/" + parts[5]
		k.ObjectID = parts[6]
	case len(parts) == 5 && parts[3] == segAttachments:
		k.Kind = KindAttachment
		k.UserID = parts[2]
		k.ObjectID = parts[4]
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrBadKey, raw)
	}

	if err := checkSegments(k.OrgID, k.DomainID, k.ObjectID); err != nil {
		return Key{}, err
	}
	return k, nil
}
