// Package message stores and queries per-message metadata. The metadata
// row is the authoritative record for quota accounting and the index that
// retention sweeps, deletion cascades, and export selectors enumerate.
package message

import "time"

// Folder types recognized by retention policy selectors.
const (
	FolderInbox  = "inbox"
	FolderSent   = "sent"
	FolderDrafts = "drafts"
	FolderTrash  = "trash"
	FolderSpam   = "spam"
	FolderCustom = "custom"
)

// FlagStarred marks a message the user pinned; retention policies may
// exclude starred messages.
const FlagStarred = "starred"

// Message is one message's metadata. Size is authoritative for quota
// accounting. StorageKey points at the RFC-5322 bytes in the object store.
type Message struct {
	MessageID      string    `json:"messageId"`
	OrgID          string    `json:"orgId"`
	DomainID       string    `json:"domainId"`
	UserID         string    `json:"userId"`
	MailboxID      string    `json:"mailboxId"`
	FolderID       string    `json:"folderId"`
	FolderType     string    `json:"folderType"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Date           time.Time `json:"date"`
	Size           int64     `json:"size"`
	HasAttachments bool      `json:"hasAttachments"`
	Flags          []string  `json:"flags"`
	Labels         []string  `json:"labels"`
	StorageKey     string    `json:"storageKey"`
	TierHint       string    `json:"tierHint,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Starred reports whether the starred flag is set.
func (m *Message) Starred() bool {
	for _, f := range m.Flags {
		if f == FlagStarred {
			return true
		}
	}
	return false
}

// HasAnyLabel reports whether any of the given labels is on the message.
func (m *Message) HasAnyLabel(labels []string) bool {
	for _, want := range labels {
		for _, have := range m.Labels {
			if have == want {
				return true
			}
		}
	}
	return false
}
