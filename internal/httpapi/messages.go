package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/storagekey"
)

type createMessageRequest struct {
	OrgID      string    `json:"orgId"`
	DomainID   string    `json:"domainId"`
	UserID     string    `json:"userId"`
	MailboxID  string    `json:"mailboxId"`
	MessageID  string    `json:"messageId"`
	FolderID   string    `json:"folderId"`
	FolderType string    `json:"folderType"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Date       time.Time `json:"date"`
	Size       int64     `json:"size"`
	Flags      []string  `json:"flags"`
	Labels     []string  `json:"labels"`
}

type presignResponse struct {
	UploadURL  string `json:"uploadUrl"`
	StorageKey string `json:"storageKey"`
	ExpiresIn  int64  `json:"expiresIn"`
	Warning    string `json:"warning,omitempty"`
}

// handleCreateMessage records message metadata and returns a presigned
// upload for the RFC-5322 bytes. Admission runs against the quota chain
// before anything is written.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.OrgID == "" || req.DomainID == "" || req.UserID == "" || req.MailboxID == "" || req.MessageID == "" {
		s.respondError(w, r, apperr.Validation("orgId, domainId, userId, mailboxId, and messageId are required"))
		return
	}
	date := req.Date
	if date.IsZero() {
		date = s.now()
	}

	key, err := storagekey.ForMessage(req.OrgID, req.DomainID, req.UserID, req.MessageID, date)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	scope := quota.Scope{OrgID: req.OrgID, DomainID: req.DomainID, UserID: req.UserID, MailboxID: req.MailboxID}
	var warning string
	if req.Size > 0 {
		verdict, err := s.quotas.Check(r.Context(), scope, req.Size)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if !verdict.Allowed {
			s.respondError(w, r, apperr.New(apperr.KindQuotaExceeded, "storage quota exceeded"))
			return
		}
		if verdict.LimitKind == quota.LimitSoft {
			warning = "soft quota limit breached"
		}
	}

	m := &message.Message{
		MessageID:  req.MessageID,
		OrgID:      req.OrgID,
		DomainID:   req.DomainID,
		UserID:     req.UserID,
		MailboxID:  req.MailboxID,
		FolderID:   req.FolderID,
		FolderType: req.FolderType,
		Subject:    req.Subject,
		From:       req.From,
		To:         req.To,
		Date:       date,
		Size:       req.Size,
		Flags:      req.Flags,
		Labels:     req.Labels,
		StorageKey: key.String(),
	}
	if err := s.messages.Put(r.Context(), m); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Size > 0 {
		if err := s.quotas.Commit(r.Context(), scope, req.Size, 1); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	url, err := s.store.PresignUpload(r.Context(), key.String(), "message/rfc822", s.presignTTL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, presignResponse{
		UploadURL:  url,
		StorageKey: key.String(),
		ExpiresIn:  int64(s.presignTTL.Seconds()),
		Warning:    warning,
	})
}

// findMessage locates a message's metadata by user. The metadata row is
// keyed by mailbox, which callers of the read paths do not know.
func (s *Server) findMessage(ctx context.Context, userID, messageID string) (*message.Message, error) {
	var startKey map[string]dynamoAttr
	for {
		page, next, err := s.messages.QueryByUser(ctx, userID, startKey)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if m.MessageID == messageID {
				return m, nil
			}
		}
		if next == nil {
			break
		}
		startKey = next
	}
	return nil, message.ErrMessageNotFound
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.respondError(w, r, apperr.Validation("user_id is required"))
		return
	}

	m, err := s.findMessage(r.Context(), userID, messageID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body, info, err := s.store.Get(r.Context(), m.StorageKey)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "message/rfc822")
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("Message stream interrupted",
			"messageId", messageID,
			"error", err.Error(),
		)
	}
}

// handleDeleteMessage removes one message: dedup references first, then
// the object (when unreferenced), then metadata, then the quota credit.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.respondError(w, r, apperr.Validation("user_id is required"))
		return
	}

	m, err := s.findMessage(r.Context(), userID, messageID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	refs, err := s.dedup.ReferencesForMessage(r.Context(), m.OrgID, m.MessageID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	for _, refID := range refs {
		if _, err := s.dedup.RemoveReference(r.Context(), m.OrgID, refID); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if err := s.store.Delete(r.Context(), m.StorageKey); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.messages.Delete(r.Context(), m.MailboxID, m.MessageID); err != nil {
		s.respondError(w, r, err)
		return
	}
	scope := quota.Scope{OrgID: m.OrgID, DomainID: m.DomainID, UserID: m.UserID, MailboxID: m.MailboxID}
	if err := s.quotas.Commit(r.Context(), scope, -m.Size, -1); err != nil {
		s.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"deleted":           true,
		"messageId":         m.MessageID,
		"referencesRemoved": len(refs),
	})
}
