package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/storagekey"
)

type createAttachmentRequest struct {
	OrgID       string `json:"orgId"`
	DomainID    string `json:"domainId"`
	UserID      string `json:"userId"`
	MailboxID   string `json:"mailboxId"`
	MessageID   string `json:"messageId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	ContentHash string `json:"contentHash"`
}

type createAttachmentResponse struct {
	Status     string  `json:"status"` // "deduplicated" or "new"
	DedupID    string  `json:"dedupId,omitempty"`
	StorageKey string  `json:"storageKey"`
	SpaceSaved int64   `json:"spaceSaved,omitempty"`
	UploadURL  *string `json:"uploadUrl"` // null when deduplicated
	ExpiresIn  int64   `json:"expiresIn,omitempty"`
	Warning    string  `json:"warning,omitempty"`
}

// handleCreateAttachment runs the dedup admission flow: known content is
// linked by reference with no upload; novel content gets a presigned
// upload and is debited against the quota chain.
func (s *Server) handleCreateAttachment(w http.ResponseWriter, r *http.Request) {
	var req createAttachmentRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.OrgID == "" || req.DomainID == "" || req.UserID == "" || req.MessageID == "" {
		s.respondError(w, r, apperr.Validation("orgId, domainId, userId, and messageId are required"))
		return
	}
	if req.ContentHash == "" || req.Size <= 0 {
		s.respondError(w, r, apperr.Validation("contentHash and a positive size are required"))
		return
	}

	check, err := s.dedup.CheckDuplicate(r.Context(), req.OrgID, req.ContentHash, req.Size, req.ContentType)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if check.Duplicate {
		ref := &dedup.Reference{
			ReferenceID: s.newID(),
			OrgID:       req.OrgID,
			DomainID:    req.DomainID,
			UserID:      req.UserID,
			MessageID:   req.MessageID,
			BlobID:      check.Existing.BlobID,
			ContentHash: req.ContentHash,
			Filename:    req.Filename,
			ContentType: req.ContentType,
			Size:        req.Size,
		}
		if err := s.dedup.AddReference(r.Context(), ref); err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, createAttachmentResponse{
			Status:     "deduplicated",
			DedupID:    ref.ReferenceID,
			StorageKey: check.Existing.StorageKey,
			SpaceSaved: check.SpaceSaved,
			UploadURL:  nil,
		})
		return
	}

	scope := quota.Scope{OrgID: req.OrgID, DomainID: req.DomainID, UserID: req.UserID, MailboxID: req.MailboxID}
	verdict, err := s.quotas.Check(r.Context(), scope, req.Size)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !verdict.Allowed {
		s.respondError(w, r, apperr.New(apperr.KindQuotaExceeded, "storage quota exceeded"))
		return
	}
	var warning string
	if verdict.LimitKind == quota.LimitSoft {
		warning = "soft quota limit breached"
	}

	blobID := s.newID()
	key, err := storagekey.ForAttachment(req.OrgID, req.DomainID, req.UserID, blobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	blob, created, err := s.dedup.RegisterBlob(r.Context(), &dedup.Blob{
		BlobID:      blobID,
		OrgID:       req.OrgID,
		ContentHash: req.ContentHash,
		ContentType: req.ContentType,
		Size:        req.Size,
		StorageKey:  key.String(),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ref := &dedup.Reference{
		ReferenceID: s.newID(),
		OrgID:       req.OrgID,
		DomainID:    req.DomainID,
		UserID:      req.UserID,
		MessageID:   req.MessageID,
		BlobID:      blob.BlobID,
		ContentHash: req.ContentHash,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
	}
	if err := s.dedup.AddReference(r.Context(), ref); err != nil {
		s.respondError(w, r, err)
		return
	}

	// Lost the registration race: someone else owns the blob, serve the
	// duplicate response against their copy.
	if !created {
		respondJSON(w, http.StatusOK, createAttachmentResponse{
			Status:     "deduplicated",
			DedupID:    ref.ReferenceID,
			StorageKey: blob.StorageKey,
			SpaceSaved: req.Size,
			UploadURL:  nil,
		})
		return
	}

	if err := s.quotas.Commit(r.Context(), scope, req.Size, 1); err != nil {
		s.respondError(w, r, err)
		return
	}
	url, err := s.store.PresignUpload(r.Context(), blob.StorageKey, req.ContentType, s.presignTTL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, createAttachmentResponse{
		Status:     "new",
		DedupID:    ref.ReferenceID,
		StorageKey: blob.StorageKey,
		UploadURL:  &url,
		ExpiresIn:  int64(s.presignTTL.Seconds()),
		Warning:    warning,
	})
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	refID := chi.URLParam(r, "id")
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		s.respondError(w, r, apperr.Validation("org_id is required"))
		return
	}

	blob, ref, err := s.dedup.GetByReference(r.Context(), orgID, refID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body, _, err := s.store.Get(r.Context(), blob.StorageKey)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer body.Close()

	contentType := ref.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ref.Filename))
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("Attachment stream interrupted",
			"referenceId", refID,
			"error", err.Error(),
		)
	}
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	refID := chi.URLParam(r, "id")
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		s.respondError(w, r, apperr.Validation("org_id is required"))
		return
	}

	blob, err := s.dedup.RemoveReference(r.Context(), orgID, refID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := map[string]any{"removed": true, "referenceId": refID}
	if blob != nil {
		resp["quarantined"] = true
	}
	respondJSON(w, http.StatusOK, resp)
}
