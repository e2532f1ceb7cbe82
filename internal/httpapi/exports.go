package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/export"
	"github.com/enterprise-email/mailplane/internal/jobs"
	"github.com/enterprise-email/mailplane/internal/queue"
)

type createExportRequest struct {
	OrgID       string          `json:"orgId"`
	DomainID    string          `json:"domainId"`
	Format      string          `json:"format"`
	Selector    export.Selector `json:"selector"`
	Compress    string          `json:"compress"`
	Encrypt     bool            `json:"encrypt"`
	PublicKey   string          `json:"publicKey"`
	RequestedBy string          `json:"requestedBy"`
	Reason      string          `json:"reason"`
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.OrgID == "" || req.DomainID == "" || req.RequestedBy == "" {
		s.respondError(w, r, apperr.Validation("orgId, domainId, and requestedBy are required"))
		return
	}
	format := export.Format(req.Format)
	if !export.ValidFormat(format) {
		s.respondError(w, r, apperr.Validation("unknown export format %q", req.Format))
		return
	}
	compress := export.Compression(req.Compress)
	switch compress {
	case export.CompressNone, export.CompressGzip, export.CompressZstd:
	default:
		s.respondError(w, r, apperr.Validation("unknown compression %q", req.Compress))
		return
	}
	if req.Encrypt {
		if req.PublicKey == "" {
			s.respondError(w, r, apperr.Validation("publicKey is required when encrypt is set"))
			return
		}
		if err := export.ValidateRecipientKey(req.PublicKey); err != nil {
			s.respondError(w, r, apperr.Wrap(apperr.KindValidation, "unusable recipient key", err))
			return
		}
	}

	job := &export.Job{
		JobID:       s.newID(),
		OrgID:       req.OrgID,
		DomainID:    req.DomainID,
		Format:      format,
		Selector:    req.Selector,
		Compress:    compress,
		Encrypt:     req.Encrypt,
		PublicKey:   req.PublicKey,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
	}
	if err := s.exports.Create(r.Context(), job); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.publisher.Publish(r.Context(), queue.JobNotice{
		Kind:     queue.KindExport,
		JobID:    job.JobID,
		DomainID: job.DomainID,
	}); err != nil {
		// The job record exists; a worker sweep can still find it. Let
		// the caller poll rather than failing the creation.
		s.logger.Warn("Export notice publish failed",
			"jobId", job.JobID,
			"error", err.Error(),
		)
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	job, err := s.exports.Get(r.Context(), domainID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleDownloadExport 302-redirects to a presigned artifact URL once
// the job has completed; any earlier state is a 400.
func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	job, err := s.exports.Get(r.Context(), domainID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if job.Status != jobs.StatusCompleted || job.OutputKey == "" {
		s.respondError(w, r, export.ErrJobNotReady)
		return
	}

	ttl := s.presignTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			s.respondError(w, r, apperr.Validation("invalid ttl %q", raw))
			return
		}
		ttl = parsed
	}
	url, err := s.store.PresignDownload(r.Context(), job.OutputKey, ttl)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	if err := s.exports.Cancel(r.Context(), domainID, chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
