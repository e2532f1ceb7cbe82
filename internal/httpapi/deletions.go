package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/deletion"
	"github.com/enterprise-email/mailplane/internal/queue"
)

type createDeletionRequest struct {
	OrgID        string          `json:"orgId"`
	DomainID     string          `json:"domainId"`
	Kind         string          `json:"kind"`
	Compliance   string          `json:"compliance"`
	Target       deletion.Target `json:"target"`
	RequestedBy  string          `json:"requestedBy"`
	Reason       string          `json:"reason"`
	ScheduledFor time.Time       `json:"scheduledFor,omitempty"`
}

// handleCreateDeletion records a pending deletion job. Nothing runs
// until a different actor approves it.
func (s *Server) handleCreateDeletion(w http.ResponseWriter, r *http.Request) {
	var req createDeletionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.OrgID == "" || req.DomainID == "" || req.RequestedBy == "" {
		s.respondError(w, r, apperr.Validation("orgId, domainId, and requestedBy are required"))
		return
	}
	kind := deletion.Kind(req.Kind)
	if !deletion.ValidKind(kind) {
		s.respondError(w, r, apperr.Validation("unknown deletion kind %q", req.Kind))
		return
	}
	compliance := deletion.Compliance(req.Compliance)
	switch compliance {
	case deletion.ComplianceGDPR, deletion.ComplianceRetention, deletion.ComplianceLegal, deletion.ComplianceManual:
	default:
		s.respondError(w, r, apperr.Validation("unknown compliance basis %q", req.Compliance))
		return
	}
	switch kind {
	case deletion.KindUser:
		if req.Target.UserID == "" {
			s.respondError(w, r, apperr.Validation("target.userId is required for user deletions"))
			return
		}
	case deletion.KindMailbox:
		if req.Target.MailboxID == "" {
			s.respondError(w, r, apperr.Validation("target.mailboxId is required for mailbox deletions"))
			return
		}
	case deletion.KindSelective:
		if req.Target.MailboxID == "" || len(req.Target.MessageIDs) == 0 {
			s.respondError(w, r, apperr.Validation("target.mailboxId and target.messageIds are required for selective deletions"))
			return
		}
	}

	job := &deletion.Job{
		JobID:        s.newID(),
		OrgID:        req.OrgID,
		DomainID:     req.DomainID,
		Kind:         kind,
		Compliance:   compliance,
		Target:       req.Target,
		RequestedBy:  req.RequestedBy,
		Reason:       req.Reason,
		ScheduledFor: req.ScheduledFor,
	}
	if err := s.deletions.Create(r.Context(), job); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.audit.Append(r.Context(), &deletion.Event{
		JobID: job.JobID,
		Type:  deletion.EventCreated,
		Actor: req.RequestedBy,
	}); err != nil {
		s.logger.Warn("Audit append failed",
			"jobId", job.JobID,
			"error", err.Error(),
		)
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetDeletion(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	job, err := s.deletions.Get(r.Context(), domainID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

type approveDeletionRequest struct {
	DomainID   string `json:"domainId"`
	ApprovedBy string `json:"approvedBy"`
}

// handleApproveDeletion applies the second-actor gate and, on success,
// wakes the deletion workers.
func (s *Server) handleApproveDeletion(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req approveDeletionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.DomainID == "" || req.ApprovedBy == "" {
		s.respondError(w, r, apperr.Validation("domainId and approvedBy are required"))
		return
	}

	if err := s.deletions.Approve(r.Context(), req.DomainID, jobID, req.ApprovedBy); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.audit.Append(r.Context(), &deletion.Event{
		JobID: jobID,
		Type:  deletion.EventApproved,
		Actor: req.ApprovedBy,
	}); err != nil {
		s.logger.Warn("Audit append failed",
			"jobId", jobID,
			"error", err.Error(),
		)
	}
	if err := s.publisher.Publish(r.Context(), queue.JobNotice{
		Kind:     queue.KindDeletion,
		JobID:    jobID,
		DomainID: req.DomainID,
	}); err != nil {
		s.logger.Warn("Deletion notice publish failed",
			"jobId", jobID,
			"error", err.Error(),
		)
	}

	job, err := s.deletions.Get(r.Context(), req.DomainID, jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelDeletion(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	jobID := chi.URLParam(r, "id")
	if err := s.deletions.Cancel(r.Context(), domainID, jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.audit.Append(r.Context(), &deletion.Event{
		JobID: jobID,
		Type:  deletion.EventCancelled,
		Actor: r.URL.Query().Get("actor"),
	}); err != nil {
		s.logger.Warn("Audit append failed",
			"jobId", jobID,
			"error", err.Error(),
		)
	}
	respondJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleDeletionAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dedup.Stats(r.Context(), chi.URLParam(r, "orgId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
