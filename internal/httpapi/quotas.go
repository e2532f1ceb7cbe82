package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/quota"
)

func parseLevel(raw string) (quota.Level, error) {
	switch l := quota.Level(raw); l {
	case quota.LevelOrg, quota.LevelDomain, quota.LevelUser, quota.LevelMailbox:
		return l, nil
	}
	return "", apperr.Validation("unknown quota level %q", raw)
}

func scopeFromQuery(r *http.Request) quota.Scope {
	q := r.URL.Query()
	return quota.Scope{
		OrgID:     q.Get("org_id"),
		DomainID:  q.Get("domain_id"),
		UserID:    q.Get("user_id"),
		MailboxID: q.Get("mailbox_id"),
	}
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	level, err := parseLevel(r.URL.Query().Get("level"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		s.respondError(w, r, apperr.Validation("entity_id is required"))
		return
	}
	q, err := s.quotas.Get(r.Context(), level, entityID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

type putQuotaRequest struct {
	Level        string `json:"level"`
	EntityID     string `json:"entityId"`
	ParentID     string `json:"parentId"`
	TotalBytes   int64  `json:"totalBytes"`
	SoftLimitPct int    `json:"softLimitPct"`
	HardLimitPct int    `json:"hardLimitPct"`
}

// handlePutQuota upserts a quota node: creation when absent, limit
// update when present. Usage counters are never writable through here.
func (s *Server) handlePutQuota(w http.ResponseWriter, r *http.Request) {
	var req putQuotaRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	level, err := parseLevel(req.Level)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.EntityID == "" {
		s.respondError(w, r, apperr.Validation("entityId is required"))
		return
	}
	if req.TotalBytes <= 0 {
		s.respondError(w, r, apperr.Validation("totalBytes must be positive"))
		return
	}

	q := &quota.Quota{
		Level:        level,
		EntityID:     req.EntityID,
		ParentID:     req.ParentID,
		TotalBytes:   req.TotalBytes,
		SoftLimitPct: req.SoftLimitPct,
		HardLimitPct: req.HardLimitPct,
	}
	err = s.quotas.Create(r.Context(), q)
	if errors.Is(err, quota.ErrQuotaExists) {
		err = s.quotas.UpdateLimits(r.Context(), level, req.EntityID, req.TotalBytes, req.SoftLimitPct, req.HardLimitPct)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	stored, err := s.quotas.Get(r.Context(), level, req.EntityID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteQuota(w http.ResponseWriter, r *http.Request) {
	level, err := parseLevel(r.URL.Query().Get("level"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		s.respondError(w, r, apperr.Validation("entity_id is required"))
		return
	}
	if err := s.quotas.Delete(r.Context(), level, entityID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	sizeRaw := r.URL.Query().Get("size")
	size, err := strconv.ParseInt(sizeRaw, 10, 64)
	if err != nil || size < 0 {
		s.respondError(w, r, apperr.Validation("size must be a non-negative integer"))
		return
	}

	verdict, err := s.quotas.Check(r.Context(), scopeFromQuery(r), size)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleQuotaUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.quotas.GetUsage(r.Context(), scopeFromQuery(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}
