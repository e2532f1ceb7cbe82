package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/retention"
)

type policyRequest struct {
	DomainID       string   `json:"domainId"`
	FolderType     string   `json:"folderType"`
	FolderID       string   `json:"folderId"`
	RetentionDays  int      `json:"retentionDays"`
	Action         string   `json:"action"`
	Enabled        *bool    `json:"enabled"`
	Priority       int      `json:"priority"`
	ExcludeStarred bool     `json:"excludeStarred"`
	ExcludeLabels  []string `json:"excludeLabels"`
}

func (req *policyRequest) toPolicy(policyID string) (*retention.Policy, error) {
	if req.DomainID == "" {
		return nil, apperr.Validation("domainId is required")
	}
	action := retention.Action(req.Action)
	if action != retention.ActionDelete && action != retention.ActionArchive {
		return nil, apperr.Validation("action must be delete or archive")
	}
	if req.RetentionDays < 0 {
		return nil, apperr.Validation("retentionDays must not be negative")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	p := &retention.Policy{
		PolicyID:       policyID,
		DomainID:       req.DomainID,
		FolderType:     req.FolderType,
		FolderID:       req.FolderID,
		RetentionDays:  req.RetentionDays,
		Action:         action,
		Enabled:        enabled,
		Priority:       req.Priority,
		ExcludeStarred: req.ExcludeStarred,
		ExcludeLabels:  req.ExcludeLabels,
	}
	if p.Priority == 0 {
		p.Priority = p.DefaultPriority()
	}
	return p, nil
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	p, err := req.toPolicy(s.newID())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.retention.CreatePolicy(r.Context(), p); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	policies, err := s.retention.ListPolicies(r.Context(), domainID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	p, err := s.retention.GetPolicy(r.Context(), domainID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	p, err := req.toPolicy(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.retention.UpdatePolicy(r.Context(), p); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	domainID := r.URL.Query().Get("domain_id")
	if domainID == "" {
		s.respondError(w, r, apperr.Validation("domain_id is required"))
		return
	}
	if err := s.retention.DeletePolicy(r.Context(), domainID, chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type holdRequest struct {
	OrgID     string    `json:"orgId"`
	Scope     string    `json:"scope"`
	ScopeID   string    `json:"scopeId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Keywords  []string  `json:"keywords"`
}

func (s *Server) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.OrgID == "" || req.ScopeID == "" {
		s.respondError(w, r, apperr.Validation("orgId and scopeId are required"))
		return
	}
	scope := retention.HoldScope(req.Scope)
	switch scope {
	case retention.HoldScopeOrg, retention.HoldScopeDomain, retention.HoldScopeUser:
	default:
		s.respondError(w, r, apperr.Validation("scope must be org, domain, or user"))
		return
	}
	start := req.StartDate
	if start.IsZero() {
		start = s.now()
	}

	h := &retention.Hold{
		HoldID:    s.newID(),
		OrgID:     req.OrgID,
		Scope:     scope,
		ScopeID:   req.ScopeID,
		StartDate: start,
		EndDate:   req.EndDate,
		Keywords:  req.Keywords,
		Active:    true,
	}
	if err := s.retention.CreateHold(r.Context(), h); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, h)
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		s.respondError(w, r, apperr.Validation("org_id is required"))
		return
	}
	if err := s.retention.ReleaseHold(r.Context(), orgID, chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"released": true})
}
