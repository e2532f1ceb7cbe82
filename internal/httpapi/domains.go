package httpapi

import (
	"net/http"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/storagekey"
)

type domainTransferRequest struct {
	OrgID          string   `json:"orgId"`
	TargetDomainID string   `json:"targetDomainId"`
	Keys           []string `json:"keys"`
}

type keyResult struct {
	Key     string `json:"key"`
	NewKey  string `json:"newKey,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

type domainTransferResponse struct {
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Results   []keyResult `json:"results"`
}

func (s *Server) handleDomainCopy(w http.ResponseWriter, r *http.Request) {
	s.domainTransfer(w, r, false)
}

func (s *Server) handleDomainMove(w http.ResponseWriter, r *http.Request) {
	s.domainTransfer(w, r, true)
}

// domainTransfer re-homes a list of keys under a target domain,
// collecting per-key errors rather than aborting the batch.
func (s *Server) domainTransfer(w http.ResponseWriter, r *http.Request, move bool) {
	var req domainTransferRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.OrgID == "" || req.TargetDomainID == "" {
		s.respondError(w, r, apperr.Validation("orgId and targetDomainId are required"))
		return
	}
	if len(req.Keys) == 0 {
		s.respondError(w, r, apperr.Validation("keys must not be empty"))
		return
	}

	resp := domainTransferResponse{Results: make([]keyResult, 0, len(req.Keys))}
	for _, raw := range req.Keys {
		result := keyResult{Key: raw}

		key, err := storagekey.Parse(raw)
		switch {
		case err != nil:
			result.Error = err.Error()
		case key.OrgID != req.OrgID:
			result.Error = "key does not belong to the requesting org"
		default:
			key.DomainID = req.TargetDomainID
			result.NewKey = key.String()
			if move {
				err = s.store.Move(r.Context(), raw, result.NewKey)
			} else {
				err = s.store.Copy(r.Context(), raw, result.NewKey)
			}
			if err != nil {
				result.Error = err.Error()
				result.NewKey = ""
			} else {
				result.Success = true
			}
		}

		if result.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, result)
	}
	respondJSON(w, http.StatusOK, resp)
}
