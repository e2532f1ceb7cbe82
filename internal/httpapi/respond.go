package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/enterprise-email/mailplane/internal/apperr"
	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/deletion"
	"github.com/enterprise-email/mailplane/internal/export"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/retention"
	"github.com/enterprise-email/mailplane/internal/storagekey"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the {"error":"..."} shape with the status the
// error classifies to.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(classify(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

var notFoundErrs = []error{
	objectstore.ErrNotFound,
	message.ErrMessageNotFound,
	dedup.ErrBlobNotFound,
	dedup.ErrRefNotFound,
	quota.ErrQuotaNotFound,
	retention.ErrPolicyNotFound,
	retention.ErrHoldNotFound,
	export.ErrJobNotFound,
	deletion.ErrJobNotFound,
}

var conflictErrs = []error{
	message.ErrMessageExists,
	dedup.ErrBlobExists,
	dedup.ErrRefCountConflict,
	quota.ErrQuotaExists,
	retention.ErrPolicyExists,
	export.ErrJobExists,
	export.ErrNotCancellable,
	deletion.ErrJobExists,
	deletion.ErrNotApprovable,
	deletion.ErrNotCancellable,
	deletion.ErrSelfApproval,
}

var validationErrs = []error{
	storagekey.ErrBadKey,
	storagekey.ErrEmptySegment,
	export.ErrNotRSAPublicKey,
	export.ErrJobNotReady,
}

// classify maps package sentinel errors onto apperr kinds; already
// classified errors pass through.
func classify(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	for _, sentinel := range notFoundErrs {
		if errors.Is(err, sentinel) {
			return apperr.Wrap(apperr.KindNotFound, sentinel.Error(), err)
		}
	}
	for _, sentinel := range conflictErrs {
		if errors.Is(err, sentinel) {
			return apperr.Wrap(apperr.KindConflict, sentinel.Error(), err)
		}
	}
	for _, sentinel := range validationErrs {
		if errors.Is(err, sentinel) {
			return apperr.Wrap(apperr.KindValidation, sentinel.Error(), err)
		}
	}
	return err
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}
