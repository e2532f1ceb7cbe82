// Package httpapi exposes the storage and policy plane over HTTP:
// message and attachment admission, quota administration, retention
// policies and legal holds, export and deletion job control.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/deletion"
	"github.com/enterprise-email/mailplane/internal/export"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/queue"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/retention"
)

// DefaultPresignTTL applies when the deployment does not configure one.
const DefaultPresignTTL = 15 * time.Minute

type dynamoAttr = types.AttributeValue

// Deps carries the services the API fronts.
type Deps struct {
	Store      objectstore.Store
	Messages   *message.Repository
	Dedup      *dedup.Index
	Quotas     *quota.Engine
	Retention  *retention.Repository
	Exports    *export.Repository
	Deletions  *deletion.Repository
	Audit      *deletion.AuditTrail
	Publisher  *queue.Publisher
	PresignTTL time.Duration
	Logger     *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	store      objectstore.Store
	messages   *message.Repository
	dedup      *dedup.Index
	quotas     *quota.Engine
	retention  *retention.Repository
	exports    *export.Repository
	deletions  *deletion.Repository
	audit      *deletion.AuditTrail
	publisher  *queue.Publisher
	presignTTL time.Duration
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	ttl := deps.PresignTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return &Server{
		store:      deps.Store,
		messages:   deps.Messages,
		dedup:      deps.Dedup,
		quotas:     deps.Quotas,
		retention:  deps.Retention,
		exports:    deps.Exports,
		deletions:  deps.Deletions,
		audit:      deps.Audit,
		publisher:  deps.Publisher,
		presignTTL: objectstore.ClampTTL(ttl),
		logger:     deps.Logger.With(slog.String("component", "httpapi")),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", s.handleCreateMessage)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Delete("/messages/{id}", s.handleDeleteMessage)

		r.Post("/attachments", s.handleCreateAttachment)
		r.Get("/attachments/{id}", s.handleGetAttachment)
		r.Delete("/attachments/{id}", s.handleDeleteAttachment)

		r.Post("/domains/copy", s.handleDomainCopy)
		r.Post("/domains/move", s.handleDomainMove)

		r.Get("/quotas", s.handleGetQuota)
		r.Put("/quotas", s.handlePutQuota)
		r.Delete("/quotas", s.handleDeleteQuota)
		r.Get("/quotas/check", s.handleQuotaCheck)
		r.Get("/quotas/usage", s.handleQuotaUsage)

		r.Post("/retention/policies", s.handleCreatePolicy)
		r.Get("/retention/policies", s.handleListPolicies)
		r.Get("/retention/policies/{id}", s.handleGetPolicy)
		r.Put("/retention/policies/{id}", s.handleUpdatePolicy)
		r.Delete("/retention/policies/{id}", s.handleDeletePolicy)
		r.Post("/retention/holds", s.handleCreateHold)
		r.Delete("/retention/holds/{id}", s.handleReleaseHold)

		r.Post("/exports", s.handleCreateExport)
		r.Get("/exports/{id}", s.handleGetExport)
		r.Get("/exports/{id}/download", s.handleDownloadExport)
		r.Delete("/exports/{id}", s.handleCancelExport)

		r.Post("/deletions", s.handleCreateDeletion)
		r.Get("/deletions/{id}", s.handleGetDeletion)
		r.Post("/deletions/{id}/approve", s.handleApproveDeletion)
		r.Delete("/deletions/{id}", s.handleCancelDeletion)
		r.Get("/deletions/audit/{id}", s.handleDeletionAudit)

		r.Get("/dedup/stats/{orgId}", s.handleDedupStats)
	})

	return otelhttp.NewHandler(r, "httpapi")
}
