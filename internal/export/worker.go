package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/enterprise-email/mailplane/internal/jobs"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/storagekey"
)

// DefaultWorkers is the default export pool size.
const DefaultWorkers = 4

// DefaultDownloadTTL is the presign lifetime for export downloads.
const DefaultDownloadTTL = 15 * time.Minute

var jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailplane_export_jobs_total",
	Help: "Export job outcomes by terminal status.",
}, []string{"status"})

// ErrJobNotReady is returned when a download is requested before the job
// completed.
var ErrJobNotReady = errors.New("export job not completed")

// Worker claims and runs export jobs. Safe for concurrent Process calls;
// the job lease serializes per job.
type Worker struct {
	repo     *Repository
	messages *message.Repository
	store    objectstore.Store
	owner    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker. owner identifies this process in leases.
func NewWorker(repo *Repository, messages *message.Repository, store objectstore.Store, owner string, logger *slog.Logger) *Worker {
	return &Worker{
		repo:     repo,
		messages: messages,
		store:    store,
		owner:    owner,
		logger:   logger.With(slog.String("component", "export_worker")),
		now:      time.Now,
	}
}

// Process claims the job and runs it to a terminal state. A job already
// claimed elsewhere is not an error.
func (w *Worker) Process(ctx context.Context, domainID, jobID string) error {
	ctx, span := otel.Tracer("mailplane/export").Start(ctx, "ExportJob",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("domain_id", domainID),
		))
	defer span.End()

	job, err := w.repo.Claim(ctx, domainID, jobID, w.owner)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) {
			w.logger.DebugContext(ctx, "Export job not claimable",
				slog.String("job_id", jobID),
			)
			return nil
		}
		return err
	}

	w.logger.InfoContext(ctx, "Export job started",
		slog.String("job_id", job.JobID),
		slog.String("domain_id", job.DomainID),
		slog.String("format", string(job.Format)),
	)

	outputKey, runErr := w.run(ctx, job)
	switch {
	case errors.Is(runErr, errCancelled):
		// Status was already flipped by Cancel; the lease lapses.
		jobOutcomes.WithLabelValues(string(jobs.StatusCancelled)).Inc()
		w.logger.InfoContext(ctx, "Export job cancelled", slog.String("job_id", job.JobID))
		return nil
	case runErr != nil:
		jobOutcomes.WithLabelValues(string(jobs.StatusFailed)).Inc()
		w.logger.ErrorContext(ctx, "Export job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", runErr.Error()),
		)
		if err := w.repo.Finish(ctx, job.DomainID, job.JobID, w.owner, jobs.StatusFailed, "", runErr.Error()); err != nil && !errors.Is(err, ErrNotLeaseOwner) {
			return err
		}
		return nil
	}

	if err := w.repo.Finish(ctx, job.DomainID, job.JobID, w.owner, jobs.StatusCompleted, outputKey, ""); err != nil {
		return err
	}
	jobOutcomes.WithLabelValues(string(jobs.StatusCompleted)).Inc()
	w.logger.InfoContext(ctx, "Export job completed",
		slog.String("job_id", job.JobID),
		slog.String("output_key", outputKey),
	)
	return nil
}

// errCancelled aborts a run when the job record flipped to cancelled.
var errCancelled = errors.New("job cancelled")

func (w *Worker) run(ctx context.Context, job *Job) (string, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// The heartbeat loop doubles as the cancellation watcher: each tick
	// re-reads the record so a Cancel flips the flag the object loop
	// checks.
	var cancelled atomic.Bool
	go w.heartbeat(runCtx, job, &cancelled)

	selected, err := w.selectMessages(runCtx, job)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "mailplane-export-*")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	sink, closers, err := w.buildPipeline(job, tmp)
	if err != nil {
		return "", err
	}

	exported, skipped := 0, 0
	for i, m := range selected {
		if err := runCtx.Err(); err != nil {
			return "", err
		}
		if cancelled.Load() {
			return "", errCancelled
		}

		body, contentType, err := w.fetchBody(runCtx, m)
		switch {
		case errors.Is(err, objectstore.ErrNotFound):
			// Deleted mid-export; the snapshot moved on.
			skipped++
			w.logger.InfoContext(runCtx, "Export source object missing, skipped",
				slog.String("message_id", m.MessageID),
			)
		case err != nil:
			return "", fmt.Errorf("fetch %s: %w", m.MessageID, err)
		default:
			addErr := sink.Add(m, contentType, body)
			body.Close()
			if addErr != nil {
				return "", fmt.Errorf("serialize %s: %w", m.MessageID, addErr)
			}
			exported++
		}

		progress := float64(i+1) / float64(len(selected))
		if err := w.repo.SetProgress(runCtx, job.DomainID, job.JobID, w.owner, progress, exported, skipped); err != nil {
			if errors.Is(err, ErrNotLeaseOwner) {
				return "", errCancelled
			}
			return "", err
		}
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			return "", err
		}
	}

	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	key, err := storagekey.ForExport(job.OrgID, job.DomainID, job.JobID, job.OutputSuffix())
	if err != nil {
		return "", err
	}
	outputKey := key.String()
	if _, err := w.store.Put(runCtx, outputKey, artifactContentType(job), size, tmp); err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return outputKey, nil
}

// buildPipeline stacks format → compression → encryption → file. Closers
// are returned innermost first.
func (w *Worker) buildPipeline(job *Job, file io.Writer) (formatWriter, []io.Closer, error) {
	sink := file

	var enc io.WriteCloser
	if job.Encrypt {
		var err error
		enc, err = newEncryptWriter(sink, job.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		sink = enc
	}

	comp, err := wrapCompression(sink, job.Compress)
	if err != nil {
		return nil, nil, err
	}

	fw, err := newFormatWriter(job.Format, comp)
	if err != nil {
		return nil, nil, err
	}

	closers := []io.Closer{closerFunc(fw.Close), comp}
	if enc != nil {
		closers = append(closers, enc)
	}
	return fw, closers, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// fetchBody reads one message body with bounded exponential retries for
// transient store errors. Absence is permanent.
func (w *Worker) fetchBody(ctx context.Context, m *message.Message) (io.ReadCloser, string, error) {
	type result struct {
		body io.ReadCloser
		info objectstore.ObjectInfo
	}
	res, err := backoff.Retry(ctx, func() (result, error) {
		body, info, err := w.store.Get(ctx, m.StorageKey)
		if err != nil {
			if errors.Is(err, objectstore.ErrNotFound) {
				return result{}, backoff.Permanent(err)
			}
			return result{}, err
		}
		return result{body: body, info: info}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, "", err
	}
	return res.body, res.info.ContentType, nil
}

// selectMessages resolves the job's selector to a stable candidate list.
func (w *Worker) selectMessages(ctx context.Context, job *Job) ([]*message.Message, error) {
	var candidates []*message.Message

	switch {
	case len(job.Selector.MailboxIDs) > 0:
		for _, mailboxID := range job.Selector.MailboxIDs {
			var startKey map[string]dynamoAttr
			for {
				msgs, next, err := w.messages.QueryByMailbox(ctx, mailboxID, startKey)
				if err != nil {
					return nil, err
				}
				candidates = append(candidates, msgs...)
				if len(next) == 0 {
					break
				}
				startKey = next
			}
		}
	case len(job.Selector.UserIDs) > 0:
		for _, userID := range job.Selector.UserIDs {
			var startKey map[string]dynamoAttr
			for {
				msgs, next, err := w.messages.QueryByUser(ctx, userID, startKey)
				if err != nil {
					return nil, err
				}
				candidates = append(candidates, msgs...)
				if len(next) == 0 {
					break
				}
				startKey = next
			}
		}
	default:
		var startKey map[string]dynamoAttr
		for {
			msgs, next, err := w.messages.QueryDomainOlderThan(ctx, job.DomainID, w.now(), startKey)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, msgs...)
			if len(next) == 0 {
				break
			}
			startKey = next
		}
	}

	filtered := candidates[:0]
	for _, m := range candidates {
		if matchesSelector(m, job.Selector) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

func matchesSelector(m *message.Message, sel Selector) bool {
	if len(sel.UserIDs) > 0 {
		found := false
		for _, id := range sel.UserIDs {
			if m.UserID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	at := m.Date
	if at.IsZero() {
		at = m.CreatedAt
	}
	if !sel.DateFrom.IsZero() && at.Before(sel.DateFrom) {
		return false
	}
	if !sel.DateTo.IsZero() && at.After(sel.DateTo) {
		return false
	}
	if sel.Query != "" {
		q := strings.ToLower(sel.Query)
		if !strings.Contains(strings.ToLower(m.Subject), q) &&
			!strings.Contains(strings.ToLower(m.From), q) {
			return false
		}
	}
	return true
}

// heartbeat stamps the lease on the interval and watches for external
// cancellation of the job record.
func (w *Worker) heartbeat(ctx context.Context, job *Job, cancelled *atomic.Bool) {
	ticker := time.NewTicker(jobs.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(ctx, job.DomainID, job.JobID, w.owner); err != nil {
				if errors.Is(err, ErrNotLeaseOwner) {
					cancelled.Store(true)
					return
				}
				w.logger.WarnContext(ctx, "Heartbeat failed",
					slog.String("job_id", job.JobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			current, err := w.repo.Get(ctx, job.DomainID, job.JobID)
			if err == nil && current.Status == jobs.StatusCancelled {
				cancelled.Store(true)
				return
			}
		}
	}
}

// DownloadURL issues a short-lived presigned URL for a completed job's
// artifact. Fails with ErrJobNotReady for any other status.
func (w *Worker) DownloadURL(ctx context.Context, domainID, jobID string, ttl time.Duration) (string, error) {
	job, err := w.repo.Get(ctx, domainID, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != jobs.StatusCompleted || job.OutputKey == "" {
		return "", ErrJobNotReady
	}
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	return w.store.PresignDownload(ctx, job.OutputKey, ttl)
}

func artifactContentType(job *Job) string {
	if job.Encrypt {
		return "application/octet-stream"
	}
	switch job.Compress {
	case CompressGzip:
		return "application/gzip"
	case CompressZstd:
		return "application/zstd"
	}
	switch job.Format {
	case FormatJSON:
		return "application/json"
	case FormatEml:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
