// Package main runs the mailplane background worker process: export and
// deletion job pools fed by the job queue, the retention sweeper, the
// dedup orphan GC, the quota reconciler, and the provider health checker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/enterprise-email/mailplane/internal/config"
	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/deletion"
	"github.com/enterprise-email/mailplane/internal/export"
	"github.com/enterprise-email/mailplane/internal/llm"
	"github.com/enterprise-email/mailplane/internal/llm/bedrock"
	"github.com/enterprise-email/mailplane/internal/llm/ollama"
	"github.com/enterprise-email/mailplane/internal/llm/openai"
	"github.com/enterprise-email/mailplane/internal/llm/router"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/queue"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/retention"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// noticeBuffer bounds how many wake-up notices sit between the consumer
// and a busy pool. A full buffer blocks the consumer, which is fine: the
// messages stay in the queue.
const noticeBuffer = 64

func newStore(awsCfg aws.Config, backendURL string) (objectstore.Store, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse STORAGE_BACKEND_URL: %w", err)
	}
	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("STORAGE_BACKEND_URL: s3 URL needs a bucket")
		}
		client := s3.NewFromConfig(awsCfg)
		return objectstore.NewS3Store(client, s3.NewPresignClient(client), u.Host), nil
	case "memory":
		return objectstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND_URL: unsupported scheme %q", u.Scheme)
	}
}

// buildProviders assembles the fallback chain in configured order.
func buildProviders(cfg *config.Config, awsCfg aws.Config) []llm.Provider {
	providers := make([]llm.Provider, 0, len(cfg.ProviderFallbackChain))
	for _, name := range cfg.ProviderFallbackChain {
		switch name {
		case openai.ProviderName:
			providers = append(providers, openai.New(openai.Config{
				APIKey:    cfg.OpenAIAPIKey,
				BaseURL:   cfg.OpenAIBaseURL,
				ChatModel: cfg.OpenAIModel,
			}))
		case bedrock.ProviderName:
			providers = append(providers, bedrock.New(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModel))
		case ollama.ProviderName:
			providers = append(providers, ollama.New(&http.Client{Timeout: cfg.ProviderTimeoutChat}, ollama.Config{
				BaseURL:    cfg.OllamaBaseURL,
				ChatModel:  cfg.OllamaModel,
				EmbedModel: cfg.OllamaEmbedder,
			}))
		}
	}
	return providers
}

// staticIDs adapts a fixed config list to the lister signature the
// sweeper and reconciler expect.
func staticIDs(ids []string) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) { return ids, nil }
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("FATAL: Bad configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.JobQueueURL == "" {
		logger.Error("FATAL: Bad configuration", slog.String("error", "JOB_QUEUE_URL is required"))
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	defer func() { _ = tracerProvider.Shutdown(context.Background()) }()

	store, err := newStore(awsCfg, cfg.StorageBackendURL)
	if err != nil {
		logger.Error("FATAL: Failed to build object store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var cache redis.Cmdable
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	messages := message.NewRepository(dynamoClient, cfg.TableName)
	dedupRepo := dedup.NewRepository(dynamoClient, cfg.TableName)
	index := dedup.NewIndex(dedupRepo, cache, cfg.DedupQuarantine, logger)
	quotas := quota.NewEngine(quota.NewRepository(dynamoClient, cfg.TableName), cache, logger)
	quotas.SetDefaultLimits(cfg.QuotaSoftPct, cfg.QuotaHardPct)
	retentionRepo := retention.NewRepository(dynamoClient, cfg.TableName)
	evaluator := retention.NewEvaluator(store, logger)
	exportRepo := export.NewRepository(dynamoClient, cfg.TableName)
	deletionRepo := deletion.NewRepository(dynamoClient, cfg.TableName)
	audit := deletion.NewAuditTrail(dynamoClient, cfg.TableName)
	publisher := queue.NewPublisher(sqsClient, cfg.JobQueueURL)

	exportCh := make(chan queue.JobNotice, noticeBuffer)
	deletionCh := make(chan queue.JobNotice, noticeBuffer)
	dispatch := func(ctx context.Context, notice queue.JobNotice) error {
		var ch chan queue.JobNotice
		switch notice.Kind {
		case queue.KindExport:
			ch = exportCh
		case queue.KindDeletion:
			ch = deletionCh
		default:
			logger.WarnContext(ctx, "Dropping notice with unknown kind",
				slog.String("kind", string(notice.Kind)),
				slog.String("job_id", notice.JobID),
			)
			return nil
		}
		select {
		case ch <- notice:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	consumer := queue.NewConsumer(sqsClient, cfg.JobQueueURL, dispatch, logger)

	llmRouter := router.New(buildProviders(cfg, awsCfg), logger,
		router.WithProbeInterval(cfg.ProviderHealthInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })

	for i := 0; i < cfg.ExportWorkers; i++ {
		owner := fmt.Sprintf("%s:export:%d", hostname, i)
		w := export.NewWorker(exportRepo, messages, store, owner, logger)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case notice := <-exportCh:
					if err := w.Process(gctx, notice.DomainID, notice.JobID); err != nil {
						logger.ErrorContext(gctx, "Export job failed",
							slog.String("job_id", notice.JobID),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		})
	}

	for i := 0; i < cfg.DeletionWorkers; i++ {
		owner := fmt.Sprintf("%s:deletion:%d", hostname, i)
		w := deletion.NewWorker(deletionRepo, audit, messages, store, index, quotas, retentionRepo, evaluator, owner, logger)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case notice := <-deletionCh:
					if err := w.Process(gctx, notice.DomainID, notice.JobID); err != nil {
						logger.ErrorContext(gctx, "Deletion job failed",
							slog.String("job_id", notice.JobID),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		})
	}

	enqueuer := deletion.NewEnqueuer(deletionRepo, audit, publisher)
	sweeper := retention.NewSweeper(retentionRepo, messages, store, evaluator, enqueuer,
		cfg.RetentionSweepInterval, staticIDs(cfg.DomainIDs), logger)
	g.Go(func() error { return sweeper.Run(gctx) })

	gc := dedup.NewGC(dedupRepo, store, dedup.DefaultGCInterval, logger)
	g.Go(func() error { return gc.Run(gctx) })

	reconciler := quota.NewReconciler(quota.NewRepository(dynamoClient, cfg.TableName), store,
		cfg.ReconcileInterval, staticIDs(cfg.OrgIDs), logger)
	g.Go(func() error { return reconciler.Run(gctx) })

	g.Go(func() error { return llmRouter.RunHealthChecks(gctx) })

	logger.Info("Worker started",
		slog.Int("export_workers", cfg.ExportWorkers),
		slog.Int("deletion_workers", cfg.DeletionWorkers),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("FATAL: Worker failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}
