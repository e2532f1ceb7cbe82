// Package main runs the mailplane HTTP API process.
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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/enterprise-email/mailplane/internal/config"
	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/deletion"
	"github.com/enterprise-email/mailplane/internal/export"
	"github.com/enterprise-email/mailplane/internal/httpapi"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/queue"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/retention"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 15 * time.Second

// newStore builds the object store named by STORAGE_BACKEND_URL:
// "s3://bucket" or "memory://" (tests and single-node deployments).
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

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("FATAL: Bad configuration", slog.String("error", err.Error()))
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

	quotas := quota.NewEngine(quota.NewRepository(dynamoClient, cfg.TableName), cache, logger)
	quotas.SetDefaultLimits(cfg.QuotaSoftPct, cfg.QuotaHardPct)

	srv := httpapi.NewServer(httpapi.Deps{
		Store:      store,
		Messages:   message.NewRepository(dynamoClient, cfg.TableName),
		Dedup:      dedup.NewIndex(dedup.NewRepository(dynamoClient, cfg.TableName), cache, cfg.DedupQuarantine, logger),
		Quotas:     quotas,
		Retention:  retention.NewRepository(dynamoClient, cfg.TableName),
		Exports:    export.NewRepository(dynamoClient, cfg.TableName),
		Deletions:  deletion.NewRepository(dynamoClient, cfg.TableName),
		Audit:      deletion.NewAuditTrail(dynamoClient, cfg.TableName),
		Publisher:  queue.NewPublisher(sqsClient, cfg.JobQueueURL),
		PresignTTL: cfg.PresignTTL,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Server listening", slog.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("FATAL: Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
