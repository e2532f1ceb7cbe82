// Package config reads the deployment configuration from the
// environment. Every knob has a default; only the storage coordinates
// are required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/httpapi"
	"github.com/enterprise-email/mailplane/internal/llm/router"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/retention"
)

// Worker pool sizes when unset.
const (
	DefaultExportWorkers   = 2
	DefaultDeletionWorkers = 2
)

// Config is the parsed environment for both binaries. Fields the server
// does not use (worker counts, sweep intervals) are still parsed so a
// bad value fails at startup, not on the first sweep.
type Config struct {
	HTTPAddr          string
	TableName         string
	JobQueueURL       string
	StorageBackendURL string
	RedisAddr         string

	PresignTTL   time.Duration
	QuotaSoftPct int
	QuotaHardPct int

	RetentionSweepInterval time.Duration
	ReconcileInterval      time.Duration
	ExportWorkers          int
	DeletionWorkers        int
	DedupQuarantine        time.Duration
	DomainIDs              []string
	OrgIDs                 []string

	ProviderFallbackChain  []string
	ProviderHealthInterval time.Duration
	ProviderTimeoutChat    time.Duration
	ProviderTimeoutEmbed   time.Duration

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	BedrockModel   string
	OllamaBaseURL  string
	OllamaModel    string
	OllamaEmbedder string
}

// knownProviders bounds PROVIDER_FALLBACK_CHAIN. The router itself
// accepts any registered name; this catches typos before startup.
var knownProviders = map[string]bool{
	"openai":  true,
	"bedrock": true,
	"ollama":  true,
}

// Load parses the environment. It returns the first fatal problem;
// callers are expected to log it and exit.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          envOr("HTTP_ADDR", ":8080"),
		TableName:         os.Getenv("TABLE_NAME"),
		JobQueueURL:       os.Getenv("JOB_QUEUE_URL"),
		StorageBackendURL: envOr("STORAGE_BACKEND_URL", "memory://"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:       os.Getenv("OPENAI_CHAT_MODEL"),
		BedrockModel:      os.Getenv("BEDROCK_CHAT_MODEL"),
		OllamaBaseURL:     os.Getenv("OLLAMA_BASE_URL"),
		OllamaModel:       os.Getenv("OLLAMA_CHAT_MODEL"),
		OllamaEmbedder:    os.Getenv("OLLAMA_EMBED_MODEL"),
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("TABLE_NAME is required")
	}

	var err error
	if cfg.PresignTTL, err = durationOr("PRESIGN_DEFAULT_TTL", httpapi.DefaultPresignTTL); err != nil {
		return nil, err
	}
	if cfg.QuotaSoftPct, err = intOr("QUOTA_SOFT_PCT", quota.DefaultSoftLimitPct); err != nil {
		return nil, err
	}
	if cfg.QuotaHardPct, err = intOr("QUOTA_HARD_PCT", quota.DefaultHardLimitPct); err != nil {
		return nil, err
	}
	if cfg.QuotaSoftPct <= 0 || cfg.QuotaHardPct > 100 || cfg.QuotaSoftPct > cfg.QuotaHardPct {
		return nil, fmt.Errorf("quota thresholds: need 0 < QUOTA_SOFT_PCT <= QUOTA_HARD_PCT <= 100, got %d/%d",
			cfg.QuotaSoftPct, cfg.QuotaHardPct)
	}

	if cfg.RetentionSweepInterval, err = durationOr("RETENTION_SWEEP_INTERVAL", retention.DefaultSweepInterval); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = durationOr("QUOTA_RECONCILE_INTERVAL", quota.DefaultReconcileInterval); err != nil {
		return nil, err
	}
	if cfg.ExportWorkers, err = intOr("EXPORT_WORKERS", DefaultExportWorkers); err != nil {
		return nil, err
	}
	if cfg.DeletionWorkers, err = intOr("DELETION_WORKERS", DefaultDeletionWorkers); err != nil {
		return nil, err
	}
	if cfg.ExportWorkers <= 0 || cfg.DeletionWorkers <= 0 {
		return nil, fmt.Errorf("worker counts must be positive, got export=%d deletion=%d",
			cfg.ExportWorkers, cfg.DeletionWorkers)
	}
	if cfg.DedupQuarantine, err = durationOr("DEDUP_QUARANTINE", dedup.DefaultQuarantine); err != nil {
		return nil, err
	}
	cfg.DomainIDs = splitList(os.Getenv("DOMAIN_IDS"))
	cfg.OrgIDs = splitList(os.Getenv("ORG_IDS"))

	cfg.ProviderFallbackChain = splitList(envOr("PROVIDER_FALLBACK_CHAIN", "openai,bedrock,ollama"))
	for _, name := range cfg.ProviderFallbackChain {
		if !knownProviders[name] {
			return nil, fmt.Errorf("PROVIDER_FALLBACK_CHAIN: unknown provider %q", name)
		}
	}
	if cfg.ProviderHealthInterval, err = durationOr("PROVIDER_HEALTH_INTERVAL", router.DefaultProbeInterval); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeoutChat, err = durationOr("PROVIDER_TIMEOUT_CHAT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeoutEmbed, err = durationOr("PROVIDER_TIMEOUT_EMBED", 30*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}

func intOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
