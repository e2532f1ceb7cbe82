// Package router selects providers for completion and embedding calls:
// feature defaults first, then the fallback chain, skipping providers
// the health cache marks down, retrying retryable failures with jittered
// exponential backoff.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/enterprise-email/mailplane/internal/llm"
)

// Retry policy for retryable provider errors.
const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxAttempts = 3
	jitterFraction     = 0.25
)

// DefaultMaxInFlight caps concurrent calls per provider.
const DefaultMaxInFlight = 32

// ErrNoProviders is wrapped into the service_unavailable ProviderError
// when the chain is exhausted.
var ErrNoProviders = errors.New("no healthy providers")

// Router owns the provider registry, the feature→default mapping and
// the health cache. Providers are tried in registration order when the
// feature default is down.
type Router struct {
	providers []llm.Provider
	byName    map[string]llm.Provider
	defaults  map[string]string // feature → provider name
	inflight  map[string]*semaphore.Weighted
	limits    map[string]*rate.Limiter

	mu      sync.RWMutex
	healthy map[string]bool

	baseDelay     time.Duration
	maxAttempts   int
	probeInterval time.Duration
	maxInFlight   int64
	logger        *slog.Logger
	rng           *rand.Rand
	sleep         func(ctx context.Context, d time.Duration) error
}

// Option configures a Router.
type Option func(*Router)

// WithFeatureDefault routes a feature to a preferred provider.
func WithFeatureDefault(feature, provider string) Option {
	return func(r *Router) { r.defaults[feature] = provider }
}

// WithProbeInterval overrides the health probe interval.
func WithProbeInterval(d time.Duration) Option {
	return func(r *Router) { r.probeInterval = d }
}

// WithMaxInFlight caps concurrent calls per provider.
func WithMaxInFlight(n int64) Option {
	return func(r *Router) { r.maxInFlight = n }
}

// WithRateLimit throttles calls to one provider to rps requests per
// second with the given burst. Waiting calls honor context
// cancellation.
func WithRateLimit(provider string, rps float64, burst int) Option {
	return func(r *Router) { r.limits[provider] = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetryPolicy overrides backoff parameters.
func WithRetryPolicy(baseDelay time.Duration, maxAttempts int) Option {
	return func(r *Router) {
		r.baseDelay = baseDelay
		r.maxAttempts = maxAttempts
	}
}

// New creates a Router over the fallback chain in the given order. All
// providers start healthy; the first probe cycle corrects that.
func New(providers []llm.Provider, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		providers:     providers,
		byName:        make(map[string]llm.Provider, len(providers)),
		defaults:      make(map[string]string),
		limits:        make(map[string]*rate.Limiter),
		healthy:       make(map[string]bool, len(providers)),
		baseDelay:     DefaultBaseDelay,
		maxAttempts:   DefaultMaxAttempts,
		probeInterval: DefaultProbeInterval,
		maxInFlight:   DefaultMaxInFlight,
		logger:        logger.With(slog.String("component", "llm_router")),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	r.inflight = make(map[string]*semaphore.Weighted, len(providers))
	for _, p := range providers {
		r.byName[p.Name()] = p
		r.healthy[p.Name()] = true
		r.inflight[p.Name()] = semaphore.NewWeighted(r.maxInFlight)
	}
	return r
}

// Healthy reports the cached health of a provider.
func (r *Router) Healthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

func (r *Router) setHealth(name string, healthy bool) {
	r.mu.Lock()
	changed := r.healthy[name] != healthy
	r.healthy[name] = healthy
	r.mu.Unlock()
	if changed {
		r.logger.Info("Provider health changed",
			slog.String("provider", name),
			slog.Bool("healthy", healthy),
		)
	}
}

// pick returns the first usable provider for the feature: the feature
// default when healthy and untried, then the chain in order. need
// filters by capability.
func (r *Router) pick(feature string, tried map[string]bool, need func(llm.Capabilities) bool) (llm.Provider, error) {
	usable := func(p llm.Provider) bool {
		return p != nil && !tried[p.Name()] && r.Healthy(p.Name()) && need(p.Capabilities())
	}

	if name, ok := r.defaults[feature]; ok {
		if p := r.byName[name]; usable(p) {
			return p, nil
		}
	}
	for _, p := range r.providers {
		if usable(p) {
			return p, nil
		}
	}
	return nil, &llm.ProviderError{
		Code:      llm.CodeServiceUnavailable,
		Message:   ErrNoProviders.Error(),
		Retryable: true,
	}
}

// Complete runs a chat completion with retry and fallback. The response
// names the provider that actually served the call.
func (r *Router) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := r.callWithFallback(ctx, req.Metadata.Feature, needChat, func(ctx context.Context, p llm.Provider) error {
		var err error
		resp, err = p.Complete(ctx, req)
		return err
	})
	return resp, err
}

// CompleteStream opens a completion stream with retry and fallback.
// Fallback happens only before the stream is handed over; once chunks
// flow, a provider failure terminates the stream rather than blending
// providers.
func (r *Router) CompleteStream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	var stream llm.Stream
	err := r.callWithFallback(ctx, req.Metadata.Feature, needChat, func(ctx context.Context, p llm.Provider) error {
		var err error
		stream, err = p.CompleteStream(ctx, req)
		return err
	})
	return stream, err
}

// Embed routes a single embedding to an embedding-capable provider.
func (r *Router) Embed(ctx context.Context, feature, text, model string) (*llm.EmbeddingResponse, error) {
	var resp *llm.EmbeddingResponse
	err := r.callWithFallback(ctx, feature, needEmbeddings, func(ctx context.Context, p llm.Provider) error {
		var err error
		resp, err = p.Embed(ctx, text, model)
		return err
	})
	return resp, err
}

// EmbedBatch routes a batch embedding to an embedding-capable provider.
func (r *Router) EmbedBatch(ctx context.Context, feature string, texts []string, model string) (*llm.EmbeddingBatchResponse, error) {
	var resp *llm.EmbeddingBatchResponse
	err := r.callWithFallback(ctx, feature, needEmbeddings, func(ctx context.Context, p llm.Provider) error {
		var err error
		resp, err = p.EmbedBatch(ctx, texts, model)
		return err
	})
	return resp, err
}

func needChat(c llm.Capabilities) bool       { return c.Chat }
func needEmbeddings(c llm.Capabilities) bool { return c.Embeddings }

// callWithFallback implements the selection loop: pick, retry with
// backoff on retryable errors, mark the provider unhealthy and move to
// the next on exhaustion, propagate non-retryable errors immediately.
func (r *Router) callWithFallback(ctx context.Context, feature string, need func(llm.Capabilities) bool, call func(context.Context, llm.Provider) error) error {
	tried := make(map[string]bool)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := r.pick(feature, tried, need)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		tried[p.Name()] = true

		lastErr = r.callWithRetry(ctx, p, call)
		if lastErr == nil {
			r.setHealth(p.Name(), true)
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if !llm.IsRetryable(lastErr) {
			// Fatal for this request: propagate without fallback. The
			// provider still sits out until the next probe flips it back.
			r.setHealth(p.Name(), false)
			return lastErr
		}

		r.setHealth(p.Name(), false)
		r.logger.Warn("Provider failed, trying next in chain",
			slog.String("provider", p.Name()),
			slog.String("error", lastErr.Error()),
		)
	}
}

// callWithRetry runs one provider with the backoff schedule, bounded by
// the per-provider in-flight cap.
func (r *Router) callWithRetry(ctx context.Context, p llm.Provider, call func(context.Context, llm.Provider) error) error {
	sem := r.inflight[p.Name()]
	if sem != nil && !sem.TryAcquire(1) {
		return &llm.ProviderError{
			Provider:  p.Name(),
			Code:      llm.CodeRateLimited,
			Message:   "provider at in-flight capacity",
			Retryable: true,
		}
	}
	if sem != nil {
		defer sem.Release(1)
	}
	if lim := r.limits[p.Name()]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoffDelay(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = call(ctx, p)
		if lastErr == nil || !llm.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// backoffDelay is baseDelay × 2^attempt plus up to 25% uniform jitter.
func (r *Router) backoffDelay(attempt int) time.Duration {
	delay := r.baseDelay << uint(attempt)
	r.mu.Lock()
	jitter := time.Duration(r.rng.Int63n(int64(float64(delay)*jitterFraction) + 1))
	r.mu.Unlock()
	return delay + jitter
}
