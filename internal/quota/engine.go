package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// usageCacheTTL bounds staleness of cached usage snapshots.
const usageCacheTTL = 30 * time.Second

// Engine performs quota admission, atomic usage accounting, and snapshot
// reads over the org → domain → user → mailbox hierarchy.
type Engine struct {
	repo    *Repository
	cache   redis.Cmdable
	logger  *slog.Logger
	softPct int
	hardPct int
}

// NewEngine creates a new Engine. cache may be nil; snapshots are then
// computed on every call.
func NewEngine(repo *Repository, cache redis.Cmdable, logger *slog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		cache:   cache,
		logger:  logger.With(slog.String("component", "quota")),
		softPct: DefaultSoftLimitPct,
		hardPct: DefaultHardLimitPct,
	}
}

// SetDefaultLimits overrides the thresholds applied to nodes created
// without explicit percentages.
func (e *Engine) SetDefaultLimits(softPct, hardPct int) {
	if softPct > 0 {
		e.softPct = softPct
	}
	if hardPct > 0 {
		e.hardPct = hardPct
	}
}

// Create registers a quota node, applying default thresholds when the
// caller leaves them zero.
func (e *Engine) Create(ctx context.Context, q *Quota) error {
	if q.SoftLimitPct == 0 {
		q.SoftLimitPct = e.softPct
	}
	if q.HardLimitPct == 0 {
		q.HardLimitPct = e.hardPct
	}
	return e.repo.Create(ctx, q)
}

// Get returns one quota node.
func (e *Engine) Get(ctx context.Context, level Level, entityID string) (*Quota, error) {
	return e.repo.Get(ctx, level, entityID)
}

// UpdateLimits reconfigures a node's size and thresholds.
func (e *Engine) UpdateLimits(ctx context.Context, level Level, entityID string, totalBytes int64, softPct, hardPct int) error {
	if softPct == 0 {
		softPct = e.softPct
	}
	if hardPct == 0 {
		hardPct = e.hardPct
	}
	if err := e.repo.UpdateLimits(ctx, level, entityID, totalBytes, softPct, hardPct); err != nil {
		return err
	}
	e.invalidate(ctx, level, entityID)
	return nil
}

// Delete removes a quota node.
func (e *Engine) Delete(ctx context.Context, level Level, entityID string) error {
	if err := e.repo.Delete(ctx, level, entityID); err != nil {
		return err
	}
	e.invalidate(ctx, level, entityID)
	return nil
}

// Check decides whether a prospective write of deltaBytes is admissible at
// every populated level of the scope. Hard breaches deny; the first soft
// breach walking mailbox outward is surfaced on an allowed result.
// Levels without a configured quota are unconstrained.
func (e *Engine) Check(ctx context.Context, scope Scope, deltaBytes int64) (*CheckResult, error) {
	result := &CheckResult{Allowed: true}
	for _, ref := range scope.chain() {
		q, err := e.repo.Get(ctx, ref.level, ref.entityID)
		if err != nil {
			if errors.Is(err, ErrQuotaNotFound) {
				continue
			}
			return nil, err
		}
		if deltaBytes > 0 && q.UsedBytes+deltaBytes > q.HardLimitBytes() {
			return &CheckResult{
				Allowed:    false,
				Level:      ref.level,
				LimitKind:  LimitHard,
				CurrentPct: q.UsedPct(),
			}, nil
		}
		if result.LimitKind == LimitNone && q.UsedBytes+deltaBytes > q.SoftLimitBytes() {
			result.Level = ref.level
			result.LimitKind = LimitSoft
			result.CurrentPct = q.UsedPct()
		}
	}
	return result, nil
}

// Commit applies a usage delta to every populated level of the scope,
// mailbox first, in one atomic transaction. If any level's hard limit
// would be crossed the whole commit is rejected with *HardLimitError and
// nothing is persisted.
func (e *Engine) Commit(ctx context.Context, scope Scope, deltaBytes, deltaObjects int64) error {
	updates := make([]usageUpdate, 0, 4)
	for _, ref := range scope.chain() {
		q, err := e.repo.Get(ctx, ref.level, ref.entityID)
		if err != nil {
			if errors.Is(err, ErrQuotaNotFound) {
				continue
			}
			return err
		}
		updates = append(updates, usageUpdate{
			level:       ref.level,
			entityID:    ref.entityID,
			deltaBytes:  deltaBytes,
			deltaCount:  deltaObjects,
			ceiling:     q.HardLimitBytes() - deltaBytes,
			enforceHard: true,
		})
	}
	if len(updates) == 0 {
		return nil
	}

	if err := e.repo.CommitUsage(ctx, updates); err != nil {
		var hle *HardLimitError
		if errors.As(err, &hle) {
			e.logger.InfoContext(ctx, "Quota commit rejected at hard limit",
				slog.String("level", string(hle.Level)),
				slog.String("entity_id", hle.EntityID),
				slog.Int64("delta_bytes", deltaBytes),
			)
		}
		return err
	}
	for _, u := range updates {
		e.invalidate(ctx, u.level, u.entityID)
	}
	return nil
}

// GetUsage returns a snapshot for the scope, innermost level first, with
// direct-child aggregates of the innermost configured level.
func (e *Engine) GetUsage(ctx context.Context, scope Scope) (*Usage, error) {
	chain := scope.chain()
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty quota scope")
	}
	cacheKey := usageCacheKey(chain[0].level, chain[0].entityID)
	if e.cache != nil {
		if raw, err := e.cache.Get(ctx, cacheKey).Result(); err == nil {
			var u Usage
			if err := json.Unmarshal([]byte(raw), &u); err == nil {
				return &u, nil
			}
		}
	}

	usage := &Usage{TakenAt: time.Now().UTC()}
	var innermost *Quota
	for _, ref := range chain {
		q, err := e.repo.Get(ctx, ref.level, ref.entityID)
		if err != nil {
			if errors.Is(err, ErrQuotaNotFound) {
				continue
			}
			return nil, err
		}
		if innermost == nil {
			innermost = q
		}
		usage.Scope = append(usage.Scope, LevelUsage{
			Level:        q.Level,
			EntityID:     q.EntityID,
			TotalBytes:   q.TotalBytes,
			UsedBytes:    q.UsedBytes,
			ObjectCount:  q.ObjectCount,
			UsedPct:      q.UsedPct(),
			SoftBreached: q.UsedBytes > q.SoftLimitBytes(),
		})
	}
	if innermost == nil {
		return nil, ErrQuotaNotFound
	}

	children, err := e.repo.ListChildren(ctx, innermost.EntityID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		usage.ChildUsedBytes += c.UsedBytes
	}
	usage.ChildCount = len(children)

	if e.cache != nil {
		if raw, err := json.Marshal(usage); err == nil {
			if err := e.cache.Set(ctx, cacheKey, raw, usageCacheTTL).Err(); err != nil {
				e.logger.WarnContext(ctx, "Failed to cache quota usage",
					slog.String("key", cacheKey),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return usage, nil
}

func usageCacheKey(level Level, entityID string) string {
	return "quota:usage:" + string(level) + ":" + entityID
}

func (e *Engine) invalidate(ctx context.Context, level Level, entityID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Del(ctx, usageCacheKey(level, entityID)).Err(); err != nil {
		e.logger.WarnContext(ctx, "Failed to invalidate quota cache",
			slog.String("level", string(level)),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)
	}
}
