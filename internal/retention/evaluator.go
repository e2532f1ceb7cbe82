package retention

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/enterprise-email/mailplane/internal/htmlstrip"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
)

// bodyScanLimit caps how much stripped body text a keyword check reads.
const bodyScanLimit = 1 << 20

// Verdict is the evaluator's decision for one message.
type Verdict struct {
	Policy   *Policy
	ExpiryAt time.Time
	Expired  bool
}

// Evaluator matches messages against retention policies and legal holds.
type Evaluator struct {
	store  objectstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEvaluator creates an Evaluator. The object store backs keyword
// matching against message bodies.
func NewEvaluator(store objectstore.Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		logger: logger.With(slog.String("component", "retention")),
		now:    time.Now,
	}
}

// SortPolicies orders policies highest priority first, so the first match
// wins. Order is stable for equal priorities.
func SortPolicies(policies []*Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})
}

// Evaluate finds the winning policy for a message and whether it has
// expired under it. Policies must be pre-sorted with SortPolicies.
// Exclusions make the winning policy a non-match, falling through to the
// next; a winning policy with retentionDays=0 shields the message.
func (e *Evaluator) Evaluate(m *message.Message, policies []*Policy) Verdict {
	for _, p := range policies {
		if !p.Matches(m) {
			continue
		}
		if p.ExcludeStarred && m.Starred() {
			continue
		}
		if len(p.ExcludeLabels) > 0 && m.HasAnyLabel(p.ExcludeLabels) {
			continue
		}
		expiry := p.ExpiryAt(m)
		if expiry.IsZero() {
			return Verdict{Policy: p}
		}
		return Verdict{
			Policy:   p,
			ExpiryAt: expiry,
			Expired:  e.now().After(expiry),
		}
	}
	return Verdict{}
}

// IsHeld reports whether any active legal hold covers the message.
// Coverage is scope containment plus keyword intersection; a hold without
// keywords covers everything in scope. Messages older than the hold's
// startDate are still covered while it is active. A body that cannot be
// read counts as held when keywords might match: holds fail closed.
func (e *Evaluator) IsHeld(ctx context.Context, m *message.Message, holds []*Hold) bool {
	at := e.now()
	var keyworded []*Hold
	for _, h := range holds {
		if !h.ActiveAt(at) || !h.ScopeCovers(m) {
			continue
		}
		if len(h.Keywords) == 0 {
			return true
		}
		if containsAnyFold(m.Subject, h.Keywords) {
			return true
		}
		keyworded = append(keyworded, h)
	}
	if len(keyworded) == 0 {
		return false
	}

	body, _, err := e.store.Get(ctx, m.StorageKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return false
		}
		e.logger.WarnContext(ctx, "Body unreadable during hold check, treating as held",
			slog.String("message_id", m.MessageID),
			slog.String("error", err.Error()),
		)
		return true
	}
	defer body.Close()

	text, err := htmlstrip.Text(body, bodyScanLimit)
	if err != nil && text == "" {
		return true
	}
	for _, h := range keyworded {
		if containsAnyFold(text, h.Keywords) {
			return true
		}
	}
	return false
}

func containsAnyFold(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
