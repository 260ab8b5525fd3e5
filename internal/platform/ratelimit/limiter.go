// Package ratelimit implements a sliding-window rate limiter shared by the
// API surface. Decisions are backed by a shared Postgres store so that limits
// hold across instances; when the shared store is unreachable the limiter
// transparently falls back to an in-process window and reports which backend
// served the decision.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Backend identifies which store produced a decision.
type Backend string

const (
	// BackendShared means the decision came from the shared store and holds
	// across all instances.
	BackendShared Backend = "shared"
	// BackendProcess means the shared store was unreachable and the decision
	// came from the in-process approximation, which does not hold under
	// multi-instance deployment.
	BackendProcess Backend = "process"
)

// Policy is the process-wide budget for one operation category.
type Policy struct {
	Window time.Duration
	Max    int
}

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds until the window frees a slot; >0 only when denied
	Backend    Backend
}

// Store is the atomic prune-count-insert sequence behind the limiter. Take
// must, as one atomic operation with respect to concurrent callers of the
// same key: drop timestamps at or before now-window, count the remainder,
// and insert now only when the count is below max. It reports the count
// after the operation (including the insert, when it happened) and the
// oldest surviving timestamp, which is the zero time when none survive.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (allowed bool, count int, oldest time.Time, err error)
}

// Limiter applies per-category sliding-window policies to caller identities.
type Limiter struct {
	policies      map[string]Policy
	defaultPolicy Policy
	shared        Store // nil when no shared store is configured
	local         *MemoryStore
	logger        zerolog.Logger
}

// New creates a Limiter. shared may be nil, in which case every decision is
// served by the in-process store and reported as BackendProcess.
func New(defaultPolicy Policy, shared Store, logger zerolog.Logger) *Limiter {
	return &Limiter{
		policies:      make(map[string]Policy),
		defaultPolicy: defaultPolicy,
		shared:        shared,
		local:         NewMemoryStore(),
		logger:        logger,
	}
}

// SetPolicy registers a category-specific budget, overriding the default.
func (l *Limiter) SetPolicy(category string, p Policy) {
	l.policies[category] = p
}

// PolicyFor returns the budget applied to a category.
func (l *Limiter) PolicyFor(category string) Policy {
	if p, ok := l.policies[category]; ok {
		return p
	}
	return l.defaultPolicy
}

// Check records one request for (identity, category) and decides whether it
// fits the budget. The check and the increment are a single atomic operation
// against the backing store; a denied request is not counted.
func (l *Limiter) Check(ctx context.Context, identity, category string) Decision {
	policy := l.PolicyFor(category)
	key := identity + ":" + category
	now := time.Now()

	backend := BackendShared
	var (
		allowed bool
		count   int
		oldest  time.Time
		err     error
	)

	if l.shared != nil {
		allowed, count, oldest, err = l.shared.Take(ctx, key, now, policy.Window, policy.Max)
	}
	if l.shared == nil || err != nil {
		if err != nil {
			l.logger.Warn().Err(err).
				Str("category", category).
				Msg("rate limit shared store unavailable, falling back to in-process window")
		}
		backend = BackendProcess
		allowed, count, oldest, _ = l.local.Take(ctx, key, now, policy.Window, policy.Max)
	}

	d := Decision{
		Allowed: allowed,
		Limit:   policy.Max,
		Backend: backend,
	}
	d.Remaining = policy.Max - count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		d.RetryAfter = retryAfterSeconds(now, oldest, policy.Window)
	}
	return d
}

// retryAfterSeconds computes how long until the oldest event leaves the
// window, minimum 1 second.
func retryAfterSeconds(now, oldest time.Time, window time.Duration) int {
	if oldest.IsZero() {
		return 1
	}
	s := int(oldest.Add(window).Sub(now).Seconds()) + 1
	if s < 1 {
		return 1
	}
	return s
}
