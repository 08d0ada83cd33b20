// Package ratelimit implements fixed-window admission control keyed by caller identifier.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/authcore/pkg/clock"
	"github.com/charlesng35/authcore/pkg/logger"
	"github.com/charlesng35/authcore/pkg/metrics"
)

// ErrInvalidPolicy is returned when Admit receives an empty identifier or a non-positive limit or window.
var ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

// Window is a read-only view of one counter.
type Window struct {
	Key     string    `json:"key"`
	Count   int64     `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Store holds fixed-window counters. Increment must be atomic per key.
type Store interface {
	// Increment starts a new window {count: 1, resetAt: now+window} when none is
	// live, otherwise bumps the count. It returns the count and reset time.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error)
	Windows(ctx context.Context, now time.Time) ([]Window, error)
	Reset(ctx context.Context) error
}

// Rule names a policy applied to one family of endpoints.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Key namespaces subject under the rule, e.g. login:ip:1.2.3.4.
func (r Rule) Key(kind, subject string) string {
	return r.Name + ":" + kind + ":" + strings.TrimSpace(subject)
}

// Decision reports the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the store failed and the request was admitted anyway.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 when denied.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now clock.Func) Option {
	return func(l *Limiter) {
		l.now = clock.OrSystem(now)
	}
}

// WithLogger overrides the logger used for store failures.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// Limiter applies fixed-window limits on top of a Store. It is safe for concurrent use.
type Limiter struct {
	store Store
	now   clock.Func
	log   *zap.Logger
}

// New constructs a Limiter.
func New(store Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	l := &Limiter{
		store: store,
		now:   clock.System,
		log:   logger.WithModule("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Admit counts one request for identifier and reports whether it fits within limit per window.
// Store failures admit the request and are logged.
func (l *Limiter) Admit(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || limit <= 0 || window <= 0 {
		return Decision{}, ErrInvalidPolicy
	}

	now := l.now()
	count, resetAt, err := l.store.Increment(ctx, identifier, window, now)
	if err != nil {
		l.log.Warn("rate limit store unavailable, admitting request",
			zap.String("key", identifier),
			zap.Error(err),
		)
		metrics.RateLimitDecisions.WithLabelValues(ruleLabel(identifier), "error").Inc()
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now.Add(window),
			Degraded:  true,
		}, nil
	}

	decision := Decision{
		Allowed:   count <= int64(limit),
		Count:     count,
		Limit:     limit,
		Remaining: remaining(limit, count),
		ResetAt:   resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
		metrics.RateLimitDecisions.WithLabelValues(ruleLabel(identifier), "denied").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(ruleLabel(identifier), "allowed").Inc()
	}
	return decision, nil
}

// AdmitRule applies rule to the namespaced key for kind and subject.
func (l *Limiter) AdmitRule(ctx context.Context, rule Rule, kind, subject string) (Decision, error) {
	return l.Admit(ctx, rule.Key(kind, subject), rule.Limit, rule.Window)
}

// Clear wipes every counter.
func (l *Limiter) Clear(ctx context.Context) error {
	return l.store.Reset(ctx)
}

// Snapshot lists live windows.
func (l *Limiter) Snapshot(ctx context.Context) ([]Window, error) {
	return l.store.Windows(ctx, l.now())
}

func remaining(limit int, count int64) int {
	left := int64(limit) - count
	if left < 0 {
		return 0
	}
	return int(left)
}

func ruleLabel(key string) string {
	if idx := strings.Index(key, ":"); idx > 0 {
		return key[:idx]
	}
	return "default"
}
