package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/authcore/pkg/clock"
	"github.com/charlesng35/authcore/pkg/logger"
)

const (
	defaultSweepSpec = "@every 1m"
	defaultPurgeSpec = "@hourly"
)

// WindowSweeper drops expired in-process rate limit windows.
type WindowSweeper interface {
	Sweep(now time.Time) int
}

// CachePurger deletes expired rows from the SQL counter store.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ChallengePurger clears expired OTP and reset token fields.
type ChallengePurger interface {
	PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// Cleaner coordinates background maintenance: sweeping rate limit windows,
// purging expired counter rows and clearing stale account challenges.
type Cleaner struct {
	windows    WindowSweeper
	cache      CachePurger
	challenges ChallengePurger

	cron *cron.Cron
	now  clock.Func
	log  *zap.Logger

	sweepSchedule string
	purgeSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for expiry comparisons.
func WithNow(now clock.Func) Option {
	return func(cleaner *Cleaner) {
		cleaner.now = clock.OrSystem(now)
	}
}

// WithWindowSweeper enables sweeping of in-memory rate limit windows.
func WithWindowSweeper(s WindowSweeper) Option {
	return func(cleaner *Cleaner) {
		cleaner.windows = s
	}
}

// WithCachePurger enables purging of expired counter rows.
func WithCachePurger(p CachePurger) Option {
	return func(cleaner *Cleaner) {
		cleaner.cache = p
	}
}

// WithChallengePurger enables clearing of expired OTP and reset fields.
func WithChallengePurger(p ChallengePurger) Option {
	return func(cleaner *Cleaner) {
		cleaner.challenges = p
	}
}

// WithSweepSchedule overrides the cron specification for the window sweep.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

// WithPurgeSchedule overrides the cron specification for database purges.
func WithPurgeSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.purgeSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner. Jobs without a configured dependency are skipped.
func NewCleaner(opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		now:           clock.System,
		sweepSchedule: defaultSweepSpec,
		purgeSchedule: defaultPurgeSpec,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

func (c *Cleaner) enabled() bool {
	return c.windows != nil || c.cache != nil || c.challenges != nil
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one job is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled() {
		return nil
	}

	if c.windows != nil {
		if _, err := c.cron.AddFunc(c.sweepSchedule, func() {
			if removed := c.sweepWindows(); removed > 0 {
				c.log.Debug("rate limit windows swept", zap.Int("removed", removed))
			}
		}); err != nil {
			return err
		}
	}

	if c.cache != nil || c.challenges != nil {
		if _, err := c.cron.AddFunc(c.purgeSchedule, func() {
			if err := c.purge(context.Background()); err != nil {
				c.log.Warn("maintenance purge failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler. The returned context is done once running jobs complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured job sequentially, aggregating failures.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.sweepWindows()
	return c.purge(ctx)
}

func (c *Cleaner) sweepWindows() int {
	if c.windows == nil {
		return 0
	}
	return c.windows.Sweep(c.now())
}

func (c *Cleaner) purge(ctx context.Context) error {
	var errs error

	if c.cache != nil {
		if removed, err := c.cache.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			c.log.Debug("expired cache entries purged", zap.Int64("removed", removed))
		}
	}

	if c.challenges != nil {
		if cleared, err := c.challenges.PurgeExpiredChallenges(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		} else if cleared > 0 {
			c.log.Debug("expired challenges cleared", zap.Int64("cleared", cleared))
		}
	}

	return errs
}
