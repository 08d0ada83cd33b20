package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/api"
	"github.com/charlesng35/authcore/internal/app"
	"github.com/charlesng35/authcore/internal/app/maintenance"
	iauth "github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/cache"
	"github.com/charlesng35/authcore/internal/database"
	"github.com/charlesng35/authcore/internal/handlers"
	"github.com/charlesng35/authcore/internal/ratelimit"
	"github.com/charlesng35/authcore/internal/security"
	"github.com/charlesng35/authcore/internal/store"
	"github.com/charlesng35/authcore/pkg/logger"
	"github.com/charlesng35/authcore/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Redis    *cache.RedisStore
	Sessions *iauth.SessionManager
	Limiter  *ratelimit.Limiter
	Cleaner  *maintenance.Cleaner
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, counter store, session manager and HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mode
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisStore(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to local counters", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	users, err := store.NewUserStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise user store: %w", err)
	}

	stack.Sessions, err = newSessionManager(cfg, users)
	if err != nil {
		return nil, err
	}

	counters := selectCounterStore(cfg, stack.DB, stack.Redis)
	stack.Limiter, err = ratelimit.New(counters.store, ratelimit.WithLogger(logger.WithModule("ratelimit")))
	if err != nil {
		return nil, fmt.Errorf("initialise rate limiter: %w", err)
	}
	log.Info("rate limit counters ready", zap.String("backend", counters.backend))

	cleanerOpts := []maintenance.Option{maintenance.WithChallengePurger(users)}
	if counters.memory != nil {
		cleanerOpts = append(cleanerOpts, maintenance.WithWindowSweeper(counters.memory))
	}
	if counters.rows != nil {
		cleanerOpts = append(cleanerOpts, maintenance.WithCachePurger(counters.rows))
	}
	stack.Cleaner = maintenance.NewCleaner(cleanerOpts...)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	audit := security.NewAuditService(stack.DB, cfg)
	logAudit(audit.Run(ctx), log)

	checks := map[string]handlers.Pinger{
		"database": handlers.PingFunc(func(context.Context) error { return database.Ping(stack.DB) }),
	}
	if stack.Redis != nil {
		checks["redis"] = stack.Redis
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:   cfg,
		Sessions: stack.Sessions,
		Limiter:  stack.Limiter,
		Audit:    audit,
		Checks:   checks,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

func newSessionManager(cfg *app.Config, users store.UserStore) (*iauth.SessionManager, error) {
	codec, err := iauth.NewTokenCodec(cfg.Auth.TokenConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise token codec: %w", err)
	}

	hasher, err := iauth.NewPasswordHasher(cfg.Auth.Password.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("initialise password hasher: %w", err)
	}

	opts := []iauth.SessionOption{
		iauth.WithPasswordHasher(hasher),
		iauth.WithResetURL(cfg.Auth.Reset.BaseURL),
		iauth.WithResetTokenTTL(cfg.Auth.Reset.TTL),
		iauth.WithRefreshRotation(cfg.Auth.JWT.RotateRefresh),
		iauth.WithEmailTimeout(cfg.Email.SMTP.Timeout),
	}

	if cfg.Email.SMTP.Enabled {
		mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if err != nil {
			return nil, fmt.Errorf("initialise smtp mailer: %w", err)
		}
		notifier, err := iauth.NewMailNotifier(mailer, cfg.Email.AppName, cfg.Auth.OTP.Window)
		if err != nil {
			return nil, fmt.Errorf("initialise notifier: %w", err)
		}
		opts = append(opts, iauth.WithNotifier(notifier))
	} else {
		logger.WithModule("bootstrap").Warn("smtp disabled; verification and reset emails will not be sent")
	}

	manager, err := iauth.NewSessionManager(users, codec, iauth.NewOTPGenerator(cfg.Auth.OTPConfig()), opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise session manager: %w", err)
	}
	return manager, nil
}

func logAudit(result security.Result, log *zap.Logger) {
	for _, check := range result.Checks {
		fields := []zap.Field{zap.String("check", check.ID), zap.String("detail", check.Message)}
		switch check.Status {
		case security.StatusFail:
			log.Error("security audit failed", append(fields, zap.String("remediation", check.Remediation))...)
		case security.StatusWarn:
			log.Warn("security audit warning", fields...)
		}
	}
	log.Info("security audit complete",
		zap.Int("pass", result.Summary[string(security.StatusPass)]),
		zap.Int("warn", result.Summary[string(security.StatusWarn)]),
		zap.Int("fail", result.Summary[string(security.StatusFail)]),
	)
}

// counterStore records which rate limit backend was selected and the
// concrete stores maintenance must sweep.
type counterStore struct {
	store   ratelimit.Store
	backend string
	memory  *ratelimit.MemoryStore
	rows    *cache.DatabaseStore
}

// selectCounterStore prefers Redis, then the SQL database when it is shared
// between instances, and finally process memory for a single SQLite node.
func selectCounterStore(cfg *app.Config, db *gorm.DB, redisStore *cache.RedisStore) counterStore {
	if redisStore != nil {
		if shared, err := ratelimit.NewCacheStore(redisStore); err == nil {
			return counterStore{store: shared, backend: "redis"}
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "", "sqlite":
	default:
		rows := cache.NewDatabaseStore(db, nil)
		if shared, err := ratelimit.NewCacheStore(rows); err == nil {
			return counterStore{store: shared, backend: "database", rows: rows}
		}
	}

	memory := ratelimit.NewMemoryStore()
	return counterStore{store: memory, backend: "memory", memory: memory}
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.Sessions != nil {
		s.Sessions.Wait()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseOptions()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
