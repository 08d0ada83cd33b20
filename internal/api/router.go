package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/app"
	iauth "github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/handlers"
	"github.com/charlesng35/authcore/internal/middleware"
	"github.com/charlesng35/authcore/internal/ratelimit"
	"github.com/charlesng35/authcore/internal/security"
)

// Dependencies are the collaborators the router wires into handlers.
type Dependencies struct {
	Config   *app.Config
	Sessions *iauth.SessionManager
	Limiter  *ratelimit.Limiter
	// Audit is optional; without it the security audit route is not registered.
	Audit *security.AuditService
	// Checks are reported by /health, keyed by dependency name.
	Checks map[string]handlers.Pinger
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Config == nil {
		return nil, errors.New("config must be provided")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session manager must be provided")
	}
	if deps.Limiter == nil {
		return nil, errors.New("rate limiter must be provided")
	}

	cfg := deps.Config
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, err
	}

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.NoRoute(middleware.NotFoundHandler)

	registerHealthRoutes(r, deps.Checks)

	requireAuth := middleware.Auth(deps.Sessions)
	api := r.Group("/api")

	registerAuthRoutes(api, requireAuth, authRouteDeps{
		Handler: handlers.NewAuthHandler(deps.Sessions, handlers.CookieSettings{Secure: cfg.Server.SecureCookies}),
		Limiter: deps.Limiter,
		Rules:   cfg.Auth.RateLimits.Rules(),
	})

	admin := api.Group("")
	admin.Use(requireAuth, middleware.RequireAdmin(deps.Sessions))
	registerUserRoutes(admin, handlers.NewUserHandler(deps.Sessions))
	registerAdminRoutes(admin, adminRouteDeps{
		RateLimits: handlers.NewRateLimitHandler(deps.Limiter, cfg.Server.IsProduction()),
		Audit:      deps.Audit,
	})

	return r, nil
}
