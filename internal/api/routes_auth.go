package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/app"
	"github.com/charlesng35/authcore/internal/handlers"
	"github.com/charlesng35/authcore/internal/middleware"
	"github.com/charlesng35/authcore/internal/ratelimit"
)

type authRouteDeps struct {
	Handler *handlers.AuthHandler
	Limiter *ratelimit.Limiter
	Rules   app.RateRules
}

func registerAuthRoutes(api *gin.RouterGroup, requireAuth gin.HandlerFunc, deps authRouteDeps) {
	limit := func(rule ratelimit.Rule, key middleware.KeyFunc) gin.HandlerFunc {
		return middleware.RateLimit(deps.Limiter, rule, key)
	}

	auth := api.Group("/auth")
	{
		auth.POST("/register", limit(deps.Rules.Register, middleware.ByIP), deps.Handler.Register)
		auth.POST("/verify-otp", limit(deps.Rules.OTP, middleware.ByEmail), deps.Handler.VerifyOTP)
		auth.POST("/resend-otp", limit(deps.Rules.OTP, middleware.ByEmail), deps.Handler.ResendOTP)
		auth.POST("/login", limit(deps.Rules.Login, middleware.ByIP), deps.Handler.Login)
		auth.POST("/refresh", limit(deps.Rules.Refresh, middleware.ByIP), deps.Handler.Refresh)
		auth.POST("/logout", deps.Handler.Logout)
		auth.POST("/password-reset", limit(deps.Rules.Reset, middleware.ByIP), deps.Handler.RequestPasswordReset)
		auth.POST("/password-reset/confirm", limit(deps.Rules.Reset, middleware.ByIP), deps.Handler.ResetPassword)

		auth.POST("/logout-all", requireAuth, deps.Handler.LogoutAll)
		auth.GET("/me", requireAuth, deps.Handler.Me)
	}
}
