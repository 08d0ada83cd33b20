package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/handlers"
	"github.com/charlesng35/authcore/internal/security"
)

type adminRouteDeps struct {
	RateLimits *handlers.RateLimitHandler
	Audit      *security.AuditService
}

func registerAdminRoutes(admin *gin.RouterGroup, deps adminRouteDeps) {
	limits := admin.Group("/admin/rate-limits")
	{
		limits.GET("", deps.RateLimits.Snapshot)
		limits.DELETE("", deps.RateLimits.Clear)
	}

	if deps.Audit != nil {
		admin.GET("/admin/security-audit", handlers.NewSecurityHandler(deps.Audit).Audit)
	}
}
