package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/authcore/internal/handlers"
)

func registerHealthRoutes(r *gin.Engine, checks map[string]handlers.Pinger) {
	r.GET("/health", handlers.Health(checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
