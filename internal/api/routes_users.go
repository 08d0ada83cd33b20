package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/handlers"
)

func registerUserRoutes(admin *gin.RouterGroup, h *handlers.UserHandler) {
	users := admin.Group("/users")
	{
		users.PATCH("/:id/role", h.SetRole)
	}
}
