package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/pkg/errors"
	"github.com/charlesng35/authcore/pkg/response"
)

// UserHandler exposes administrative account operations.
type UserHandler struct {
	sessions *iauth.SessionManager
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(sessions *iauth.SessionManager) *UserHandler {
	return &UserHandler{sessions: sessions}
}

type setRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

// PATCH /api/users/:id/role
func (h *UserHandler) SetRole(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req setRoleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.sessions.SetRole(requestContext(c), claims.Subject, c.Param("id"), req.Role)
	if err != nil {
		response.Error(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"user": user})
}
