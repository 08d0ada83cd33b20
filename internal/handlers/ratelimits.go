package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/ratelimit"
	"github.com/charlesng35/authcore/pkg/errors"
	"github.com/charlesng35/authcore/pkg/response"
)

// RateLimitHandler exposes rate limit introspection. Every endpoint answers
// NOT_AVAILABLE when the server runs in production mode.
type RateLimitHandler struct {
	limiter    *ratelimit.Limiter
	production bool
}

// NewRateLimitHandler constructs a RateLimitHandler.
func NewRateLimitHandler(limiter *ratelimit.Limiter, production bool) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter, production: production}
}

func (h *RateLimitHandler) available(c *gin.Context) bool {
	if h.production || h.limiter == nil {
		response.Error(c, errors.ErrNotAvailable)
		return false
	}
	return true
}

// GET /api/admin/rate-limits
func (h *RateLimitHandler) Snapshot(c *gin.Context) {
	if !h.available(c) {
		return
	}

	windows, err := h.limiter.Snapshot(requestContext(c))
	if err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}
	if windows == nil {
		windows = []ratelimit.Window{}
	}

	response.SuccessWithMeta(c, http.StatusOK, windows, &response.Meta{Total: len(windows)})
}

// DELETE /api/admin/rate-limits
func (h *RateLimitHandler) Clear(c *gin.Context) {
	if !h.available(c) {
		return
	}

	if err := h.limiter.Clear(requestContext(c)); err != nil {
		response.Error(c, errors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"cleared": true})
}
