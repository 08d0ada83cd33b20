package middleware

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/pkg/errors"
	"github.com/charlesng35/authcore/pkg/response"
)

// Timeout installs a request deadline. Handlers observe it through the request
// context; a handler that returns without writing after the deadline passes
// gets a REQUEST_TIMEOUT response.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if !c.Writer.Written() && stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			response.Error(c, errors.ErrRequestTimeout)
			c.Abort()
		}
	}
}
