package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/internal/ratelimit"
	"github.com/charlesng35/authcore/pkg/errors"
	"github.com/charlesng35/authcore/pkg/response"
)

const maxPeekBytes = 64 << 10

// KeyFunc extracts the subject a rule is applied to. It returns the subject
// kind (e.g. "ip") and value; an empty value skips limiting.
type KeyFunc func(c *gin.Context) (kind, subject string)

// ByIP keys requests by client address.
func ByIP(c *gin.Context) (string, string) {
	return "ip", c.ClientIP()
}

// ByEmail keys requests by the normalized "email" field of the JSON body and
// falls back to the client address when the body carries none. The body is
// restored for the handler.
func ByEmail(c *gin.Context) (string, string) {
	if email := peekEmail(c); email != "" {
		return "email", email
	}
	return ByIP(c)
}

// RateLimit admits requests through limiter under rule. Denied requests get a
// 429 with Retry-After; every limited response carries X-RateLimit-* headers.
func RateLimit(limiter *ratelimit.Limiter, rule ratelimit.Rule, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByIP
	}
	return func(c *gin.Context) {
		if limiter == nil || !rule.Enabled() {
			c.Next()
			return
		}

		kind, subject := key(c)
		if subject == "" {
			c.Next()
			return
		}

		decision, err := limiter.AdmitRule(c.Request.Context(), rule, kind, subject)
		if err != nil {
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			c.Abort()
			return
		}

		if !decision.Degraded {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}

		if !decision.Allowed {
			response.Error(c, errors.ErrRateLimit.WithRetryAfter(decision.RetryAfterSeconds()))
			c.Abort()
			return
		}

		c.Next()
	}
}

type replayBody struct {
	io.Reader
	io.Closer
}

func peekEmail(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	original := c.Request.Body
	body, err := io.ReadAll(io.LimitReader(original, maxPeekBytes))
	// Replay the peeked prefix ahead of whatever was not read.
	c.Request.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(body), original), Closer: original}
	if err != nil || len(body) == 0 {
		return ""
	}

	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return models.NormalizeEmail(payload.Email)
}
