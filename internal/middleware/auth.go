package middleware

import (
	"context"
	stdErrors "errors"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/internal/store"
	"github.com/charlesng35/authcore/pkg/errors"
	"github.com/charlesng35/authcore/pkg/response"
)

const (
	CtxClaimsKey = "authClaims"
	CtxUserIDKey = "userID"
	CtxRoleKey   = "userRole"

	// AccessCookieName carries the access token for browser clients.
	AccessCookieName = "access_token"
)

// Authenticator validates access tokens.
type Authenticator interface {
	Authenticate(accessToken string) (*iauth.AccessClaims, error)
}

// Auth requires a valid access token from the Authorization header or the
// access cookie. The header wins when both are present.
func Auth(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if cookie, err := c.Cookie(AccessCookieName); err == nil {
				token = strings.TrimSpace(cookie)
			}
		}
		if token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := authenticator.Authenticate(token)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			appErr := errors.ErrTokenInvalid
			if stdErrors.Is(err, iauth.ErrTokenExpired) {
				appErr = errors.ErrTokenExpired
			}
			response.Error(c, appErr)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.Subject)
		c.Set(CtxRoleKey, claims.Role)

		c.Next()
	}
}

// RoleLookup resolves the stored role of an account.
type RoleLookup interface {
	CurrentRole(ctx context.Context, userID string) (string, error)
}

// RequireAdmin rejects callers who are not administrators. With a lookup the
// stored role decides, so a demotion takes effect before the token expires.
// Without one the token's role claim is trusted. It must run after Auth.
func RequireAdmin(roles RoleLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(CtxRoleKey)
		if roles != nil {
			current, err := roles.CurrentRole(c.Request.Context(), c.GetString(CtxUserIDKey))
			switch {
			case stdErrors.Is(err, store.ErrUserNotFound):
				role = ""
			case err != nil:
				response.Error(c, errors.FromError(err))
				c.Abort()
				return
			default:
				role = current
				c.Set(CtxRoleKey, current)
			}
		}

		if role != models.RoleAdmin {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by Auth.
func ClaimsFrom(c *gin.Context) (*iauth.AccessClaims, bool) {
	value, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*iauth.AccessClaims)
	return claims, ok && claims != nil
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
