package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/middleware"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/errors"
	"github.com/charlesng35/authcore/pkg/response"
)

const (
	// RefreshCookieName carries the refresh token, scoped to the refresh endpoint.
	RefreshCookieName = "refresh_token"
	// RefreshCookiePath limits where browsers send the refresh cookie.
	RefreshCookiePath = "/api/auth/refresh"

	passwordResetMessage = "If an account exists for that email, a reset link has been sent."
)

// CookieSettings controls how auth cookies are issued.
type CookieSettings struct {
	Secure bool
}

// AuthHandler exposes the session lifecycle over HTTP.
type AuthHandler struct {
	sessions *iauth.SessionManager
	cookies  CookieSettings
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(sessions *iauth.SessionManager, cookies CookieSettings) *AuthHandler {
	return &AuthHandler{sessions: sessions, cookies: cookies}
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=128"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type verifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,otp"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type accessTokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type loginResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.sessions.Register(requestContext(c), iauth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		response.Error(c, mapError(err))
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"user": user})
}

// POST /api/auth/verify-otp
func (h *AuthHandler) VerifyOTP(c *gin.Context) {
	var req verifyOTPRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.sessions.VerifyOTP(requestContext(c), req.Email, req.Code); err != nil {
		response.Error(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"verified": true})
}

// POST /api/auth/resend-otp
func (h *AuthHandler) ResendOTP(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.sessions.ResendOTP(requestContext(c), req.Email); err != nil {
		response.Error(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"success": true})
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.sessions.Login(requestContext(c), req.Email, req.Password)
	if err != nil {
		response.Error(c, mapError(err))
		return
	}

	h.setSessionCookies(c, result.Tokens)
	response.Success(c, http.StatusOK, loginResponse{
		AccessToken: result.Tokens.AccessToken,
		ExpiresAt:   result.Tokens.AccessExpiresAt,
		User:        result.User,
	})
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	token, err := c.Cookie(RefreshCookieName)
	if err != nil || token == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	pair, err := h.sessions.Refresh(requestContext(c), token)
	if err != nil {
		h.clearSessionCookies(c)
		response.Error(c, mapError(err))
		return
	}

	h.setSessionCookies(c, pair)
	response.Success(c, http.StatusOK, accessTokenResponse{
		AccessToken: pair.AccessToken,
		ExpiresAt:   pair.AccessExpiresAt,
	})
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	token, _ := c.Cookie(RefreshCookieName)
	_ = h.sessions.Logout(requestContext(c), token)

	h.clearSessionCookies(c)
	response.Success(c, http.StatusOK, gin.H{"success": true})
}

// POST /api/auth/logout-all
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.sessions.LogoutEverywhere(requestContext(c), claims.Subject); err != nil {
		response.Error(c, mapError(err))
		return
	}

	h.clearSessionCookies(c)
	response.Success(c, http.StatusOK, gin.H{"success": true})
}

// POST /api/auth/password-reset
// The response is identical whether or not the account exists.
func (h *AuthHandler) RequestPasswordReset(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.sessions.RequestPasswordReset(requestContext(c), req.Email); err != nil {
		response.Error(c, mapError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": passwordResetMessage})
}

// POST /api/auth/password-reset/confirm
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.sessions.ResetPassword(requestContext(c), req.Token, req.Password); err != nil {
		response.Error(c, mapError(err))
		return
	}

	h.clearSessionCookies(c)
	response.Success(c, http.StatusOK, gin.H{"success": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"id":         claims.Subject,
		"name":       claims.Name,
		"email":      claims.Email,
		"role":       claims.Role,
		"expires_at": claims.ExpiresAt,
	})
}

func (h *AuthHandler) setSessionCookies(c *gin.Context, pair iauth.TokenPair) {
	accessTTL, refreshTTL := h.sessions.TokenTTLs()
	h.writeCookie(c, middleware.AccessCookieName, pair.AccessToken, "/", accessTTL)
	h.writeCookie(c, RefreshCookieName, pair.RefreshToken, RefreshCookiePath, refreshTTL)
}

func (h *AuthHandler) clearSessionCookies(c *gin.Context) {
	h.writeCookie(c, middleware.AccessCookieName, "", "/", -1)
	h.writeCookie(c, RefreshCookieName, "", RefreshCookiePath, -1)
}

// writeCookie issues a host-only, script-inaccessible cookie. A negative ttl deletes it.
func (h *AuthHandler) writeCookie(c *gin.Context, name, value, path string, ttl time.Duration) {
	maxAge := int(ttl / time.Second)
	if ttl < 0 {
		maxAge = -1
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
