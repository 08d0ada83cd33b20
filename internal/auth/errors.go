package auth

import "errors"

// Session lifecycle errors. Anything else returned by SessionManager is internal.
var (
	ErrUserAlreadyExists   = errors.New("auth: user already exists")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountNotVerified  = errors.New("auth: account not verified")
	ErrInvalidOrExpiredOTP = errors.New("auth: invalid or expired otp")
	ErrTokenInvalid        = errors.New("auth: token invalid")
	ErrRateLimited         = errors.New("auth: rate limited")
	ErrInvalidResetToken   = errors.New("auth: invalid or expired reset token")
	ErrForbidden           = errors.New("auth: forbidden")
	ErrInvalidRole         = errors.New("auth: invalid role")
)

