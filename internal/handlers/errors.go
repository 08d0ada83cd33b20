package handlers

import (
	"context"
	stdErrors "errors"

	iauth "github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/store"
	"github.com/charlesng35/authcore/pkg/errors"
)

// mapError translates core errors into API errors. Unknown errors become an
// opaque 500 that keeps the cause for logging.
func mapError(err error) *errors.AppError {
	var tooSoon *iauth.ResendTooSoonError
	switch {
	case err == nil:
		return nil
	case stdErrors.As(err, &tooSoon):
		return errors.ErrResendTooSoon.WithRetryAfter(tooSoon.RetryAfterSeconds())
	case stdErrors.Is(err, iauth.ErrUserAlreadyExists):
		return errors.ErrUserAlreadyExists
	case stdErrors.Is(err, iauth.ErrInvalidCredentials):
		return errors.ErrInvalidCredentials
	case stdErrors.Is(err, iauth.ErrAccountNotVerified):
		return errors.ErrAccountNotVerified
	case stdErrors.Is(err, iauth.ErrInvalidOrExpiredOTP):
		return errors.ErrInvalidOrExpiredOTP
	case stdErrors.Is(err, iauth.ErrTokenExpired):
		return errors.ErrTokenExpired
	case stdErrors.Is(err, iauth.ErrTokenInvalid):
		return errors.ErrTokenInvalid
	case stdErrors.Is(err, iauth.ErrRateLimited):
		return errors.ErrRateLimit
	case stdErrors.Is(err, iauth.ErrInvalidResetToken):
		return errors.ErrInvalidResetToken
	case stdErrors.Is(err, iauth.ErrForbidden):
		return errors.ErrForbidden
	case stdErrors.Is(err, iauth.ErrInvalidRole):
		return errors.NewBadRequest("role must be ADMIN or USER")
	case stdErrors.Is(err, store.ErrUserNotFound):
		return errors.ErrNotFound
	case stdErrors.Is(err, context.DeadlineExceeded):
		return errors.ErrRequestTimeout.WithInternal(err)
	default:
		return errors.ErrInternalServer.WithInternal(err)
	}
}
