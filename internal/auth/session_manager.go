package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/internal/store"
	"github.com/charlesng35/authcore/pkg/clock"
	"github.com/charlesng35/authcore/pkg/crypto"
	"github.com/charlesng35/authcore/pkg/logger"
	"github.com/charlesng35/authcore/pkg/metrics"
)

const (
	// DefaultResetTokenTTL bounds how long a password reset link stays usable.
	DefaultResetTokenTTL = time.Hour
	// DefaultEmailTimeout bounds a single background email delivery.
	DefaultEmailTimeout = 15 * time.Second

	resetTokenBytes = 32
	dummyPassword   = "authcore-timing-equaliser"
)

// RegisterInput carries the fields required to create an account.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Tokens TokenPair
	User   *models.User
}

// SessionOption customises a SessionManager.
type SessionOption func(*SessionManager)

// WithPasswordHasher overrides the default bcrypt hasher.
func WithPasswordHasher(hasher PasswordHasher) SessionOption {
	return func(m *SessionManager) {
		if hasher != nil {
			m.hasher = hasher
		}
	}
}

// WithNotifier configures email delivery. Without one no emails are sent.
func WithNotifier(notifier Notifier) SessionOption {
	return func(m *SessionManager) {
		m.notifier = notifier
	}
}

// WithResetURL sets the base URL the reset token is appended to.
func WithResetURL(base string) SessionOption {
	return func(m *SessionManager) {
		m.resetBaseURL = strings.TrimSpace(base)
	}
}

// WithResetTokenTTL overrides DefaultResetTokenTTL.
func WithResetTokenTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.resetTTL = ttl
		}
	}
}

// WithRefreshRotation toggles issuing a new refresh token on every refresh.
func WithRefreshRotation(enabled bool) SessionOption {
	return func(m *SessionManager) {
		m.rotateRefresh = enabled
	}
}

// WithEmailTimeout overrides DefaultEmailTimeout.
func WithEmailTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.emailTimeout = timeout
		}
	}
}

// WithSessionClock injects a custom time source.
func WithSessionClock(now clock.Func) SessionOption {
	return func(m *SessionManager) {
		m.now = clock.OrSystem(now)
	}
}

// WithSessionLogger overrides the module logger.
func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(m *SessionManager) {
		if log != nil {
			m.log = log
		}
	}
}

// SessionManager drives registration, OTP verification, login, refresh and
// password reset over a UserStore. It is safe for concurrent use.
type SessionManager struct {
	users    store.UserStore
	tokens   *TokenCodec
	otp      *OTPGenerator
	hasher   PasswordHasher
	notifier Notifier

	resetBaseURL  string
	resetTTL      time.Duration
	rotateRefresh bool
	emailTimeout  time.Duration
	now           clock.Func
	log           *zap.Logger

	dummyDigest string
	inflight    sync.WaitGroup
}

// NewSessionManager constructs a SessionManager backed by the provided store, codec and OTP generator.
func NewSessionManager(users store.UserStore, tokens *TokenCodec, otp *OTPGenerator, opts ...SessionOption) (*SessionManager, error) {
	if users == nil {
		return nil, errors.New("session manager: user store is required")
	}
	if tokens == nil {
		return nil, errors.New("session manager: token codec is required")
	}
	if otp == nil {
		otp = NewOTPGenerator(OTPConfig{})
	}

	m := &SessionManager{
		users:         users,
		tokens:        tokens,
		otp:           otp,
		hasher:        BcryptHasher{},
		resetTTL:      DefaultResetTokenTTL,
		rotateRefresh: true,
		emailTimeout:  DefaultEmailTimeout,
		now:           clock.System,
		log:           logger.WithModule("auth"),
	}
	for _, opt := range opts {
		opt(m)
	}

	digest, err := m.hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("session manager: prepare dummy digest: %w", err)
	}
	m.dummyDigest = digest

	return m, nil
}

// Register creates an unverified account and emails its first OTP. The first
// account in an empty store becomes ADMIN.
func (m *SessionManager) Register(ctx context.Context, input RegisterInput) (user *models.User, err error) {
	defer func() { recordAttempt("register", err) }()

	email := models.NormalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, errors.New("session manager: email and password are required")
	}

	if _, err := m.users.FindByEmail(ctx, email); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}

	digest, err := m.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}

	// Two concurrent first registrations can both observe an empty store.
	count, err := m.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	role := models.RoleUser
	if count == 0 {
		role = models.RoleAdmin
	}

	challenge, err := m.otp.Generate()
	if err != nil {
		return nil, err
	}

	user = &models.User{
		Name:         strings.TrimSpace(input.Name),
		Email:        email,
		Password:     digest,
		Role:         role,
		OTPCode:      &challenge.Code,
		OTPExpiresAt: &challenge.ExpiresAt,
	}
	if err := m.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}

	metrics.OTPIssued.WithLabelValues("register").Inc()
	m.sendOTP(ctx, user.ID, email, challenge.Code)

	m.log.Info("account registered", zap.String("user_id", user.ID), zap.String("role", role))
	return user, nil
}

// VerifyOTP redeems the live code for email and marks the account verified.
func (m *SessionManager) VerifyOTP(ctx context.Context, email, code string) (err error) {
	defer func() { recordAttempt("verify_otp", err) }()

	user, err := m.users.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		return ErrInvalidOrExpiredOTP
	}
	if err != nil {
		return err
	}

	challenge := challengeOf(user)
	if !m.otp.Matches(challenge, strings.TrimSpace(code), m.now()) {
		if challenge.Code != "" {
			if _, err := m.users.IncrementField(ctx, user.ID,
				map[string]any{"otp_code": challenge.Code}, "otp_attempts"); err != nil {
				return err
			}
		}
		return ErrInvalidOrExpiredOTP
	}

	// Conditioned on the stored code so a concurrent resend wins over this verify.
	ok, err := m.users.UpdateIf(ctx, user.ID,
		map[string]any{"otp_code": challenge.Code},
		map[string]any{
			"email_verified": true,
			"otp_code":       nil,
			"otp_expires_at": nil,
			"otp_attempts":   0,
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidOrExpiredOTP
	}

	m.log.Info("email verified", zap.String("user_id", user.ID))
	return nil
}

// ResendOTP replaces the live code when the resend interval has elapsed.
// Unknown and already verified emails succeed without side effects.
func (m *SessionManager) ResendOTP(ctx context.Context, email string) (err error) {
	defer func() { recordAttempt("resend_otp", err) }()

	user, err := m.users.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return nil
	}

	previous := challengeOf(user)
	if err := m.otp.CheckResend(previous, m.now()); err != nil {
		return err
	}

	next, err := m.otp.Generate()
	if err != nil {
		return err
	}

	var expected any
	if previous.Code != "" {
		expected = previous.Code
	}
	ok, err := m.users.UpdateIf(ctx, user.ID,
		map[string]any{"otp_code": expected},
		map[string]any{
			"otp_code":       next.Code,
			"otp_expires_at": next.ExpiresAt,
			"otp_attempts":   0,
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		// Another resend or verify changed the code first.
		return &ResendTooSoonError{Wait: m.otp.minResend}
	}

	metrics.OTPIssued.WithLabelValues("resend").Inc()
	m.sendOTP(ctx, user.ID, user.Email, next.Code)
	return nil
}

// Login checks credentials and issues a token pair.
func (m *SessionManager) Login(ctx context.Context, email, password string) (result *LoginResult, err error) {
	defer func() { recordAttempt("login", err) }()

	user, err := m.users.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		m.hasher.Verify(m.dummyDigest, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if !m.hasher.Verify(user.Password, password) {
		return nil, ErrInvalidCredentials
	}
	// Administrators are exempt; only the first account is elevated without verification.
	if !user.EmailVerified && !user.IsAdmin() {
		return nil, ErrAccountNotVerified
	}

	tokens, err := m.issuePair(user)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if err := m.users.Update(ctx, user.ID, map[string]any{"last_login_at": now}); err != nil {
		m.log.Warn("record last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}

	return &LoginResult{Tokens: tokens, User: user}, nil
}

// Refresh exchanges a refresh token for a new access token and, when rotation
// is enabled, a new refresh token.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (pair TokenPair, err error) {
	defer func() { recordAttempt("refresh", err) }()

	claims, err := m.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, tokenError(err)
	}

	user, err := m.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrUserNotFound) {
		return TokenPair{}, ErrTokenInvalid
	}
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Version != user.TokenVersion {
		return TokenPair{}, ErrTokenInvalid
	}

	if m.rotateRefresh {
		return m.issuePair(user)
	}

	access, accessExp, err := m.tokens.IssueAccess(accessClaimsOf(user))
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     strings.TrimSpace(refreshToken),
		RefreshExpiresAt: claims.ExpiresAt,
	}, nil
}

// Logout ends the session on the presenting client. Tokens are stateless, so
// the caller clears them; use LogoutEverywhere to revoke refresh tokens.
func (m *SessionManager) Logout(ctx context.Context, refreshToken string) error {
	if claims, err := m.tokens.VerifyRefresh(refreshToken); err == nil {
		m.log.Info("session ended", zap.String("user_id", claims.Subject))
	}
	recordAttempt("logout", nil)
	return nil
}

// LogoutEverywhere revokes every refresh token issued to userID.
func (m *SessionManager) LogoutEverywhere(ctx context.Context, userID string) (err error) {
	defer func() { recordAttempt("logout_all", err) }()

	ok, err := m.users.IncrementField(ctx, userID, nil, "token_version")
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrUserNotFound
	}

	m.log.Info("refresh tokens revoked", zap.String("user_id", userID))
	return nil
}

// RequestPasswordReset emails a single-use reset link. Unknown emails succeed silently.
func (m *SessionManager) RequestPasswordReset(ctx context.Context, email string) (err error) {
	defer func() { recordAttempt("password_reset_request", err) }()

	user, err := m.users.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	token, err := crypto.GenerateToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("session manager: generate reset token: %w", err)
	}

	expiresAt := m.now().Add(m.resetTTL)
	if err := m.users.Update(ctx, user.ID, map[string]any{
		"reset_token_hash":       crypto.HashToken(token),
		"reset_token_expires_at": expiresAt,
	}); err != nil {
		return err
	}

	link := m.resetLink(token)
	m.dispatch(ctx, "password_reset", user.ID, func(ctx context.Context) error {
		return m.notifier.SendPasswordReset(ctx, user.Email, link)
	})
	return nil
}

// ResetPassword consumes a reset token, replaces the password and revokes refresh tokens.
func (m *SessionManager) ResetPassword(ctx context.Context, token, newPassword string) (err error) {
	defer func() { recordAttempt("password_reset", err) }()

	token = strings.TrimSpace(token)
	if token == "" || newPassword == "" {
		return ErrInvalidResetToken
	}

	hash := crypto.HashToken(token)
	user, err := m.users.FindByResetTokenHash(ctx, hash)
	if errors.Is(err, store.ErrUserNotFound) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return err
	}
	if user.ResetTokenExpiresAt == nil || !m.now().Before(*user.ResetTokenExpiresAt) {
		return ErrInvalidResetToken
	}

	digest, err := m.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	ok, err := m.users.UpdateIf(ctx, user.ID,
		map[string]any{"reset_token_hash": hash},
		map[string]any{
			"password":               digest,
			"reset_token_hash":       nil,
			"reset_token_expires_at": nil,
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidResetToken
	}

	if _, err := m.users.IncrementField(ctx, user.ID, nil, "token_version"); err != nil {
		return err
	}

	m.log.Info("password reset", zap.String("user_id", user.ID))
	return nil
}

// SetRole changes targetID's role. Only administrators may change roles.
func (m *SessionManager) SetRole(ctx context.Context, actorID, targetID, role string) (*models.User, error) {
	role = strings.ToUpper(strings.TrimSpace(role))
	if !models.ValidRole(role) {
		return nil, ErrInvalidRole
	}

	actor, err := m.users.FindByID(ctx, actorID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if actor.ID == targetID && role != models.RoleAdmin {
		return nil, ErrForbidden
	}

	target, err := m.users.FindByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	// Unverified administrators could log in without ever proving their email.
	if role == models.RoleAdmin && !target.EmailVerified {
		return nil, ErrAccountNotVerified
	}
	if target.Role == role {
		return target, nil
	}

	if err := m.users.Update(ctx, target.ID, map[string]any{"role": role}); err != nil {
		return nil, err
	}
	target.Role = role

	m.log.Info("role changed",
		zap.String("actor_id", actor.ID),
		zap.String("user_id", target.ID),
		zap.String("role", role),
	)
	return target, nil
}

// CurrentRole returns the stored role of userID. Role changes apply here
// immediately, while access tokens keep the role they were issued with.
func (m *SessionManager) CurrentRole(ctx context.Context, userID string) (string, error) {
	user, err := m.users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

// Authenticate validates an access token.
func (m *SessionManager) Authenticate(accessToken string) (*AccessClaims, error) {
	claims, err := m.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, tokenError(err)
	}
	return claims, nil
}

// Wait blocks until in-flight email deliveries finish.
func (m *SessionManager) Wait() {
	m.inflight.Wait()
}

// TokenTTLs reports the access and refresh lifetimes used for cookies.
func (m *SessionManager) TokenTTLs() (time.Duration, time.Duration) {
	return m.tokens.AccessTTL(), m.tokens.RefreshTTL()
}

func (m *SessionManager) issuePair(user *models.User) (TokenPair, error) {
	access, accessExp, err := m.tokens.IssueAccess(accessClaimsOf(user))
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := m.tokens.IssueRefresh(RefreshClaims{
		Subject: user.ID,
		Version: user.TokenVersion,
	})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (m *SessionManager) sendOTP(ctx context.Context, userID, email, code string) {
	m.dispatch(ctx, "otp", userID, func(ctx context.Context) error {
		return m.notifier.SendOTP(ctx, email, code)
	})
}

// dispatch sends an email in the background. The caller's cancellation does
// not abort delivery; failures are logged and counted.
func (m *SessionManager) dispatch(ctx context.Context, kind, userID string, send func(context.Context) error) {
	if m.notifier == nil {
		m.log.Debug("no notifier configured, email skipped", zap.String("kind", kind), zap.String("user_id", userID))
		return
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.emailTimeout)
		defer cancel()

		if err := send(sendCtx); err != nil {
			metrics.EmailFailures.WithLabelValues(kind).Inc()
			m.log.Warn("email delivery failed",
				zap.String("kind", kind),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}()
}

func (m *SessionManager) resetLink(token string) string {
	if m.resetBaseURL == "" {
		return token
	}
	separator := "?"
	if strings.Contains(m.resetBaseURL, "?") {
		separator = "&"
	}
	return m.resetBaseURL + separator + "token=" + url.QueryEscape(token)
}

func challengeOf(user *models.User) OTPChallenge {
	var challenge OTPChallenge
	if user.OTPCode != nil {
		challenge.Code = *user.OTPCode
	}
	if user.OTPExpiresAt != nil {
		challenge.ExpiresAt = *user.OTPExpiresAt
	}
	challenge.Attempts = user.OTPAttempts
	return challenge
}

func accessClaimsOf(user *models.User) AccessClaims {
	return AccessClaims{
		Subject: user.ID,
		Name:    user.Name,
		Email:   user.Email,
		Role:    user.Role,
	}
}

func tokenError(err error) error {
	if errors.Is(err, ErrTokenExpired) {
		return ErrTokenExpired
	}
	return ErrTokenInvalid
}

func recordAttempt(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.AuthAttempts.WithLabelValues(operation, result).Inc()
}
