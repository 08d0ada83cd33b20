package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/charlesng35/authcore/internal/database/testutil"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/internal/store"
	"github.com/charlesng35/authcore/pkg/clock"
)

type sentEmail struct {
	to      string
	payload string
}

type recordingNotifier struct {
	mu     sync.Mutex
	otps   []sentEmail
	resets []sentEmail
	err    error
}

func (n *recordingNotifier) SendOTP(_ context.Context, to, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.otps = append(n.otps, sentEmail{to: to, payload: code})
	return n.err
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, to, resetURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, sentEmail{to: to, payload: resetURL})
	return n.err
}

func (n *recordingNotifier) lastOTP(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.otps, "expected an otp email")
	return n.otps[len(n.otps)-1].payload
}

func (n *recordingNotifier) lastReset(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.resets, "expected a reset email")
	return n.resets[len(n.resets)-1].payload
}

type sessionFixture struct {
	manager  *SessionManager
	users    *store.GormUserStore
	notifier *recordingNotifier
	clock    *clock.Manual
}

func setupSessionManager(t *testing.T, opts ...SessionOption) *sessionFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	users, err := store.NewUserStore(db)
	require.NoError(t, err)

	clk := clock.NewManual(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	codec, err := NewTokenCodec(TokenConfig{
		Secret:     "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
		Clock:      clk.Now,
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	base := []SessionOption{
		WithPasswordHasher(BcryptHasher{Cost: bcrypt.MinCost}),
		WithNotifier(notifier),
		WithResetURL("https://app.example.com/reset"),
		WithSessionClock(clk.Now),
	}
	manager, err := NewSessionManager(users, codec, NewOTPGenerator(OTPConfig{Clock: clk.Now}), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(manager.Wait)

	return &sessionFixture{manager: manager, users: users, notifier: notifier, clock: clk}
}

func (f *sessionFixture) register(t *testing.T, email string) *models.User {
	t.Helper()
	user, err := f.manager.Register(context.Background(), RegisterInput{
		Name:     "Test User",
		Email:    email,
		Password: "password123",
	})
	require.NoError(t, err)
	f.manager.Wait()
	return user
}

func (f *sessionFixture) registerVerified(t *testing.T, email string) *models.User {
	t.Helper()
	user := f.register(t, email)
	require.NoError(t, f.manager.VerifyOTP(context.Background(), email, f.notifier.lastOTP(t)))
	return user
}

func (f *sessionFixture) reload(t *testing.T, id string) *models.User {
	t.Helper()
	user, err := f.users.FindByID(context.Background(), id)
	require.NoError(t, err)
	return user
}

func TestNewSessionManagerRequiresDependencies(t *testing.T) {
	codec, err := NewTokenCodec(TokenConfig{Secret: "s"})
	require.NoError(t, err)

	_, err = NewSessionManager(nil, codec, nil)
	require.Error(t, err)

	db := testutil.MustOpenTestDB(t)
	users, err := store.NewUserStore(db)
	require.NoError(t, err)
	_, err = NewSessionManager(users, nil, nil)
	require.Error(t, err)
}

func TestRegisterFirstUserBecomesAdmin(t *testing.T) {
	f := setupSessionManager(t)

	first := f.register(t, "Admin@Example.com")
	require.Equal(t, models.RoleAdmin, first.Role)
	require.Equal(t, "admin@example.com", first.Email)
	require.False(t, first.EmailVerified)

	second := f.register(t, "user@example.com")
	require.Equal(t, models.RoleUser, second.Role)

	stored := f.reload(t, first.ID)
	require.NotNil(t, stored.OTPCode)
	require.Regexp(t, sixDigits, *stored.OTPCode)
	require.True(t, stored.OTPExpiresAt.Equal(f.clock.Now().Add(DefaultOTPWindow)))
	require.NotEqual(t, "password123", stored.Password)

	require.Equal(t, *f.reload(t, second.ID).OTPCode, f.notifier.lastOTP(t))
	require.Len(t, f.notifier.otps, 2)
	require.Equal(t, "user@example.com", f.notifier.otps[1].to)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	f := setupSessionManager(t)
	f.register(t, "dup@example.com")

	_, err := f.manager.Register(context.Background(), RegisterInput{
		Name:     "Again",
		Email:    " DUP@example.com ",
		Password: "password123",
	})
	require.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestRegisterSucceedsWhenEmailFails(t *testing.T) {
	core, recorded := observer.New(zap.WarnLevel)
	f := setupSessionManager(t, WithSessionLogger(zap.New(core)))
	f.notifier.err = errors.New("smtp unavailable")

	user := f.register(t, "quiet@example.com")
	require.NotEmpty(t, user.ID)
	require.NotNil(t, f.reload(t, user.ID).OTPCode, "otp must be committed even when email fails")

	entries := recorded.FilterMessage("email delivery failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "otp", entries[0].ContextMap()["kind"])
}

func TestVerifyOTPSuccessClearsChallenge(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	user := f.register(t, "verify@example.com")
	code := f.notifier.lastOTP(t)

	require.NoError(t, f.manager.VerifyOTP(ctx, "VERIFY@example.com", code))

	stored := f.reload(t, user.ID)
	require.True(t, stored.EmailVerified)
	require.Nil(t, stored.OTPCode)
	require.Nil(t, stored.OTPExpiresAt)

	require.ErrorIs(t, f.manager.VerifyOTP(ctx, "verify@example.com", code), ErrInvalidOrExpiredOTP)
}

func TestVerifyOTPRejectsWrongExpiredAndUnknown(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	user := f.register(t, "wrong@example.com")
	code := f.notifier.lastOTP(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	require.ErrorIs(t, f.manager.VerifyOTP(ctx, "wrong@example.com", wrong), ErrInvalidOrExpiredOTP)
	require.Equal(t, 1, f.reload(t, user.ID).OTPAttempts)

	require.ErrorIs(t, f.manager.VerifyOTP(ctx, "nobody@example.com", code), ErrInvalidOrExpiredOTP)

	f.clock.Advance(DefaultOTPWindow)
	require.ErrorIs(t, f.manager.VerifyOTP(ctx, "wrong@example.com", code), ErrInvalidOrExpiredOTP)
	require.False(t, f.reload(t, user.ID).EmailVerified)
}

func TestVerifyOTPBurnsChallengeAfterMaxAttempts(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	f.register(t, "burn@example.com")
	code := f.notifier.lastOTP(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < DefaultOTPMaxAttempts; i++ {
		require.ErrorIs(t, f.manager.VerifyOTP(ctx, "burn@example.com", wrong), ErrInvalidOrExpiredOTP)
	}
	require.ErrorIs(t, f.manager.VerifyOTP(ctx, "burn@example.com", code), ErrInvalidOrExpiredOTP)

	f.clock.Advance(DefaultOTPResendInterval)
	require.NoError(t, f.manager.ResendOTP(ctx, "burn@example.com"))
	f.manager.Wait()
	require.NoError(t, f.manager.VerifyOTP(ctx, "burn@example.com", f.notifier.lastOTP(t)))
}

func TestVerifyOTPConcurrentRedeemsOnce(t *testing.T) {
	f := setupSessionManager(t)
	f.register(t, "race@example.com")
	code := f.notifier.lastOTP(t)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.manager.VerifyOTP(context.Background(), "race@example.com", code) == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, successes.Load())
}

func TestResendOTPThrottlesAndInvalidatesOldCode(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	f.register(t, "resend@example.com")
	oldCode := f.notifier.lastOTP(t)

	f.clock.Advance(20 * time.Second)
	err := f.manager.ResendOTP(ctx, "resend@example.com")
	require.ErrorIs(t, err, ErrResendTooSoon)
	var tooSoon *ResendTooSoonError
	require.True(t, errors.As(err, &tooSoon))
	require.Equal(t, 40, tooSoon.RetryAfterSeconds())

	f.clock.Advance(40 * time.Second)
	require.NoError(t, f.manager.ResendOTP(ctx, "resend@example.com"))
	f.manager.Wait()
	newCode := f.notifier.lastOTP(t)
	require.Len(t, f.notifier.otps, 2)

	if newCode != oldCode {
		require.ErrorIs(t, f.manager.VerifyOTP(ctx, "resend@example.com", oldCode), ErrInvalidOrExpiredOTP)
	}
	require.NoError(t, f.manager.VerifyOTP(ctx, "resend@example.com", newCode))
}

func TestResendOTPUnknownOrVerifiedIsSilent(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	f.registerVerified(t, "done@example.com")
	sent := len(f.notifier.otps)

	require.NoError(t, f.manager.ResendOTP(ctx, "missing@example.com"))
	require.NoError(t, f.manager.ResendOTP(ctx, "done@example.com"))
	f.manager.Wait()
	require.Len(t, f.notifier.otps, sent)
}

func TestLoginGatesUnverifiedAccounts(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()

	admin := f.register(t, "first@example.com")
	result, err := f.manager.Login(ctx, "first@example.com", "password123")
	require.NoError(t, err, "first admin may log in before verifying")
	require.Equal(t, admin.ID, result.User.ID)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotEmpty(t, result.Tokens.RefreshToken)
	require.NotNil(t, f.reload(t, admin.ID).LastLoginAt)

	f.register(t, "second@example.com")
	_, err = f.manager.Login(ctx, "second@example.com", "password123")
	require.ErrorIs(t, err, ErrAccountNotVerified)

	require.NoError(t, f.manager.VerifyOTP(ctx, "second@example.com", f.notifier.lastOTP(t)))
	_, err = f.manager.Login(ctx, "Second@Example.com", "password123")
	require.NoError(t, err)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	f.registerVerified(t, "creds@example.com")

	_, err := f.manager.Login(ctx, "creds@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.manager.Login(ctx, "ghost@example.com", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginTokensCarryAccountClaims(t *testing.T) {
	f := setupSessionManager(t)
	user := f.registerVerified(t, "claims@example.com")

	result, err := f.manager.Login(context.Background(), "claims@example.com", "password123")
	require.NoError(t, err)

	claims, err := f.manager.Authenticate(result.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.Subject)
	require.Equal(t, "claims@example.com", claims.Email)
	require.Equal(t, models.RoleAdmin, claims.Role)

	_, err = f.manager.Authenticate(result.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	f.clock.Advance(15 * time.Minute)
	_, err = f.manager.Authenticate(result.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshRotatesTokens(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	f.registerVerified(t, "refresh@example.com")

	result, err := f.manager.Login(ctx, "refresh@example.com", "password123")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	pair, err := f.manager.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, result.Tokens.AccessToken, pair.AccessToken)
	require.NotEqual(t, result.Tokens.RefreshToken, pair.RefreshToken)
	require.True(t, pair.RefreshExpiresAt.After(result.Tokens.RefreshExpiresAt))

	_, err = f.manager.Refresh(ctx, result.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, err = f.manager.Refresh(ctx, "garbage")
	require.ErrorIs(t, err, ErrTokenInvalid)

	f.clock.Advance(time.Hour)
	_, err = f.manager.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshWithoutRotationKeepsToken(t *testing.T) {
	f := setupSessionManager(t, WithRefreshRotation(false))
	ctx := context.Background()
	f.registerVerified(t, "static@example.com")

	result, err := f.manager.Login(ctx, "static@example.com", "password123")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	pair, err := f.manager.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, result.Tokens.RefreshToken, pair.RefreshToken)
	require.True(t, pair.RefreshExpiresAt.Equal(result.Tokens.RefreshExpiresAt))
	require.NotEqual(t, result.Tokens.AccessToken, pair.AccessToken)
}

func TestLogoutEverywhereRevokesRefreshTokens(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	user := f.registerVerified(t, "revoke@example.com")

	first, err := f.manager.Login(ctx, "revoke@example.com", "password123")
	require.NoError(t, err)
	second, err := f.manager.Login(ctx, "revoke@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, f.manager.Logout(ctx, first.Tokens.RefreshToken))
	require.NoError(t, f.manager.LogoutEverywhere(ctx, user.ID))
	require.Equal(t, 1, f.reload(t, user.ID).TokenVersion)

	_, err = f.manager.Refresh(ctx, first.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = f.manager.Refresh(ctx, second.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	fresh, err := f.manager.Login(ctx, "revoke@example.com", "password123")
	require.NoError(t, err)
	_, err = f.manager.Refresh(ctx, fresh.Tokens.RefreshToken)
	require.NoError(t, err)

	require.ErrorIs(t, f.manager.LogoutEverywhere(ctx, "missing"), store.ErrUserNotFound)
}

func TestPasswordResetFlow(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	user := f.registerVerified(t, "reset@example.com")

	before, err := f.manager.Login(ctx, "reset@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, f.manager.RequestPasswordReset(ctx, "RESET@example.com"))
	f.manager.Wait()

	link, err := url.Parse(f.notifier.lastReset(t))
	require.NoError(t, err)
	require.Equal(t, "app.example.com", link.Host)
	require.Equal(t, "/reset", link.Path)
	token := link.Query().Get("token")
	require.NotEmpty(t, token)

	stored := f.reload(t, user.ID)
	require.NotNil(t, stored.ResetTokenHash)
	require.NotEqual(t, token, *stored.ResetTokenHash, "raw token must not be stored")

	require.NoError(t, f.manager.ResetPassword(ctx, token, "new-password-456"))
	require.ErrorIs(t, f.manager.ResetPassword(ctx, token, "another-password"), ErrInvalidResetToken)

	_, err = f.manager.Login(ctx, "reset@example.com", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.manager.Login(ctx, "reset@example.com", "new-password-456")
	require.NoError(t, err)

	_, err = f.manager.Refresh(ctx, before.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrTokenInvalid, "password reset revokes refresh tokens")
}

func TestPasswordResetUnknownEmailAndExpiry(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()
	f.registerVerified(t, "expiry@example.com")

	require.NoError(t, f.manager.RequestPasswordReset(ctx, "nobody@example.com"))
	f.manager.Wait()
	require.Empty(t, f.notifier.resets)

	require.NoError(t, f.manager.RequestPasswordReset(ctx, "expiry@example.com"))
	f.manager.Wait()
	link, err := url.Parse(f.notifier.lastReset(t))
	require.NoError(t, err)

	f.clock.Advance(DefaultResetTokenTTL)
	require.ErrorIs(t, f.manager.ResetPassword(ctx, link.Query().Get("token"), "new-password"), ErrInvalidResetToken)
	require.ErrorIs(t, f.manager.ResetPassword(ctx, "bogus", "new-password"), ErrInvalidResetToken)
	require.ErrorIs(t, f.manager.ResetPassword(ctx, "", "new-password"), ErrInvalidResetToken)
}

func TestSetRole(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()

	admin := f.registerVerified(t, "boss@example.com")
	member := f.registerVerified(t, "member@example.com")
	pending := f.register(t, "pending@example.com")

	_, err := f.manager.SetRole(ctx, member.ID, admin.ID, models.RoleUser)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.manager.SetRole(ctx, admin.ID, member.ID, "ROOT")
	require.ErrorIs(t, err, ErrInvalidRole)

	_, err = f.manager.SetRole(ctx, admin.ID, admin.ID, models.RoleUser)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.manager.SetRole(ctx, admin.ID, pending.ID, models.RoleAdmin)
	require.ErrorIs(t, err, ErrAccountNotVerified)

	_, err = f.manager.SetRole(ctx, admin.ID, "missing", models.RoleUser)
	require.ErrorIs(t, err, store.ErrUserNotFound)

	updated, err := f.manager.SetRole(ctx, admin.ID, member.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, updated.Role)
	require.Equal(t, models.RoleAdmin, f.reload(t, member.ID).Role)
}

func TestCurrentRoleFollowsStore(t *testing.T) {
	f := setupSessionManager(t)
	ctx := context.Background()

	admin := f.registerVerified(t, "boss@example.com")
	member := f.registerVerified(t, "member@example.com")

	_, err := f.manager.SetRole(ctx, admin.ID, member.ID, models.RoleAdmin)
	require.NoError(t, err)
	role, err := f.manager.CurrentRole(ctx, member.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, role)

	_, err = f.manager.SetRole(ctx, admin.ID, member.ID, models.RoleUser)
	require.NoError(t, err)
	role, err = f.manager.CurrentRole(ctx, member.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoleUser, role)

	_, err = f.manager.CurrentRole(ctx, "missing")
	require.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	f := setupSessionManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.manager.Register(ctx, RegisterInput{Name: "C", Email: "cancel@example.com", Password: "password123"})
	require.NoError(t, err)
	cancel()

	f.manager.Wait()
	require.Len(t, f.notifier.otps, 1)
}
