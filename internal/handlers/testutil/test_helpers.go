package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/api"
	"github.com/charlesng35/authcore/internal/app"
	iauth "github.com/charlesng35/authcore/internal/auth"
	sharedtestutil "github.com/charlesng35/authcore/internal/database/testutil"
	"github.com/charlesng35/authcore/internal/ratelimit"
	"github.com/charlesng35/authcore/internal/security"
	"github.com/charlesng35/authcore/internal/store"
	"github.com/charlesng35/authcore/pkg/clock"
	"github.com/charlesng35/authcore/pkg/response"
)

// DefaultPassword is used by Register when no password is given.
const DefaultPassword = "password123"

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Router   *gin.Engine
	Config   *app.Config
	Sessions *iauth.SessionManager
	Limiter  *ratelimit.Limiter
	Users    *store.GormUserStore
	Clock    *clock.Manual
	Mail     *Outbox
}

// Option adjusts the configuration before the router is built.
type Option func(cfg *app.Config)

// WithMode sets the server mode.
func WithMode(mode string) Option {
	return func(cfg *app.Config) { cfg.Server.Mode = mode }
}

// WithLoginLimit overrides the login rate rule.
func WithLoginLimit(limit int, window time.Duration) Option {
	return func(cfg *app.Config) {
		cfg.Auth.RateLimits.Login = app.RateRule{Limit: limit, Window: window}
	}
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...Option) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := &app.Config{
		Server: app.ServerConfig{
			Mode:           app.ModeTest,
			RequestTimeout: 5 * time.Second,
		},
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret:        "test-suite-super-secret-key-32-bytes!!",
				Issuer:        "test-suite",
				AccessTTL:     15 * time.Minute,
				RefreshTTL:    time.Hour,
				RotateRefresh: true,
			},
			Reset: app.ResetSettings{BaseURL: "https://app.example.com/reset"},
			RateLimits: app.RateLimitSettings{
				Login:    app.RateRule{Limit: 100, Window: time.Minute},
				Register: app.RateRule{Limit: 100, Window: time.Minute},
				OTP:      app.RateRule{Limit: 100, Window: time.Minute},
				Refresh:  app.RateRule{Limit: 100, Window: time.Minute},
				Reset:    app.RateRule{Limit: 100, Window: time.Minute},
			},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	users, err := store.NewUserStore(db)
	require.NoError(t, err)

	tokenCfg := cfg.Auth.TokenConfig()
	tokenCfg.Clock = clk.Now
	codec, err := iauth.NewTokenCodec(tokenCfg)
	require.NoError(t, err)

	otpCfg := cfg.Auth.OTPConfig()
	otpCfg.Clock = clk.Now

	outbox := &Outbox{}
	sessions, err := iauth.NewSessionManager(users, codec, iauth.NewOTPGenerator(otpCfg),
		iauth.WithPasswordHasher(iauth.BcryptHasher{Cost: bcrypt.MinCost}),
		iauth.WithNotifier(outbox),
		iauth.WithResetURL(cfg.Auth.Reset.BaseURL),
		iauth.WithRefreshRotation(cfg.Auth.JWT.RotateRefresh),
		iauth.WithSessionClock(clk.Now),
	)
	require.NoError(t, err)
	t.Cleanup(sessions.Wait)

	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithClock(clk.Now))
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		Config:   cfg,
		Sessions: sessions,
		Limiter:  limiter,
		Audit:    security.NewAuditService(db, cfg),
	})
	require.NoError(t, err)

	return &Env{
		T:        t,
		DB:       db,
		Router:   router,
		Config:   cfg,
		Sessions: sessions,
		Limiter:  limiter,
		Users:    users,
		Clock:    clk,
		Mail:     outbox,
	}
}

// Outbox records notifications instead of sending them.
type Outbox struct {
	mu     sync.Mutex
	otps   map[string]string
	resets map[string]string
}

func (o *Outbox) SendOTP(_ context.Context, to, code string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.otps == nil {
		o.otps = make(map[string]string)
	}
	o.otps[to] = code
	return nil
}

func (o *Outbox) SendPasswordReset(_ context.Context, to, resetURL string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resets == nil {
		o.resets = make(map[string]string)
	}
	o.resets[to] = resetURL
	return nil
}

// OTP returns the last code sent to email.
func (o *Outbox) OTP(email string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	code, ok := o.otps[email]
	return code, ok
}

// ResetLink returns the last reset link sent to email.
func (o *Outbox) ResetLink(email string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	link, ok := o.resets[email]
	return link, ok
}

// UserPayload captures the user fields returned from auth endpoints.
type UserPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"email_verified"`
}

// LoginResult bundles the JSON response and cookies from POST /api/auth/login.
type LoginResult struct {
	AccessToken string      `json:"access_token"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        UserPayload `json:"user"`

	AccessCookie  *http.Cookie `json:"-"`
	RefreshCookie *http.Cookie `json:"-"`
}

// Register creates an account through the API and returns it.
func (e *Env) Register(email string) UserPayload {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"name":     "Test User",
		"email":    email,
		"password": DefaultPassword,
	}, "")
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	var payload struct {
		User UserPayload `json:"user"`
	}
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &payload)
	e.Sessions.Wait()
	return payload.User
}

// RegisterVerified registers and verifies an account.
func (e *Env) RegisterVerified(email string) UserPayload {
	e.T.Helper()

	user := e.Register(email)
	code, ok := e.Mail.OTP(user.Email)
	require.True(e.T, ok, "expected otp email for %s", user.Email)

	w := e.Request(http.MethodPost, "/api/auth/verify-otp", map[string]string{"email": email, "code": code}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())
	user.EmailVerified = true
	return user
}

// Login authenticates and returns the issued access token and cookies.
func (e *Env) Login(email, password string) LoginResult {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.AccessToken)

	result.AccessCookie = FindCookie(w, "access_token")
	result.RefreshCookie = FindCookie(w, "refresh_token")
	require.NotNil(e.T, result.RefreshCookie, "expected refresh cookie")
	return result
}

// FindCookie returns the named cookie set by the response, or nil.
func FindCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)
	req.RemoteAddr = "203.0.113.7:41000"

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
