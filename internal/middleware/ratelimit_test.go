package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authcore/internal/ratelimit"
	"github.com/charlesng35/authcore/pkg/clock"
)

func newTestLimiter(t *testing.T, clk *clock.Manual) *ratelimit.Limiter {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithClock(clk.Now))
	require.NoError(t, err)
	return limiter
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rule := ratelimit.Rule{Name: "login", Limit: 2, Window: time.Minute}

	r := gin.New()
	r.Use(RateLimit(newTestLimiter(t, clk), rule, ByIP))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		return w
	}

	for i := 0; i < 2; i++ {
		w := send()
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		require.Equal(t, strconv.Itoa(1-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	clk.Advance(20 * time.Second)
	w := send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "40", w.Header().Get("Retry-After"))
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, strconv.FormatInt(clk.Now().Add(40*time.Second).Unix(), 10), w.Header().Get("X-RateLimit-Reset"))

	errInfo := decodeError(t, w.Body.Bytes())
	require.Equal(t, "RATE_LIMIT_EXCEEDED", errInfo.Code)
	require.Equal(t, 40, errInfo.RetryAfterSeconds)

	clk.Advance(40 * time.Second)
	require.Equal(t, http.StatusOK, send().Code, "window reset admits again")
}

func TestRateLimitDisabledRulePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimit(newTestLimiter(t, clock.NewManual(time.Now())), ratelimit.Rule{Name: "off"}, ByIP))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimitByEmailRestoresBody(t *testing.T) {
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Now().UTC())
	limiter := newTestLimiter(t, clk)
	rule := ratelimit.Rule{Name: "otp", Limit: 1, Window: time.Minute}

	r := gin.New()
	r.POST("/otp", RateLimit(limiter, rule, ByEmail), func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		c.String(http.StatusOK, string(body))
	})

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/otp", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	first := post(`{"email":"A@Example.com"}`)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, `{"email":"A@Example.com"}`, first.Body.String())

	require.Equal(t, http.StatusTooManyRequests, post(`{"email":" a@example.com"}`).Code, "email is normalized")
	require.Equal(t, http.StatusOK, post(`{"email":"b@example.com"}`).Code)

	windows, err := limiter.Snapshot(t.Context())
	require.NoError(t, err)
	keys := make([]string, 0, len(windows))
	for _, w := range windows {
		keys = append(keys, w.Key)
	}
	require.ElementsMatch(t, []string{"otp:email:a@example.com", "otp:email:b@example.com"}, keys)
}

func TestRateLimitByEmailKeepsLargeBody(t *testing.T) {
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Now().UTC())
	limiter := newTestLimiter(t, clk)
	rule := ratelimit.Rule{Name: "otp", Limit: 5, Window: time.Minute}

	var received int
	r := gin.New()
	r.POST("/otp", RateLimit(limiter, rule, ByEmail), func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		received = len(body)
		c.Status(http.StatusNoContent)
	})

	payload := `{"email":"big@example.com","note":"` + strings.Repeat("x", maxPeekBytes*2) + `"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/otp", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, len(payload), received)

	// A body beyond the peek limit is not decoded, so the client address keys it.
	windows, err := limiter.Snapshot(t.Context())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.True(t, strings.HasPrefix(windows[0].Key, "otp:ip:"), windows[0].Key)
}
