package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authcore/internal/app"
	"github.com/charlesng35/authcore/internal/handlers/testutil"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/internal/ratelimit"
	"github.com/charlesng35/authcore/internal/security"
)

func TestSetRoleRequiresAdmin(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.RegisterVerified("boss@example.com")
	member := env.RegisterVerified("member@example.com")

	adminLogin := env.Login("boss@example.com", testutil.DefaultPassword)
	memberLogin := env.Login("member@example.com", testutil.DefaultPassword)

	path := "/api/users/" + member.ID + "/role"

	w := env.Request(http.MethodPatch, path, map[string]string{"role": "ADMIN"}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.Request(http.MethodPatch, "/api/users/"+admin.ID+"/role", map[string]string{"role": "USER"}, memberLogin.AccessToken)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "FORBIDDEN", testutil.DecodeResponse(t, w).Error.Code)

	w = env.Request(http.MethodPatch, path, map[string]string{"role": "ROOT"}, adminLogin.AccessToken)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.Request(http.MethodPatch, "/api/users/missing/role", map[string]string{"role": "USER"}, adminLogin.AccessToken)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Request(http.MethodPatch, path, map[string]string{"role": "admin"}, adminLogin.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var payload struct {
		User testutil.UserPayload `json:"user"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &payload)
	require.Equal(t, models.RoleAdmin, payload.User.Role)
}

func TestDemotedAdminLosesAccessImmediately(t *testing.T) {
	env := testutil.NewEnv(t)
	env.RegisterVerified("boss@example.com")
	member := env.RegisterVerified("member@example.com")
	bossLogin := env.Login("boss@example.com", testutil.DefaultPassword)

	path := "/api/users/" + member.ID + "/role"
	w := env.Request(http.MethodPatch, path, map[string]string{"role": "ADMIN"}, bossLogin.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	memberLogin := env.Login("member@example.com", testutil.DefaultPassword)
	w = env.Request(http.MethodGet, "/api/admin/rate-limits", nil, memberLogin.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodPatch, path, map[string]string{"role": "USER"}, bossLogin.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The access token still claims ADMIN until it expires.
	w = env.Request(http.MethodGet, "/api/admin/rate-limits", nil, memberLogin.AccessToken)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "FORBIDDEN", testutil.DecodeResponse(t, w).Error.Code)
}

func TestRateLimitAdminEndpoints(t *testing.T) {
	env := testutil.NewEnv(t)
	env.RegisterVerified("ops@example.com")
	login := env.Login("ops@example.com", testutil.DefaultPassword)

	w := env.Request(http.MethodGet, "/api/admin/rate-limits", nil, login.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := testutil.DecodeResponse(t, w)
	var windows []ratelimit.Window
	testutil.DecodeInto(t, resp.Data, &windows)
	require.NotEmpty(t, windows)
	require.Equal(t, len(windows), resp.Meta.Total)

	keys := make([]string, 0, len(windows))
	for _, win := range windows {
		keys = append(keys, win.Key)
	}
	require.Contains(t, keys, "login:ip:203.0.113.7")
	require.Contains(t, keys, "otp:email:ops@example.com")

	w = env.Request(http.MethodDelete, "/api/admin/rate-limits", nil, login.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.Request(http.MethodGet, "/api/admin/rate-limits", nil, login.AccessToken)
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &windows)
	require.Empty(t, windows)
}

func TestRateLimitAdminUnavailableInProduction(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithMode(app.ModeProduction))
	env.RegisterVerified("prod@example.com")
	login := env.Login("prod@example.com", testutil.DefaultPassword)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w := env.Request(method, "/api/admin/rate-limits", nil, login.AccessToken)
		require.Equal(t, http.StatusNotFound, w.Code, method)
		require.Equal(t, "NOT_AVAILABLE", testutil.DecodeResponse(t, w).Error.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.Request(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "authcore_api_latency_seconds")
}

func TestSecurityAuditRequiresAdmin(t *testing.T) {
	env := testutil.NewEnv(t)
	env.RegisterVerified("auditor@example.com")
	env.RegisterVerified("viewer@example.com")

	admin := env.Login("auditor@example.com", testutil.DefaultPassword)
	viewer := env.Login("viewer@example.com", testutil.DefaultPassword)

	w := env.Request(http.MethodGet, "/api/admin/security-audit", nil, viewer.AccessToken)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.Request(http.MethodGet, "/api/admin/security-audit", nil, admin.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result security.Result
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &result)
	require.Len(t, result.Checks, 6)
	require.False(t, result.CheckedAt.IsZero())
}
