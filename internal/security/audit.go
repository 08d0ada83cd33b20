package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/app"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/clock"
)

// CheckStatus captures the outcome of a security audit check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

const (
	minSecretBytes         = 32
	recommendedSecretBytes = 48
	maxRecommendedRefresh  = 30 * 24 * time.Hour
)

// Check contains the result of a single audit verification.
type Check struct {
	ID          string      `json:"id"`
	Status      CheckStatus `json:"status"`
	Message     string      `json:"message"`
	Remediation string      `json:"remediation,omitempty"`
	Details     any         `json:"details,omitempty"`
}

// Result aggregates all checks with a simple status summary.
type Result struct {
	CheckedAt time.Time      `json:"checked_at"`
	Checks    []Check        `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// AuditService evaluates the authentication configuration and account state.
type AuditService struct {
	db  *gorm.DB
	cfg *app.Config
	now clock.Func
}

// NewAuditService constructs the audit service. All dependencies are optional; missing
// inputs degrade specific checks to warnings.
func NewAuditService(db *gorm.DB, cfg *app.Config) *AuditService {
	return &AuditService{
		db:  db,
		cfg: cfg,
		now: clock.System,
	}
}

// WithClock overrides the clock used in results (primarily for testing).
func (s *AuditService) WithClock(now clock.Func) {
	if now != nil {
		s.now = now
	}
}

// Run executes all audit checks and returns their outcome.
func (s *AuditService) Run(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	checks := []Check{
		s.checkAdminPresent(ctx),
		s.checkJWTSecret(),
		s.checkRefreshTTL(),
		s.checkSecureCookies(),
		s.checkRateLimits(),
		s.checkEmailDelivery(),
	}

	summary := map[string]int{
		string(StatusPass): 0,
		string(StatusWarn): 0,
		string(StatusFail): 0,
	}

	for _, check := range checks {
		summary[string(check.Status)]++
	}

	return Result{
		CheckedAt: s.now().UTC(),
		Checks:    checks,
		Summary:   summary,
	}
}

func (s *AuditService) checkAdminPresent(ctx context.Context) Check {
	if s.db == nil {
		return Check{
			ID:          "admin_present",
			Status:      StatusWarn,
			Message:     "Database unavailable; unable to count administrators.",
			Remediation: "Ensure database connectivity before running the audit.",
		}
	}

	var total, admins int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&total).Error; err != nil {
		return Check{
			ID:          "admin_present",
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Could not count users: %v", err),
			Remediation: "Retry after resolving database errors.",
		}
	}
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("role = ? AND email_verified = ?", models.RoleAdmin, true).
		Count(&admins).Error; err != nil {
		return Check{
			ID:          "admin_present",
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Could not count administrators: %v", err),
			Remediation: "Retry after resolving database errors.",
		}
	}

	switch {
	case total == 0:
		return Check{
			ID:          "admin_present",
			Status:      StatusWarn,
			Message:     "No accounts yet; the first registration becomes administrator.",
			Remediation: "Register the operator account before exposing the service.",
		}
	case admins == 0:
		return Check{
			ID:          "admin_present",
			Status:      StatusFail,
			Message:     "No verified administrator found.",
			Remediation: "Verify the first account or promote a verified user to ADMIN.",
			Details:     map[string]any{"users": total},
		}
	default:
		return Check{
			ID:      "admin_present",
			Status:  StatusPass,
			Message: "Verified administrator present.",
			Details: map[string]any{"count": admins},
		}
	}
}

func (s *AuditService) checkJWTSecret() Check {
	if s.cfg == nil {
		return configMissing("jwt_secret_strength")
	}

	length := len(strings.TrimSpace(s.cfg.Auth.JWT.Secret))

	switch {
	case length == 0:
		return Check{
			ID:          "jwt_secret_strength",
			Status:      StatusFail,
			Message:     "Missing JWT signing secret.",
			Remediation: "Provide a cryptographically secure signing secret (>= 32 bytes).",
		}
	case length < minSecretBytes:
		return Check{
			ID:          "jwt_secret_strength",
			Status:      StatusFail,
			Message:     fmt.Sprintf("JWT signing secret is too short (%d bytes).", length),
			Remediation: "Use a randomly generated secret of at least 32 bytes.",
		}
	case length < recommendedSecretBytes:
		return Check{
			ID:          "jwt_secret_strength",
			Status:      StatusWarn,
			Message:     fmt.Sprintf("JWT signing secret is %d bytes. Consider increasing to 48+ bytes.", length),
			Remediation: "Increase the length of AUTHCORE_AUTH_JWT_SECRET to at least 48 bytes.",
			Details:     map[string]any{"length": length},
		}
	default:
		return Check{
			ID:      "jwt_secret_strength",
			Status:  StatusPass,
			Message: fmt.Sprintf("JWT signing secret length is %d bytes.", length),
			Details: map[string]any{"length": length},
		}
	}
}

func (s *AuditService) checkRefreshTTL() Check {
	if s.cfg == nil {
		return configMissing("refresh_ttl")
	}

	ttl := s.cfg.Auth.JWT.RefreshTTL
	if ttl <= 0 {
		return Check{
			ID:          "refresh_ttl",
			Status:      StatusWarn,
			Message:     "Refresh token TTL is not configured; using default duration.",
			Remediation: "Set AUTHCORE_AUTH_JWT_REFRESH_TTL to control session lifetime.",
		}
	}

	if ttl > maxRecommendedRefresh {
		return Check{
			ID:          "refresh_ttl",
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Refresh token TTL (%s) exceeds recommended maximum (%s).", ttl, maxRecommendedRefresh),
			Remediation: "Reduce refresh token TTL to 30 days or lower to limit credential exposure.",
			Details:     map[string]any{"ttl": ttl.String()},
		}
	}

	return Check{
		ID:      "refresh_ttl",
		Status:  StatusPass,
		Message: fmt.Sprintf("Refresh token TTL is %s.", ttl),
		Details: map[string]any{"ttl": ttl.String()},
	}
}

func (s *AuditService) checkSecureCookies() Check {
	if s.cfg == nil {
		return configMissing("secure_cookies")
	}

	switch {
	case s.cfg.Server.SecureCookies:
		return Check{ID: "secure_cookies", Status: StatusPass, Message: "Session cookies carry the Secure attribute."}
	case s.cfg.Server.IsProduction():
		return Check{
			ID:          "secure_cookies",
			Status:      StatusFail,
			Message:     "Session cookies are sent over plain HTTP in production.",
			Remediation: "Set AUTHCORE_SERVER_SECURE_COOKIES=true and terminate TLS in front of the service.",
		}
	default:
		return Check{
			ID:      "secure_cookies",
			Status:  StatusWarn,
			Message: "Secure cookies disabled outside production.",
		}
	}
}

func (s *AuditService) checkRateLimits() Check {
	if s.cfg == nil {
		return configMissing("rate_limits")
	}

	rules := s.cfg.Auth.RateLimits.Rules()
	var disabled []string
	for _, rule := range []struct {
		name    string
		enabled bool
	}{
		{"login", rules.Login.Enabled()},
		{"register", rules.Register.Enabled()},
		{"otp", rules.OTP.Enabled()},
		{"refresh", rules.Refresh.Enabled()},
		{"reset", rules.Reset.Enabled()},
	} {
		if !rule.enabled {
			disabled = append(disabled, rule.name)
		}
	}

	if len(disabled) == 0 {
		return Check{ID: "rate_limits", Status: StatusPass, Message: "All endpoint rate limits are enabled."}
	}

	status := StatusWarn
	if s.cfg.Server.IsProduction() {
		status = StatusFail
	}
	return Check{
		ID:          "rate_limits",
		Status:      status,
		Message:     fmt.Sprintf("Rate limiting disabled for: %s.", strings.Join(disabled, ", ")),
		Remediation: "Configure a positive limit and window under auth.rate_limits.",
		Details:     map[string]any{"disabled": disabled},
	}
}

func (s *AuditService) checkEmailDelivery() Check {
	if s.cfg == nil {
		return configMissing("email_delivery")
	}

	if !s.cfg.Email.SMTP.Enabled {
		return Check{
			ID:          "email_delivery",
			Status:      StatusWarn,
			Message:     "SMTP is disabled; users cannot receive verification codes or reset links.",
			Remediation: "Enable email.smtp with a reachable relay.",
		}
	}

	base := strings.TrimSpace(s.cfg.Auth.Reset.BaseURL)
	if base == "" {
		return Check{
			ID:          "email_delivery",
			Status:      StatusFail,
			Message:     "Password reset emails would carry the bare token instead of a link.",
			Remediation: "Set auth.reset.base_url to the page that accepts reset tokens.",
		}
	}
	if !strings.HasPrefix(strings.ToLower(base), "https://") {
		return Check{
			ID:          "email_delivery",
			Status:      StatusWarn,
			Message:     "Password reset links do not use HTTPS.",
			Remediation: "Point auth.reset.base_url at an https:// address.",
			Details:     map[string]any{"base_url": base},
		}
	}

	return Check{ID: "email_delivery", Status: StatusPass, Message: "SMTP delivery configured."}
}

func configMissing(id string) Check {
	return Check{
		ID:          id,
		Status:      StatusWarn,
		Message:     "Configuration not loaded; check skipped.",
		Remediation: "Load configuration before running the security audit.",
	}
}
