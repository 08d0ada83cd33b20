package app

import (
	"github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/ratelimit"
)

// TokenConfig converts AuthConfig into the parameters expected by the token codec.
func (c AuthConfig) TokenConfig() auth.TokenConfig {
	access := c.JWT.AccessTTL
	if access <= 0 {
		access = auth.DefaultAccessTokenTTL
	}
	refresh := c.JWT.RefreshTTL
	if refresh <= 0 {
		refresh = auth.DefaultRefreshTokenTTL
	}

	return auth.TokenConfig{
		Secret:     c.JWT.Secret,
		Issuer:     c.JWT.Issuer,
		AccessTTL:  access,
		RefreshTTL: refresh,
	}
}

// OTPConfig converts AuthConfig into OTP generator parameters. Zero values
// fall back to the generator defaults.
func (c AuthConfig) OTPConfig() auth.OTPConfig {
	return auth.OTPConfig{
		Window:            c.OTP.Window,
		MinResendInterval: c.OTP.MinResendInterval,
		MaxAttempts:       c.OTP.MaxAttempts,
	}
}

// Rules returns the named rate limit policies.
func (s RateLimitSettings) Rules() RateRules {
	return RateRules{
		Login:    s.Login.rule("login"),
		Register: s.Register.rule("register"),
		OTP:      s.OTP.rule("otp"),
		Refresh:  s.Refresh.rule("refresh"),
		Reset:    s.Reset.rule("reset"),
	}
}

// RateRules bundles the policies applied by the router.
type RateRules struct {
	Login    ratelimit.Rule
	Register ratelimit.Rule
	OTP      ratelimit.Rule
	Refresh  ratelimit.Rule
	Reset    ratelimit.Rule
}

func (r RateRule) rule(name string) ratelimit.Rule {
	return ratelimit.Rule{Name: name, Limit: r.Limit, Window: r.Window}
}
