package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charlesng35/authcore/pkg/clock"
	"github.com/charlesng35/authcore/pkg/crypto"
)

// OTP defaults.
const (
	OTPDigits                = 6
	DefaultOTPWindow         = 10 * time.Minute
	DefaultOTPResendInterval = 60 * time.Second
	DefaultOTPMaxAttempts    = 5
)

// ErrResendTooSoon is matched by ResendTooSoonError.
var ErrResendTooSoon = errors.New("otp: resend requested too soon")

// ResendTooSoonError carries the remaining wait before a new code may be issued.
type ResendTooSoonError struct {
	Wait time.Duration
}

func (e *ResendTooSoonError) Error() string {
	return fmt.Sprintf("otp: resend requested too soon, retry in %ds", e.RetryAfterSeconds())
}

// Is lets errors.Is(err, ErrResendTooSoon) match.
func (e *ResendTooSoonError) Is(target error) bool {
	return target == ErrResendTooSoon
}

// RetryAfterSeconds rounds the wait up to whole seconds.
func (e *ResendTooSoonError) RetryAfterSeconds() int {
	seconds := int(math.Ceil(e.Wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// OTPConfig tunes the generator.
type OTPConfig struct {
	Window            time.Duration
	MinResendInterval time.Duration
	MaxAttempts       int
	Clock             clock.Func
	// Random overrides the entropy source; crypto/rand when nil.
	Random io.Reader
}

// OTPChallenge is a pending one-time code.
type OTPChallenge struct {
	Code      string
	ExpiresAt time.Time
	Attempts  int
}

// OTPGenerator issues six-digit codes and applies the resend policy.
type OTPGenerator struct {
	window      time.Duration
	minResend   time.Duration
	maxAttempts int
	now         clock.Func
	random      io.Reader
}

// NewOTPGenerator applies defaults to cfg.
func NewOTPGenerator(cfg OTPConfig) *OTPGenerator {
	g := &OTPGenerator{
		window:      cfg.Window,
		minResend:   cfg.MinResendInterval,
		maxAttempts: cfg.MaxAttempts,
		now:         clock.OrSystem(cfg.Clock),
		random:      cfg.Random,
	}
	if g.window <= 0 {
		g.window = DefaultOTPWindow
	}
	if g.minResend <= 0 {
		g.minResend = DefaultOTPResendInterval
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = DefaultOTPMaxAttempts
	}
	return g
}

// Window reports how long a code stays live.
func (g *OTPGenerator) Window() time.Duration { return g.window }

// MaxAttempts reports how many mismatches burn a challenge.
func (g *OTPGenerator) MaxAttempts() int { return g.maxAttempts }

// Generate draws a fresh code expiring one window from now.
func (g *OTPGenerator) Generate() (OTPChallenge, error) {
	code, err := crypto.GenerateNumericCode(g.random, OTPDigits)
	if err != nil {
		return OTPChallenge{}, fmt.Errorf("otp: generate: %w", err)
	}
	return OTPChallenge{
		Code:      code,
		ExpiresAt: g.now().Add(g.window),
	}, nil
}

// IsLive reports whether challenge is still redeemable at now.
func (g *OTPGenerator) IsLive(challenge OTPChallenge, now time.Time) bool {
	return challenge.Code != "" && now.Before(challenge.ExpiresAt)
}

// Matches reports whether code redeems challenge at now, comparing in constant time.
func (g *OTPGenerator) Matches(challenge OTPChallenge, code string, now time.Time) bool {
	if !g.IsLive(challenge, now) || challenge.Attempts >= g.maxAttempts {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(code)) == 1
}

// IssuedAt derives when challenge was issued.
func (g *OTPGenerator) IssuedAt(challenge OTPChallenge) time.Time {
	return challenge.ExpiresAt.Add(-g.window)
}

// ResendWait returns zero when a new code may be issued at now, otherwise the remaining wait.
func (g *OTPGenerator) ResendWait(challenge OTPChallenge, now time.Time) time.Duration {
	if !g.IsLive(challenge, now) {
		return 0
	}
	elapsed := now.Sub(g.IssuedAt(challenge))
	if elapsed >= g.minResend {
		return 0
	}
	return g.minResend - elapsed
}

// CheckResend wraps ResendWait as an error.
func (g *OTPGenerator) CheckResend(challenge OTPChallenge, now time.Time) error {
	if wait := g.ResendWait(challenge, now); wait > 0 {
		return &ResendTooSoonError{Wait: wait}
	}
	return nil
}
