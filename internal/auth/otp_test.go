package auth

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authcore/pkg/clock"
)

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

func TestNewOTPGeneratorDefaults(t *testing.T) {
	g := NewOTPGenerator(OTPConfig{})
	require.Equal(t, DefaultOTPWindow, g.Window())
	require.Equal(t, DefaultOTPMaxAttempts, g.MaxAttempts())
}

func TestGenerateProducesSixDigitCodes(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	g := NewOTPGenerator(OTPConfig{Clock: clk.Now})

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		challenge, err := g.Generate()
		require.NoError(t, err)
		require.Regexp(t, sixDigits, challenge.Code)
		require.Equal(t, clk.Now().Add(10*time.Minute), challenge.ExpiresAt)
		seen[challenge.Code] = struct{}{}
	}
	require.Greater(t, len(seen), 190, "codes should not repeat often")
}

func TestGenerateZeroPads(t *testing.T) {
	g := NewOTPGenerator(OTPConfig{Random: bytes.NewReader(make([]byte, 64))})

	challenge, err := g.Generate()
	require.NoError(t, err)
	require.Equal(t, "000000", challenge.Code)
}

func TestGenerateSurfacesEntropyFailure(t *testing.T) {
	g := NewOTPGenerator(OTPConfig{Random: bytes.NewReader(nil)})

	_, err := g.Generate()
	require.Error(t, err)
}

func TestIsLiveAndMatches(t *testing.T) {
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	g := NewOTPGenerator(OTPConfig{})
	challenge := OTPChallenge{Code: "123456", ExpiresAt: start.Add(10 * time.Minute)}

	require.True(t, g.IsLive(challenge, start))
	require.True(t, g.Matches(challenge, "123456", start.Add(9*time.Minute)))
	require.False(t, g.Matches(challenge, "654321", start))
	require.False(t, g.IsLive(challenge, challenge.ExpiresAt))
	require.False(t, g.Matches(challenge, "123456", challenge.ExpiresAt))
	require.False(t, g.IsLive(OTPChallenge{}, start))

	challenge.Attempts = DefaultOTPMaxAttempts
	require.False(t, g.Matches(challenge, "123456", start), "burned challenge must not verify")
}

func TestResendWait(t *testing.T) {
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	g := NewOTPGenerator(OTPConfig{})
	challenge := OTPChallenge{Code: "123456", ExpiresAt: start.Add(10 * time.Minute)}

	require.Equal(t, start, g.IssuedAt(challenge))
	require.Equal(t, 60*time.Second, g.ResendWait(challenge, start))
	require.Equal(t, 30*time.Second, g.ResendWait(challenge, start.Add(30*time.Second)))
	require.Zero(t, g.ResendWait(challenge, start.Add(60*time.Second)))
	require.Zero(t, g.ResendWait(OTPChallenge{}, start))
	require.Zero(t, g.ResendWait(challenge, challenge.ExpiresAt))
}

func TestCheckResendError(t *testing.T) {
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	g := NewOTPGenerator(OTPConfig{})
	challenge := OTPChallenge{Code: "123456", ExpiresAt: start.Add(10 * time.Minute)}

	err := g.CheckResend(challenge, start.Add(20500*time.Millisecond))
	require.ErrorIs(t, err, ErrResendTooSoon)

	var tooSoon *ResendTooSoonError
	require.True(t, errors.As(err, &tooSoon))
	require.Equal(t, 39500*time.Millisecond, tooSoon.Wait)
	require.Equal(t, 40, tooSoon.RetryAfterSeconds())
	require.Contains(t, err.Error(), "40s")

	wrapped := fmt.Errorf("resend: %w", err)
	require.ErrorIs(t, wrapped, ErrResendTooSoon)

	require.NoError(t, g.CheckResend(challenge, start.Add(time.Minute)))
}
