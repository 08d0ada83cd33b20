package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/charlesng35/authcore/pkg/clock"
	"github.com/charlesng35/authcore/pkg/crypto"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = time.Hour
)

// Purpose distinguishes access tokens from refresh tokens.
type Purpose string

const (
	PurposeAccess  Purpose = "access"
	PurposeRefresh Purpose = "refresh"
)

var (
	// ErrTokenMalformed is returned when a token cannot be decoded.
	ErrTokenMalformed = errors.New("token: malformed")
	// ErrTokenSignature is returned when the signature does not verify.
	ErrTokenSignature = errors.New("token: invalid signature")
	// ErrTokenExpired is returned once now >= exp.
	ErrTokenExpired = errors.New("token: expired")
	// ErrTokenWrongPurpose is returned when a validly signed token of one purpose is presented as the other.
	ErrTokenWrongPurpose = errors.New("token: wrong purpose")
)

// TokenConfig bundles the configuration required to build a TokenCodec.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      clock.Func
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Subject   string
	Name      string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshClaims is the payload of a refresh token. Version must match the
// account's token version for the token to be honoured.
type RefreshClaims struct {
	Subject   string
	Version   int
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the wire representation shared by both purposes.
type tokenClaims struct {
	Purpose Purpose `json:"pur"`
	Name    string  `json:"name,omitempty"`
	Email   string  `json:"email,omitempty"`
	Role    string  `json:"role,omitempty"`
	Version int     `json:"ver,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec issues and verifies HS256 tokens. Each purpose signs with its own
// key derived from the shared secret. It is safe for concurrent use.
type TokenCodec struct {
	keys       map[Purpose][]byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        clock.Func
}

// NewTokenCodec constructs a TokenCodec when provided with the required configuration.
func NewTokenCodec(cfg TokenConfig) (*TokenCodec, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token: secret must be provided")
	}

	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	secret := []byte(cfg.Secret)
	return &TokenCodec{
		keys: map[Purpose][]byte{
			PurposeAccess:  crypto.DeriveKey(secret, "authcore:"+string(PurposeAccess)),
			PurposeRefresh: crypto.DeriveKey(secret, "authcore:"+string(PurposeRefresh)),
		},
		issuer:     cfg.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        clock.OrSystem(cfg.Clock),
	}, nil
}

// AccessTTL reports the lifetime of issued access tokens.
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL reports the lifetime of issued refresh tokens.
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccess signs an access token and returns it with its expiry.
func (c *TokenCodec) IssueAccess(claims AccessClaims) (string, time.Time, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	return c.sign(tokenClaims{
		Purpose: PurposeAccess,
		Name:    claims.Name,
		Email:   claims.Email,
		Role:    claims.Role,
	}, claims.Subject, c.accessTTL)
}

// IssueRefresh signs a refresh token and returns it with its expiry.
func (c *TokenCodec) IssueRefresh(claims RefreshClaims) (string, time.Time, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	return c.sign(tokenClaims{
		Purpose: PurposeRefresh,
		Version: claims.Version,
	}, claims.Subject, c.refreshTTL)
}

// VerifyAccess validates an access token and returns its claims.
func (c *TokenCodec) VerifyAccess(token string) (*AccessClaims, error) {
	claims, err := c.verify(token, PurposeAccess)
	if err != nil {
		return nil, err
	}
	return &AccessClaims{
		Subject:   claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		Role:      claims.Role,
		IssuedAt:  numericTime(claims.IssuedAt),
		ExpiresAt: numericTime(claims.ExpiresAt),
	}, nil
}

// VerifyRefresh validates a refresh token and returns its claims.
func (c *TokenCodec) VerifyRefresh(token string) (*RefreshClaims, error) {
	claims, err := c.verify(token, PurposeRefresh)
	if err != nil {
		return nil, err
	}
	return &RefreshClaims{
		Subject:   claims.Subject,
		Version:   claims.Version,
		IssuedAt:  numericTime(claims.IssuedAt),
		ExpiresAt: numericTime(claims.ExpiresAt),
	}, nil
}

func (c *TokenCodec) sign(claims tokenClaims, subject string, ttl time.Duration) (string, time.Time, error) {
	now := c.now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(c.keys[claims.Purpose])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, expiresAt, nil
}

func (c *TokenCodec) verify(token string, expected Purpose) (*tokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	parser := jwt.NewParser(opts...)

	var claims tokenClaims
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		// The key follows the declared purpose so a token signed for the other
		// purpose verifies and is then rejected below as wrong purpose.
		key, ok := c.keys[claims.Purpose]
		if !ok {
			return nil, ErrTokenMalformed
		}
		return key, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	// exp is inclusive: a token is dead at its expiry second.
	if exp := numericTime(claims.ExpiresAt); !c.now().Before(exp) {
		return nil, ErrTokenExpired
	}
	if claims.Purpose != expected {
		return nil, ErrTokenWrongPurpose
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenMalformed
	}
	return &claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, ErrTokenMalformed):
		return ErrTokenMalformed
	default:
		// Issuer mismatch, missing exp and similar claim failures.
		return fmt.Errorf("%w: %v", ErrTokenSignature, err)
	}
}

func numericTime(date *jwt.NumericDate) time.Time {
	if date == nil {
		return time.Time{}
	}
	return date.Time.UTC()
}
