package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charlesng35/authcore/pkg/crypto"
)

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(digest, password string) bool
}

// BcryptHasher hashes with bcrypt at Cost (bcrypt.DefaultCost when zero).
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	digest, err := crypto.HashPassword(password, h.Cost)
	if err != nil {
		return "", fmt.Errorf("password: bcrypt: %w", err)
	}
	return digest, nil
}

func (h BcryptHasher) Verify(digest, password string) bool {
	return crypto.VerifyPassword(digest, password)
}

// Argon2Hasher hashes with argon2id and also verifies legacy bcrypt digests.
type Argon2Hasher struct {
	Params crypto.Argon2Parameters
}

func (h Argon2Hasher) Hash(password string) (string, error) {
	params := h.Params
	if params == (crypto.Argon2Parameters{}) {
		params = crypto.DefaultArgon2Params()
	}
	return crypto.HashPasswordArgon2id(password, params)
}

func (h Argon2Hasher) Verify(digest, password string) bool {
	if !crypto.IsArgon2idHash(digest) {
		return crypto.VerifyPassword(digest, password)
	}
	ok, err := crypto.VerifyPasswordArgon2id(digest, password)
	return err == nil && ok
}

// NewPasswordHasher selects a hasher by algorithm name ("bcrypt" or "argon2id").
func NewPasswordHasher(algorithm string) (PasswordHasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", "bcrypt":
		return BcryptHasher{}, nil
	case "argon2id", "argon2":
		return Argon2Hasher{}, nil
	default:
		return nil, errors.New("password: unsupported algorithm " + algorithm)
	}
}
