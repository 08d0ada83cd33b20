package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Parameters controls the cost factors for Argon2id password hashing.
type Argon2Parameters struct {
	// Time is the number of iterations.
	Time uint32
	// Memory is the amount of memory (in kibibytes) to use.
	Memory uint32
	// Threads is the degree of parallelism.
	Threads uint8
	// KeyLength is the desired length of the derived key in bytes.
	KeyLength uint32
	// SaltLength is the number of random salt bytes per hash.
	SaltLength uint32
}

// ErrInvalidArgon2Hash is returned when an encoded hash cannot be parsed.
var ErrInvalidArgon2Hash = errors.New("argon2: invalid encoded hash")

// DefaultArgon2Params returns the default Argon2id parameters.
func DefaultArgon2Params() Argon2Parameters {
	return Argon2Parameters{
		Time:       2,
		Memory:     64 * 1024, // 64 MiB
		Threads:    4,
		KeyLength:  32,
		SaltLength: 16,
	}
}

// Validate ensures the parameters are suitable for Argon2id.
func (p Argon2Parameters) Validate() error {
	if p.Time == 0 {
		return fmt.Errorf("argon2: time cost must be greater than zero")
	}
	if p.Threads == 0 {
		return fmt.Errorf("argon2: parallelism must be greater than zero")
	}
	if p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("argon2: memory cost must be at least 8 * threads")
	}
	if p.KeyLength < 16 {
		return fmt.Errorf("argon2: key length must be at least 16 bytes (got %d)", p.KeyLength)
	}
	if p.SaltLength < 16 {
		return fmt.Errorf("argon2: salt must be at least 16 bytes (got %d)", p.SaltLength)
	}
	return nil
}

// HashPasswordArgon2id hashes password and encodes it in the PHC string format
// ($argon2id$v=19$m=...,t=...,p=...$salt$key).
func HashPasswordArgon2id(password string, params Argon2Parameters) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		params.Memory, params.Time, params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPasswordArgon2id compares password against a PHC encoded Argon2id hash in constant time.
func VerifyPasswordArgon2id(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidArgon2Hash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrInvalidArgon2Hash
	}

	var params Argon2Parameters
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &params.Threads); err != nil {
		return false, ErrInvalidArgon2Hash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidArgon2Hash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidArgon2Hash
	}

	got := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// IsArgon2idHash reports whether encoded looks like an Argon2id PHC string.
func IsArgon2idHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$argon2id$")
}
