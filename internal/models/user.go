package models

import (
	"strings"
	"time"
)

// Roles a user can hold.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// User is an account managed by the session lifecycle.
type User struct {
	BaseModel

	Name     string `gorm:"not null" json:"name"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`
	Role     string `gorm:"size:16;not null;default:USER" json:"role"`

	EmailVerified bool `gorm:"default:false" json:"email_verified"`

	OTPCode      *string    `gorm:"column:otp_code;size:16" json:"-"`
	OTPExpiresAt *time.Time `gorm:"column:otp_expires_at" json:"-"`
	OTPAttempts  int        `gorm:"column:otp_attempts;default:0" json:"-"`

	ResetTokenHash      *string    `gorm:"size:128;index" json:"-"`
	ResetTokenExpiresAt *time.Time `json:"-"`

	// TokenVersion is embedded in refresh tokens; bumping it revokes them.
	TokenVersion int `gorm:"default:0" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
}

// IsAdmin reports whether the user holds the administrator role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// ValidRole reports whether role names a known role.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleUser:
		return true
	default:
		return false
	}
}

// NormalizeEmail lowercases and trims an email address for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
