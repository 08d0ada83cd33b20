package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authcore/internal/models"
)

var counterColumns = map[string]struct{}{
	"otp_attempts":  {},
	"token_version": {},
}

var (
	// ErrUserNotFound is returned when no account matches the lookup.
	ErrUserNotFound = errors.New("store: user not found")
	// ErrDuplicateEmail is returned when an account with the email already exists.
	ErrDuplicateEmail = errors.New("store: email already registered")
)

// UserStore persists user accounts. Implementations must be safe for concurrent use.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByResetTokenHash(ctx context.Context, hash string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, id string, fields map[string]any) error
	// UpdateIf applies fields only when every column in expect still holds the
	// given value (nil means NULL). It reports whether a row was changed.
	UpdateIf(ctx context.Context, id string, expect map[string]any, fields map[string]any) (bool, error)
	// IncrementField atomically adds one to an integer column under the same
	// conditions as UpdateIf.
	IncrementField(ctx context.Context, id string, expect map[string]any, column string) (bool, error)
	Count(ctx context.Context) (int64, error)
	PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// GormUserStore implements UserStore on top of gorm.
type GormUserStore struct {
	db *gorm.DB
}

// NewUserStore constructs a gorm-backed UserStore.
func NewUserStore(db *gorm.DB) (*GormUserStore, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	return &GormUserStore{db: db}, nil
}

func (s *GormUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.take(ctx, "email = ?", models.NormalizeEmail(email))
}

func (s *GormUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrUserNotFound
	}
	return s.take(ctx, "id = ?", id)
}

func (s *GormUserStore) FindByResetTokenHash(ctx context.Context, hash string) (*models.User, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, ErrUserNotFound
	}
	return s.take(ctx, "reset_token_hash = ?", hash)
}

func (s *GormUserStore) take(ctx context.Context, query string, args ...any) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where(query, args...).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return &user, nil
}

func (s *GormUserStore) Create(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("store: user is required")
	}
	user.Email = models.NormalizeEmail(user.Email)

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (s *GormUserStore) Update(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("store: update user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormUserStore) UpdateIf(ctx context.Context, id string, expect map[string]any, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, errors.New("store: no fields to update")
	}
	query := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id)
	if len(expect) > 0 {
		query = query.Where(expect)
	}

	result := query.Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("store: conditional update: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormUserStore) IncrementField(ctx context.Context, id string, expect map[string]any, column string) (bool, error) {
	if _, ok := counterColumns[column]; !ok {
		return false, fmt.Errorf("store: column %q is not a counter", column)
	}
	query := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id)
	if len(expect) > 0 {
		query = query.Where(expect)
	}

	result := query.Updates(map[string]any{
		column: gorm.Expr("? + 1", clause.Column{Name: column}),
	})
	if result.Error != nil {
		return false, fmt.Errorf("store: increment %s: %w", column, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormUserStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return count, nil
}

// PurgeExpiredChallenges clears OTP and reset fields whose expiry has passed.
func (s *GormUserStore) PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	db := s.db.WithContext(ctx)

	otp := db.Model(&models.User{}).
		Where("otp_expires_at IS NOT NULL AND otp_expires_at <= ?", now).
		Updates(map[string]any{
			"otp_code":       nil,
			"otp_expires_at": nil,
			"otp_attempts":   0,
		})
	if otp.Error != nil {
		return 0, fmt.Errorf("store: purge otp challenges: %w", otp.Error)
	}

	reset := db.Model(&models.User{}).
		Where("reset_token_expires_at IS NOT NULL AND reset_token_expires_at <= ?", now).
		Updates(map[string]any{
			"reset_token_hash":       nil,
			"reset_token_expires_at": nil,
		})
	if reset.Error != nil {
		return otp.RowsAffected, fmt.Errorf("store: purge reset tokens: %w", reset.Error)
	}

	return otp.RowsAffected + reset.RowsAffected, nil
}

// isUniqueConstraintError detects database uniqueness constraint violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") || strings.Contains(lower, "duplicate")
}
