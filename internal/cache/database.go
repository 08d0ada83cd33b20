package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/clock"
)

// DatabaseStore implements the cache Store interface using the primary SQL database.
type DatabaseStore struct {
	db  *gorm.DB
	now clock.Func
}

// NewDatabaseStore constructs a database-backed Store.
func NewDatabaseStore(db *gorm.DB, now clock.Func) *DatabaseStore {
	if db == nil {
		return nil
	}
	return &DatabaseStore{db: db, now: clock.OrSystem(now)}
}

// IncrementWithTTL increments the counter for key inside a row-locked transaction.
// The expiry is only reset once the previous window has elapsed.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil {
		return 0, 0, ErrNotInitialised
	}
	if window <= 0 {
		window = time.Minute
	}

	now := s.now()
	var (
		count  int64
		expiry time.Time
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Claim the row first so concurrent first hits queue on its lock
		// instead of racing to insert. The placeholder is born expired.
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&models.CacheEntry{
			Key:       key,
			Value:     []byte("0"),
			ExpiresAt: now,
		}).Error; err != nil {
			return err
		}

		var entry models.CacheEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(map[string]any{"key": key}).
			Take(&entry).Error; err != nil {
			return err
		}

		if !now.Before(entry.ExpiresAt) {
			count = 1
			expiry = now.Add(window)
		} else {
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count = current + 1
			expiry = entry.ExpiresAt
		}

		return tx.Model(&models.CacheEntry{}).
			Where(map[string]any{"key": key}).
			Updates(map[string]any{
				"value":      []byte(strconv.FormatInt(count, 10)),
				"expires_at": expiry,
			}).Error
	})
	if err != nil {
		return 0, 0, err
	}

	return count, expiry.Sub(now), nil
}

func (s *DatabaseStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	if s == nil {
		return nil, ErrNotInitialised
	}

	var rows []models.CacheEntry
	if err := s.db.WithContext(ctx).
		Where(keyHasPrefix(prefix)).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	now := s.now()
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if s.expired(row) {
			continue
		}
		entries = append(entries, Entry{Key: row.Key, Value: row.Value, TTL: row.ExpiresAt.Sub(now)})
	}
	return entries, nil
}

func (s *DatabaseStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if s == nil {
		return 0, ErrNotInitialised
	}

	result := s.db.WithContext(ctx).
		Where(keyHasPrefix(prefix)).
		Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}

// PurgeExpired removes rows whose expiry has passed.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, ErrNotInitialised
	}

	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}

func (s *DatabaseStore) expired(entry models.CacheEntry) bool {
	return !s.now().Before(entry.ExpiresAt)
}

// keyHasPrefix matches keys by prefix using '!' as the LIKE escape character.
func keyHasPrefix(prefix string) clause.Expr {
	replacer := strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)
	return clause.Expr{
		SQL:  "? LIKE ? ESCAPE '!'",
		Vars: []any{clause.Column{Name: "key"}, replacer.Replace(prefix) + "%"},
	}
}
