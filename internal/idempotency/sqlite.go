package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// keyRecord is the idempotency table row.
type keyRecord struct {
	DedupeKey string    `gorm:"primaryKey;column:dedupe_key"`
	Status    string    `gorm:"column:status"`
	Attempts  int       `gorm:"column:attempts"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (keyRecord) TableName() string { return "idempotency_keys" }

// SQLiteStore is the durable store: a single SQLite file in WAL mode, shared
// safely between cooperating processes. Initialization is lazy and retried
// on the next call if it fails.
type SQLiteStore struct {
	path        string
	log         *slog.Logger
	retryBase   time.Duration
	maxAttempts int

	mu sync.Mutex
	db *gorm.DB
}

func NewSQLiteStore(path string, log *slog.Logger) *SQLiteStore {
	return &SQLiteStore{
		path:        path,
		log:         log,
		retryBase:   50 * time.Millisecond,
		maxAttempts: 4,
	}
}

func (s *SQLiteStore) database() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := db.AutoMigrate(&keyRecord{}); err != nil {
		return nil, fmt.Errorf("migrate idempotency db: %w", err)
	}
	s.db = db
	return db, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, dedupeKey string) (Reservation, error) {
	var res Reservation
	err := s.withRetry(ctx, func(db *gorm.DB) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec keyRecord
			err := tx.First(&rec, "dedupe_key = ?", dedupeKey).Error
			switch {
			case err == nil && rec.Status == statusCompleted:
				res = Reservation{AlreadyProcessed: true, Reason: ReasonAlreadyCompleted}
				return nil
			case err == nil:
				res = Reservation{Reason: ReasonInProgress}
				return nil
			case errors.Is(err, gorm.ErrRecordNotFound):
				rec = keyRecord{
					DedupeKey: dedupeKey,
					Status:    statusInProgress,
					Attempts:  1,
					UpdatedAt: time.Now().UTC(),
				}
				if err := tx.Create(&rec).Error; err != nil {
					// Lost the insert race: another holder got there first.
					if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint") {
						res = Reservation{Reason: ReasonInProgress}
						return nil
					}
					return err
				}
				res = Reservation{Acquired: true}
				return nil
			default:
				return err
			}
		})
	})
	return res, err
}

func (s *SQLiteStore) Release(ctx context.Context, dedupeKey string, success bool) error {
	return s.withRetry(ctx, func(db *gorm.DB) error {
		if success {
			return db.WithContext(ctx).Model(&keyRecord{}).
				Where("dedupe_key = ?", dedupeKey).
				Updates(map[string]any{"status": statusCompleted, "updated_at": time.Now().UTC()}).Error
		}
		return db.WithContext(ctx).Delete(&keyRecord{}, "dedupe_key = ?", dedupeKey).Error
	})
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}

// withRetry runs fn, backing off exponentially on busy/locked errors.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func(db *gorm.DB) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		db, err := s.database()
		if err != nil {
			lastErr = err
		} else if err = fn(db); err == nil {
			return nil
		} else if !isBusy(err) {
			return err
		} else {
			lastErr = err
		}

		delay := s.retryBase * time.Duration(1<<(attempt-1))
		s.log.Debug("idempotency store busy, retrying", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("idempotency store: giving up after %d attempts: %w", s.maxAttempts, lastErr)
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
