package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/itinera/internal/domain"
	"github.com/ashureev/itinera/internal/retry"
	"github.com/ashureev/itinera/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	consumeAttempts  = 3
	consumeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite. Users without a row get
// the default daily allowance.
type SQLiteStore struct {
	db           *sql.DB
	dailyCredits int
	creditMu     sync.Mutex // serializes read-check-write in Consume
	now          func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, dailyCredits int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, dailyCredits: dailyCredits, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		daily_credits INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_usage (
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		service TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, day, service)
	);
	CREATE INDEX IF NOT EXISTS idx_credit_usage_day ON credit_usage(day);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, daily_credits, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &user.DailyCredits,
		&lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record. The allowance of an existing
// user is left alone.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, daily_credits, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	credits := user.DailyCredits
	if credits <= 0 {
		credits = s.dailyCredits
	}

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, credits,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), s.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetBalance returns the user's allowance for the current UTC day.
func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	day := domain.CreditDay(s.now())
	limit, used, err := s.usage(ctx, s.db, userID, day)
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.NewBalance(userID, day, limit, used), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) usage(ctx context.Context, q queryer, userID, day string) (limit, used int, err error) {
	limit = s.dailyCredits
	err = q.QueryRowContext(ctx, `SELECT daily_credits FROM users WHERE user_id = ?`, userID).Scan(&limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("read allowance: %w", err)
	}

	err = q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(used), 0) FROM credit_usage WHERE user_id = ? AND day = ?`,
		userID, day,
	).Scan(&used)
	if err != nil {
		return 0, 0, fmt.Errorf("read usage: %w", err)
	}
	return limit, used, nil
}

// Consume records amount credits for service against today's allowance.
// Busy or locked database errors are retried with exponential backoff.
func (s *SQLiteStore) Consume(ctx context.Context, userID string, amount int, service string) error {
	if amount <= 0 {
		return fmt.Errorf("consume: amount must be positive, got %d", amount)
	}

	s.creditMu.Lock()
	defer s.creditMu.Unlock()

	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.consumeOnce(ctx, userID, amount, service)
	}, consumeAttempts, consumeBaseDelay,
		retry.WithRetryIf(shared.IsSQLiteConflictError),
		retry.WithName("consume credits", slog.Default()),
	)
	return err
}

func (s *SQLiteStore) consumeOnce(ctx context.Context, userID string, amount int, service string) (err error) {
	now := s.now()
	day := domain.CreditDay(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consume: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back consume", "error", rbErr)
			}
		}
	}()

	limit, used, err := s.usage(ctx, tx, userID, day)
	if err != nil {
		return err
	}
	if limit-used < amount {
		return ErrInsufficientCredits
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_usage (user_id, day, service, used, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day, service) DO UPDATE SET
			used = credit_usage.used + excluded.used,
			updated_at = excluded.updated_at`,
		userID, day, service, amount, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit consume: %w", err)
	}
	return nil
}

// ResetUsage clears the usage ledger for every user and day.
func (s *SQLiteStore) ResetUsage(ctx context.Context) (int64, error) {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM credit_usage`)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
