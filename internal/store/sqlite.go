// Package store provides storage backends for GroupPulse.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/GroupPulse/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// DefaultWatchInterval is how often the SQLite store polls for session changes.
	DefaultWatchInterval = 2 * time.Second
	// sqliteDSNParams are appended to bare file paths.
	sqliteDSNParams = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store on a single SQLite database file.
type SQLiteStore struct {
	sqlDB
	watchInterval time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file, optionally with query parameters.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	} else {
		dsn = dsn + "?" + sqliteDSNParams
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: open failed", "error", err)
		return nil, err
	}
	// One writer at a time; keeps claims and dedup inserts serialized.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "path", path)

	interval := cfg.WatchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &SQLiteStore{sqlDB: sqlDB{db: db}, watchInterval: interval}, nil
}

// WatchSessions polls worker_sessions for rows updated since the previous poll.
// Every status write bumps updated_at, so a poll sees every change at least once.
func (s *SQLiteStore) WatchSessions(ctx context.Context) (<-chan models.SessionChange, error) {
	since := time.Now().UTC()
	out := make(chan models.SessionChange, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.watchInterval)
		defer ticker.Stop()
		last := map[string]models.SessionStatus{}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			changes, next, err := s.sessionsUpdatedSince(ctx, since)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("SQLiteStore.WatchSessions: poll failed", "error", err)
				continue
			}
			since = next
			for _, c := range changes {
				if last[c.UserID] == c.Status {
					continue
				}
				last[c.UserID] = c.Status
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SQLiteStore) sessionsUpdatedSince(ctx context.Context, since time.Time) ([]models.SessionChange, time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, status, updated_at FROM worker_sessions WHERE updated_at > ? ORDER BY updated_at ASC`,
		since)
	if err != nil {
		return nil, since, fmt.Errorf("query session changes failed: %w", err)
	}
	defer rows.Close()
	next := since
	var changes []models.SessionChange
	for rows.Next() {
		var c models.SessionChange
		var updatedAt time.Time
		if err := rows.Scan(&c.UserID, &c.Status, &updatedAt); err != nil {
			return nil, since, fmt.Errorf("scan session change failed: %w", err)
		}
		if updatedAt.After(next) {
			next = updatedAt
		}
		changes = append(changes, c)
	}
	return changes, next, rows.Err()
}
