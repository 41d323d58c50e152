// Package store provides storage backends for GroupPulse.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute

	// SessionChangeChannel is the LISTEN/NOTIFY channel fed by the worker_sessions trigger.
	SessionChangeChannel = "worker_sessions_changed"

	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store on PostgreSQL.
type PostgresStore struct {
	sqlDB
	dsn string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: open failed", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{sqlDB: sqlDB{db: db, postgres: true}, dsn: dsn}, nil
}

// WatchSessions subscribes to session changes over LISTEN/NOTIFY.
// After a listener reconnect the full non-terminal set is replayed, since
// notifications sent while disconnected are lost.
func (s *PostgresStore) WatchSessions(ctx context.Context) (<-chan models.SessionChange, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("PostgresStore.WatchSessions: listener event", "event", ev, "error", err)
		}
	}
	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, reportProblem)
	if err := listener.Listen(SessionChangeChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s failed: %w", SessionChangeChannel, err)
	}
	slog.Debug("PostgresStore.WatchSessions: listening", "channel", SessionChangeChannel)

	out := make(chan models.SessionChange, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		ping := time.NewTicker(listenerPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					slog.Warn("PostgresStore.WatchSessions: ping failed", "error", err)
				}
			case n := <-listener.Notify:
				if n == nil {
					// Connection was re-established.
					s.replaySessions(ctx, out)
					continue
				}
				var c models.SessionChange
				if err := json.Unmarshal([]byte(n.Extra), &c); err != nil {
					slog.Warn("PostgresStore.WatchSessions: bad payload", "payload", n.Extra, "error", err)
					continue
				}
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

func (s *PostgresStore) replaySessions(ctx context.Context, out chan<- models.SessionChange) {
	sessions, err := s.ListSessionsByStatus(ctx, models.WorkerStartStatuses...)
	if err != nil {
		slog.Warn("PostgresStore.replaySessions: list failed", "error", err)
		return
	}
	for _, sess := range sessions {
		select {
		case out <- models.SessionChange{UserID: sess.UserID, Status: sess.Status}:
		case <-ctx.Done():
			return
		}
	}
}
