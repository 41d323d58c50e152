// Package store provides storage backends for GroupPulse.
//
// It exposes the narrow read/write contract the worker supervisor, connection
// workers and delivery pipeline consume, implemented for SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDSNNotSet is returned when a store is constructed without a DSN.
	ErrDSNNotSet = errors.New("database DSN not set")
)

// Opts holds configuration options for the store backends.
type Opts struct {
	DSN           string
	WatchInterval time.Duration // SQLite session watch poll interval
}

// Option defines a configuration option for the store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithWatchInterval sets how often the SQLite store polls for session changes.
func WithWatchInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.WatchInterval = d
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and keyword/value DSNs, otherwise "sqlite3".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// Keyword/value connection strings: "host=localhost user=app dbname=gp".
	if strings.Contains(dsn, "=") && strings.Contains(dsn, " ") && !strings.Contains(dsn, "?") {
		for _, kw := range []string{"host=", "dbname=", "user="} {
			if strings.Contains(dsn, kw) {
				return "postgres"
			}
		}
	}
	return "sqlite3"
}

// SessionRepo persists one connection-state record per user.
type SessionRepo interface {
	GetSession(ctx context.Context, userID string) (*models.WorkerSession, error)
	// ListSessionsByStatus returns every session whose status is one of statuses.
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.WorkerSession, error)
	// UpdateSession upserts the targeted fields of a user's session.
	UpdateSession(ctx context.Context, userID string, upd models.SessionUpdate) error
	// ClaimSession sets owner_worker_id to ownerID if the row is unowned, already ours,
	// or its heartbeat is older than staleBefore. Returns false if another owner holds it.
	ClaimSession(ctx context.Context, userID, ownerID string, staleBefore time.Time) (bool, error)
	// WatchSessions streams session changes until ctx is cancelled.
	WatchSessions(ctx context.Context) (<-chan models.SessionChange, error)
}

// GroupRepo persists the chat groups visible to each user.
type GroupRepo interface {
	// UpsertGroup returns the group row for (userID, chatJID), creating it if needed.
	UpsertGroup(ctx context.Context, userID, chatJID, name string) (*models.Group, error)
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
}

// InboundRepo persists received group messages; (group, external id) is unique.
type InboundRepo interface {
	// RecordInbound inserts msg and sets msg.ID. Returns false if the message was already recorded.
	RecordInbound(ctx context.Context, msg *models.InboundMessage) (bool, error)
	InboundExists(ctx context.Context, groupID, externalID string) (bool, error)
	// MarkInboundProcessed flips processed; verdict is nil for a deliberate skip.
	MarkInboundProcessed(ctx context.Context, id int64, verdict *models.Verdict) error
	RecordClassificationError(ctx context.Context, id int64, errMsg string) error
	ListUnprocessedInbound(ctx context.Context, userID string, receivedBefore time.Time, limit int) ([]models.InboundMessage, error)
	ListClassifiedSince(ctx context.Context, userID string, since time.Time) ([]models.InboundMessage, error)
}

// QueueRepo persists outbound notifications.
type QueueRepo interface {
	// EnqueueOutbound inserts entry as given (pending, or a terminal journal row) and returns its ID.
	EnqueueOutbound(ctx context.Context, entry models.OutboundQueueEntry) (string, error)
	// ClaimDueOutbound marks up to limit pending entries with scheduled_for <= now as sending.
	ClaimDueOutbound(ctx context.Context, now time.Time, limit int) ([]models.OutboundQueueEntry, error)
	MarkOutboundSent(ctx context.Context, id string) error
	// RescheduleOutbound records a failed attempt and returns the entry to pending at next.
	RescheduleOutbound(ctx context.Context, id, errMsg string, next time.Time) error
	// FailOutbound moves an entry to terminal failed; countAttempt increments retry_count.
	FailOutbound(ctx context.Context, id, errMsg string, countAttempt bool) error
	GetOutbound(ctx context.Context, id string) (*models.OutboundQueueEntry, error)
	ListOutboundByUser(ctx context.Context, userID string) ([]models.OutboundQueueEntry, error)
	// RequeueStaleSending returns entries stuck in sending since before staleBefore to pending.
	RequeueStaleSending(ctx context.Context, staleBefore time.Time) (int, error)
}

// ScanRepo persists history scan requests.
type ScanRepo interface {
	CreateScanRequest(ctx context.Context, groupID string) (string, error)
	GetScanRequest(ctx context.Context, id string) (*models.ScanRequest, error)
	ListPendingScanRequests(ctx context.Context, limit int) ([]models.ScanRequest, error)
	// MarkScanProcessing transitions pending -> processing. Returns false if the request was not pending.
	MarkScanProcessing(ctx context.Context, id string) (bool, error)
	CompleteScanRequest(ctx context.Context, id string, found int) error
	FailScanRequest(ctx context.Context, id, errMsg string) error
	RequeueStaleScanRequests(ctx context.Context, staleBefore time.Time) (int, error)
}

// UserRepo reads the user profile fields delivery depends on.
type UserRepo interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	UpsertUser(ctx context.Context, u models.User) error
	ListDigestUsers(ctx context.Context) ([]models.User, error)
}

// AlertRepo persists alerts, reminders and in-app notifications.
type AlertRepo interface {
	// CreateAlert inserts an alert once per message. Returns false if one already exists.
	CreateAlert(ctx context.Context, a *models.Alert) (bool, error)
	MarkAlertSent(ctx context.Context, id string) error
	ListUnsentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	// CreateReminder inserts a reminder once per (message, kind). Returns false if one already exists.
	CreateReminder(ctx context.Context, r *models.Reminder) (bool, error)
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error)
	MarkReminderSent(ctx context.Context, id string) error
	CreateNotification(ctx context.Context, n models.Notification) error
	ListNotifications(ctx context.Context, userID string) ([]models.Notification, error)
}

// Store is the full persistence contract.
type Store interface {
	SessionRepo
	GroupRepo
	InboundRepo
	QueueRepo
	ScanRepo
	UserRepo
	AlertRepo
	Close() error
}

// Open selects the backend from the DSN.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, ErrDSNNotSet
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("store.Open: using PostgreSQL backend")
		return NewPostgresStore(opts...)
	}
	slog.Debug("store.Open: using SQLite backend")
	return NewSQLiteStore(opts...)
}
