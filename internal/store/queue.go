package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/util"
)

const outboundColumns = `id, user_id, message_type, content, scheduled_for, status, retry_count, related_id, last_error, created_at, updated_at`

func scanOutbound(row rowScanner) (models.OutboundQueueEntry, error) {
	var e models.OutboundQueueEntry
	var relatedID, lastError sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &e.MessageType, &e.Content, &e.ScheduledFor, &e.Status, &e.RetryCount,
		&relatedID, &lastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.RelatedID = relatedID.String
	e.LastError = lastError.String
	e.ScheduledFor = e.ScheduledFor.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (s *sqlDB) EnqueueOutbound(ctx context.Context, entry models.OutboundQueueEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = util.GenerateQueueEntryID()
	}
	if entry.Status == "" {
		entry.Status = models.QueueStatusPending
	}
	now := utcNow()
	if entry.ScheduledFor.IsZero() {
		entry.ScheduledFor = now
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO outbound_queue (id, user_id, message_type, content, scheduled_for, status, retry_count, related_id, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.UserID, string(entry.MessageType), entry.Content, entry.ScheduledFor.UTC(), string(entry.Status),
		entry.RetryCount, nilIfEmpty(entry.RelatedID), nilIfEmpty(entry.LastError), now, now)
	if err != nil {
		slog.Error("store.EnqueueOutbound failed", "error", err, "userID", entry.UserID, "type", entry.MessageType)
		return "", fmt.Errorf("enqueue outbound for %s: %w", entry.UserID, err)
	}
	slog.Debug("store.EnqueueOutbound", "id", entry.ID, "userID", entry.UserID, "status", entry.Status, "scheduledFor", entry.ScheduledFor)
	return entry.ID, nil
}

// ClaimDueOutbound moves due pending entries to sending. The conditional update
// keeps two concurrent drains from claiming the same entry.
func (s *sqlDB) ClaimDueOutbound(ctx context.Context, now time.Time, limit int) ([]models.OutboundQueueEntry, error) {
	now = now.UTC()
	var claimed []models.OutboundQueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+outboundColumns+` FROM outbound_queue
			WHERE status = 'pending' AND scheduled_for <= ? ORDER BY scheduled_for ASC, created_at ASC LIMIT ?`), now, limit)
		if err != nil {
			return fmt.Errorf("select due outbound failed: %w", err)
		}
		var due []models.OutboundQueueEntry
		for rows.Next() {
			e, err := scanOutbound(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan outbound failed: %w", err)
			}
			due = append(due, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate due outbound failed: %w", err)
		}

		for _, e := range due {
			res, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE outbound_queue SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`),
				now, now, e.ID)
			if err != nil {
				return fmt.Errorf("mark outbound sending failed: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				e.Status = models.QueueStatusSending
				e.UpdatedAt = now
				claimed = append(claimed, e)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("store.ClaimDueOutbound failed", "error", err)
		return nil, err
	}
	return claimed, nil
}

func (s *sqlDB) MarkOutboundSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE outbound_queue SET status = 'sent', last_error = NULL, locked_at = NULL, updated_at = ? WHERE id = ? AND status IN ('pending', 'sending')`),
		utcNow(), id)
	if err != nil {
		return fmt.Errorf("mark outbound %s sent: %w", id, err)
	}
	return nil
}

func (s *sqlDB) RescheduleOutbound(ctx context.Context, id, errMsg string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outbound_queue SET status = 'pending', retry_count = retry_count + 1, last_error = ?, scheduled_for = ?,
			locked_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'sending')`),
		errMsg, next.UTC(), utcNow(), id)
	if err != nil {
		return fmt.Errorf("reschedule outbound %s: %w", id, err)
	}
	return nil
}

func (s *sqlDB) FailOutbound(ctx context.Context, id, errMsg string, countAttempt bool) error {
	inc := 0
	if countAttempt {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outbound_queue SET status = 'failed', retry_count = retry_count + ?, last_error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'sending')`),
		inc, errMsg, utcNow(), id)
	if err != nil {
		return fmt.Errorf("fail outbound %s: %w", id, err)
	}
	return nil
}

func (s *sqlDB) GetOutbound(ctx context.Context, id string) (*models.OutboundQueueEntry, error) {
	e, err := scanOutbound(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+outboundColumns+` FROM outbound_queue WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbound %s: %w", id, err)
	}
	return &e, nil
}

func (s *sqlDB) ListOutboundByUser(ctx context.Context, userID string) ([]models.OutboundQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+outboundColumns+` FROM outbound_queue WHERE user_id = ? ORDER BY created_at ASC, id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list outbound for %s: %w", userID, err)
	}
	defer rows.Close()
	var entries []models.OutboundQueueEntry
	for rows.Next() {
		e, err := scanOutbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbound failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqlDB) RequeueStaleSending(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE outbound_queue SET status = 'pending', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		utcNow(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("store.RequeueStaleSending", "requeued", n)
	}
	return int(n), nil
}
