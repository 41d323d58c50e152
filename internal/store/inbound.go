package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

const inboundColumns = `id, group_id, external_id, user_id, body, sender_id, sender_name, received_at,
	processed, category, urgency, summary, action_required, classification_error, classify_attempts`

func scanInbound(row rowScanner) (models.InboundMessage, error) {
	var m models.InboundMessage
	var senderName, category, summary, classErr sql.NullString
	err := row.Scan(&m.ID, &m.GroupID, &m.ExternalID, &m.UserID, &m.Body, &m.SenderID, &senderName, &m.ReceivedAt,
		&m.Processed, &category, &m.Urgency, &summary, &m.ActionRequired, &classErr, &m.ClassifyAttempts)
	if err != nil {
		return m, err
	}
	m.SenderName = senderName.String
	m.Category = models.Category(category.String)
	m.Summary = summary.String
	m.ClassificationErr = classErr.String
	m.ReceivedAt = m.ReceivedAt.UTC()
	return m, nil
}

// RecordInbound relies on the (group_id, external_id) unique key, so concurrent
// deliveries of the same message insert exactly once.
func (s *sqlDB) RecordInbound(ctx context.Context, msg *models.InboundMessage) (bool, error) {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO inbound_messages (group_id, external_id, user_id, body, sender_id, sender_name, received_at, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT(group_id, external_id) DO NOTHING
		RETURNING id`),
		msg.GroupID, msg.ExternalID, msg.UserID, msg.Body, msg.SenderID, nilIfEmpty(msg.SenderName),
		receivedAt.UTC(), utcNow()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("store.RecordInbound: duplicate", "groupID", msg.GroupID, "externalID", msg.ExternalID)
		return false, nil
	}
	if err != nil {
		slog.Error("store.RecordInbound failed", "error", err, "groupID", msg.GroupID, "externalID", msg.ExternalID)
		return false, fmt.Errorf("record inbound %s: %w", msg.ExternalID, err)
	}
	msg.ID = id
	msg.ReceivedAt = receivedAt.UTC()
	return true, nil
}

func (s *sqlDB) InboundExists(ctx context.Context, groupID, externalID string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM inbound_messages WHERE group_id = ? AND external_id = ?`),
		groupID, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inbound exists check failed: %w", err)
	}
	return true, nil
}

// MarkInboundProcessed is idempotent; a processed message is never reclassified.
func (s *sqlDB) MarkInboundProcessed(ctx context.Context, id int64, verdict *models.Verdict) error {
	var err error
	if verdict == nil {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE inbound_messages SET processed = TRUE, classification_error = NULL WHERE id = ? AND processed = FALSE`), id)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE inbound_messages SET processed = TRUE, category = ?, urgency = ?, summary = ?, action_required = ?,
				classification_error = NULL
			WHERE id = ? AND processed = FALSE`),
			string(verdict.Category), verdict.Urgency, verdict.Summary, verdict.ActionRequired, id)
	}
	if err != nil {
		slog.Error("store.MarkInboundProcessed failed", "error", err, "id", id)
		return fmt.Errorf("mark inbound %d processed: %w", id, err)
	}
	return nil
}

// RecordClassificationError stores the latest failure and counts the attempt.
func (s *sqlDB) RecordClassificationError(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE inbound_messages SET classification_error = ?, classify_attempts = classify_attempts + 1
		WHERE id = ? AND processed = FALSE`), errMsg, id)
	if err != nil {
		return fmt.Errorf("record classification error for %d: %w", id, err)
	}
	return nil
}

// ListUnprocessedInbound returns the oldest unprocessed messages first. An empty
// userID lists across all users. Messages that failed classification
// models.MaxClassifyAttempts times are left out.
func (s *sqlDB) ListUnprocessedInbound(ctx context.Context, userID string, receivedBefore time.Time, limit int) ([]models.InboundMessage, error) {
	query := `SELECT ` + inboundColumns + ` FROM inbound_messages
		WHERE processed = FALSE AND received_at < ? AND classify_attempts < ?`
	args := []interface{}{receivedBefore.UTC(), models.MaxClassifyAttempts}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY received_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.queryInbound(ctx, query, args...)
}

func (s *sqlDB) ListClassifiedSince(ctx context.Context, userID string, since time.Time) ([]models.InboundMessage, error) {
	return s.queryInbound(ctx, `SELECT `+inboundColumns+` FROM inbound_messages
		WHERE user_id = ? AND processed = TRUE AND category IS NOT NULL AND received_at >= ?
		ORDER BY urgency DESC, received_at ASC`, userID, since.UTC())
}

func (s *sqlDB) queryInbound(ctx context.Context, query string, args ...interface{}) ([]models.InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query inbound messages failed: %w", err)
	}
	defer rows.Close()
	var msgs []models.InboundMessage
	for rows.Next() {
		m, err := scanInbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbound messages failed: %w", err)
	}
	return msgs, nil
}
