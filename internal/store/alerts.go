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

func (s *sqlDB) CreateAlert(ctx context.Context, a *models.Alert) (bool, error) {
	if a.ID == "" {
		a.ID = util.GenerateAlertID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = utcNow()
	}
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO alerts (id, user_id, message_id, content, urgency, sent, created_at) VALUES (?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT(message_id) DO NOTHING
		RETURNING id`),
		a.ID, a.UserID, a.MessageID, a.Content, a.Urgency, a.CreatedAt.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("store.CreateAlert: alert already exists", "messageID", a.MessageID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create alert for message %d: %w", a.MessageID, err)
	}
	return true, nil
}

func (s *sqlDB) MarkAlertSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE alerts SET sent = TRUE, sent_at = ? WHERE id = ? AND sent = FALSE`), utcNow(), id)
	if err != nil {
		return fmt.Errorf("mark alert %s sent: %w", id, err)
	}
	return nil
}

func (s *sqlDB) ListUnsentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, user_id, message_id, content, urgency, sent, created_at, sent_at
		FROM alerts WHERE sent = FALSE ORDER BY created_at ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list unsent alerts failed: %w", err)
	}
	defer rows.Close()
	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var sentAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.MessageID, &a.Content, &a.Urgency, &a.Sent, &a.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan alert failed: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.SentAt = nullTimePtr(sentAt)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *sqlDB) CreateReminder(ctx context.Context, r *models.Reminder) (bool, error) {
	if r.ID == "" {
		r.ID = util.GenerateReminderID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = utcNow()
	}
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO reminders (id, user_id, message_id, kind, content, remind_at, sent, created_at) VALUES (?, ?, ?, ?, ?, ?, FALSE, ?)
		ON CONFLICT(message_id, kind) DO NOTHING
		RETURNING id`),
		r.ID, r.UserID, r.MessageID, string(r.Kind), r.Content, r.RemindAt.UTC(), r.CreatedAt.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create reminder for message %d: %w", r.MessageID, err)
	}
	return true, nil
}

func (s *sqlDB) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, user_id, message_id, kind, content, remind_at, sent, created_at
		FROM reminders WHERE sent = FALSE AND remind_at <= ? ORDER BY remind_at ASC LIMIT ?`), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders failed: %w", err)
	}
	defer rows.Close()
	var reminders []models.Reminder
	for rows.Next() {
		var r models.Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.MessageID, &r.Kind, &r.Content, &r.RemindAt, &r.Sent, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder failed: %w", err)
		}
		r.RemindAt = r.RemindAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

func (s *sqlDB) MarkReminderSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE reminders SET sent = TRUE WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("mark reminder %s sent: %w", id, err)
	}
	return nil
}

func (s *sqlDB) CreateNotification(ctx context.Context, n models.Notification) error {
	if n.ID == "" {
		n.ID = util.GenerateNotificationID()
	}
	if n.Priority == "" {
		n.Priority = models.NotificationPriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = utcNow()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO notifications (id, user_id, kind, message, priority, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		n.ID, n.UserID, n.Kind, n.Message, string(n.Priority), n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create notification for %s: %w", n.UserID, err)
	}
	return nil
}

func (s *sqlDB) ListNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, user_id, kind, message, priority, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at ASC, id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &n.Priority, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification failed: %w", err)
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}
