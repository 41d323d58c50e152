package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GroupPulse/internal/messaging"
	"github.com/BTreeMap/GroupPulse/internal/models"
)

// DispatchAlert sends an alert unless the user is in quiet hours, in which
// case it stays unsent for DispatchPendingAlerts. Opted-out users get the
// alert as an in-app notification instead.
func (m *Manager) DispatchAlert(ctx context.Context, alert models.Alert) error {
	_, err := m.dispatchAlert(ctx, alert)
	return err
}

func (m *Manager) dispatchAlert(ctx context.Context, alert models.Alert) (bool, error) {
	user, err := m.store.GetUser(ctx, alert.UserID)
	if err != nil {
		return false, fmt.Errorf("load user %s: %w", alert.UserID, err)
	}
	if !user.WAOptIn {
		m.notifyInApp(ctx, alert.UserID, "alert", alert.Content, models.NotificationPriorityHigh)
		return true, m.store.MarkAlertSent(ctx, alert.ID)
	}
	if user.InQuietHours(m.opts.Now(), m.opts.DefaultLocation) {
		slog.Info("Manager.DispatchAlert: quiet hours, holding alert", "user_id", alert.UserID, "alert_id", alert.ID)
		return false, nil
	}

	outcome, err := m.SendNow(ctx, Request{
		UserID:    alert.UserID,
		Type:      models.MessageTypeAlert,
		Content:   alert.Content,
		RelatedID: alert.ID,
	})
	if errors.Is(err, messaging.ErrInvalidRecipient) {
		m.notifyInApp(ctx, alert.UserID, "alert", alert.Content, models.NotificationPriorityHigh)
		return true, m.store.MarkAlertSent(ctx, alert.ID)
	}
	if err != nil {
		return false, fmt.Errorf("send alert %s: %w", alert.ID, err)
	}
	if !outcome.Accepted() {
		return false, nil
	}
	if err := m.store.MarkAlertSent(ctx, alert.ID); err != nil {
		return false, err
	}
	slog.Info("Manager.DispatchAlert: alert dispatched", "user_id", alert.UserID, "alert_id", alert.ID, "outcome", outcome)
	return true, nil
}

// DispatchPendingAlerts retries alerts left unsent, e.g. by quiet hours.
// Returns how many were handed off.
func (m *Manager) DispatchPendingAlerts(ctx context.Context) (int, error) {
	alerts, err := m.store.ListUnsentAlerts(ctx, m.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsent alerts: %w", err)
	}
	n := 0
	for _, a := range alerts {
		if ctx.Err() != nil {
			break
		}
		ok, err := m.dispatchAlert(ctx, a)
		if err != nil {
			slog.Error("Manager.DispatchPendingAlerts: dispatch failed", "user_id", a.UserID, "alert_id", a.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ProcessReminders delivers due calendar-candidate and schedule-update reminders.
// Reminders for users in quiet hours stay due for the next pass.
func (m *Manager) ProcessReminders(ctx context.Context) (int, error) {
	reminders, err := m.store.ListDueReminders(ctx, m.opts.Now(), m.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due reminders: %w", err)
	}
	n := 0
	for _, r := range reminders {
		if ctx.Err() != nil {
			break
		}
		ok, err := m.deliverReminder(ctx, r)
		if err != nil {
			slog.Error("Manager.ProcessReminders: reminder failed", "user_id", r.UserID, "reminder_id", r.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Manager) deliverReminder(ctx context.Context, r models.Reminder) (bool, error) {
	user, err := m.store.GetUser(ctx, r.UserID)
	if err != nil {
		return false, err
	}
	text := reminderText(r)
	if !user.WAOptIn {
		m.notifyInApp(ctx, r.UserID, string(r.Kind), text, models.NotificationPriorityNormal)
		return true, m.store.MarkReminderSent(ctx, r.ID)
	}
	if user.InQuietHours(m.opts.Now(), m.location(user)) {
		return false, nil
	}
	outcome, err := m.SendNow(ctx, Request{UserID: r.UserID, Type: models.MessageTypeReminder, Content: text, RelatedID: r.ID})
	if err != nil && !errors.Is(err, messaging.ErrInvalidRecipient) {
		return false, err
	}
	if err != nil {
		m.notifyInApp(ctx, r.UserID, string(r.Kind), text, models.NotificationPriorityNormal)
	} else if !outcome.Accepted() {
		return false, nil
	}
	return true, m.store.MarkReminderSent(ctx, r.ID)
}

func reminderText(r models.Reminder) string {
	switch r.Kind {
	case models.ReminderKindCalendarCandidate:
		return "📅 Possible calendar event: " + r.Content
	case models.ReminderKindScheduleUpdate:
		return "🔄 Schedule update: " + r.Content
	default:
		return r.Content
	}
}

// SendDigest delivers a daily digest. Digests are suppressed during quiet hours.
func (m *Manager) SendDigest(ctx context.Context, user models.User, content string) (Outcome, error) {
	if user.InQuietHours(m.opts.Now(), m.location(&user)) {
		slog.Info("Manager.SendDigest: quiet hours, digest suppressed", "user_id", user.ID)
		return OutcomeSuppressed, nil
	}
	return m.SendNow(ctx, Request{UserID: user.ID, Type: models.MessageTypeDigest, Content: content})
}

// NotifyUser sends an out-of-band notice. If WhatsApp delivery is not
// possible right now, the notice is recorded in-app instead.
func (m *Manager) NotifyUser(ctx context.Context, userID, text string, priority models.NotificationPriority) error {
	if !m.InBlackout() {
		phone, err := m.recipient(ctx, userID)
		if err == nil {
			if _, err = m.sender.Send(ctx, phone, text); err == nil {
				m.opts.Metrics.DeliveryAttempt(string(models.MessageTypeNotice), "sent")
				_, jerr := m.enqueue(ctx, Request{UserID: userID, Type: models.MessageTypeNotice, Content: text},
					models.QueueStatusSent, m.opts.Now(), "")
				if jerr != nil {
					slog.Error("Manager.NotifyUser: failed to journal notice", "user_id", userID, "error", jerr)
				}
				return nil
			}
			m.opts.Metrics.DeliveryAttempt(string(models.MessageTypeNotice), "failed")
		}
		slog.Warn("Manager.NotifyUser: whatsapp notice unavailable, recording in-app", "user_id", userID, "error", err)
	}
	if err := m.store.CreateNotification(ctx, models.Notification{
		UserID:   userID,
		Kind:     "notice",
		Message:  text,
		Priority: priority,
	}); err != nil {
		return fmt.Errorf("record notice for %s: %w", userID, err)
	}
	return nil
}
