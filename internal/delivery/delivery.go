// Package delivery sends notifications to users and owns the outbound queue.
//
// Every send honours the weekly blackout window; failed sends are queued and
// retried until they are delivered or terminally failed, so no message is lost
// silently.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/messaging"
	"github.com/BTreeMap/GroupPulse/internal/metrics"
	"github.com/BTreeMap/GroupPulse/internal/models"
)

// Defaults for the delivery policy.
const (
	DefaultSendAttempts = 3
	DefaultAttemptStep  = 2 * time.Second
	DefaultBatchSize    = 50
	DefaultMaxRetries   = 3
	DefaultRetryStep    = 5 * time.Minute
)

// ErrOptedOut is returned when the recipient has not opted into WhatsApp delivery.
var ErrOptedOut = errors.New("recipient opted out of whatsapp delivery")

// Store is the persistence the delivery manager needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	EnqueueOutbound(ctx context.Context, entry models.OutboundQueueEntry) (string, error)
	ClaimDueOutbound(ctx context.Context, now time.Time, limit int) ([]models.OutboundQueueEntry, error)
	MarkOutboundSent(ctx context.Context, id string) error
	RescheduleOutbound(ctx context.Context, id, errMsg string, next time.Time) error
	FailOutbound(ctx context.Context, id, errMsg string, countAttempt bool) error
	RequeueStaleSending(ctx context.Context, staleBefore time.Time) (int, error)
	MarkAlertSent(ctx context.Context, id string) error
	ListUnsentAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]models.Reminder, error)
	MarkReminderSent(ctx context.Context, id string) error
	CreateNotification(ctx context.Context, n models.Notification) error
}

// Outcome describes what SendNow did with a request.
type Outcome int

const (
	// OutcomeSent means the transport accepted the message.
	OutcomeSent Outcome = iota
	// OutcomeDeferred means the blackout window was active and the message was queued for its end.
	OutcomeDeferred
	// OutcomeQueued means every attempt failed and the message was queued for a later retry.
	OutcomeQueued
	// OutcomeSuppressed means quiet hours held the message back.
	OutcomeSuppressed
	// OutcomeRejected means the message can never be sent to this user.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeQueued:
		return "queued"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Accepted reports whether delivery of the message is now owned by the
// transport or the queue.
func (o Outcome) Accepted() bool {
	return o == OutcomeSent || o == OutcomeDeferred || o == OutcomeQueued
}

// Request is one notification to deliver.
type Request struct {
	UserID    string
	Type      models.MessageType
	Content   string
	RelatedID string
}

// Opts holds configuration options for the Manager.
type Opts struct {
	Blackout        BlackoutWindow
	SendAttempts    int
	AttemptStep     time.Duration
	BatchSize       int
	MaxRetries      int
	RetryStep       time.Duration
	DefaultLocation *time.Location
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithBlackout sets the weekly blackout window.
func WithBlackout(b BlackoutWindow) Option {
	return func(o *Opts) {
		o.Blackout = b
	}
}

// WithSendPolicy sets the immediate attempts and the linear delay step between them.
func WithSendPolicy(attempts int, step time.Duration) Option {
	return func(o *Opts) {
		o.SendAttempts = attempts
		o.AttemptStep = step
	}
}

// WithQueuePolicy sets the drain batch size, the retry ceiling and the reschedule step.
func WithQueuePolicy(batchSize, maxRetries int, retryStep time.Duration) Option {
	return func(o *Opts) {
		o.BatchSize = batchSize
		o.MaxRetries = maxRetries
		o.RetryStep = retryStep
	}
}

// WithDefaultLocation sets the timezone used for users without one.
func WithDefaultLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.DefaultLocation = loc
	}
}

// WithMetrics sets the collectors the manager reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Manager delivers notifications through a messaging.Sender.
type Manager struct {
	store  Store
	sender messaging.Sender
	opts   Opts
}

// NewManager creates a delivery manager.
func NewManager(st Store, sender messaging.Sender, opts ...Option) *Manager {
	cfg := Opts{
		SendAttempts:    DefaultSendAttempts,
		AttemptStep:     DefaultAttemptStep,
		BatchSize:       DefaultBatchSize,
		MaxRetries:      DefaultMaxRetries,
		RetryStep:       DefaultRetryStep,
		DefaultLocation: time.UTC,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SendAttempts < 1 {
		cfg.SendAttempts = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Manager{store: st, sender: sender, opts: cfg}
}

// InBlackout reports whether the blackout window is active now.
func (m *Manager) InBlackout() bool {
	return m.opts.Blackout.Contains(m.opts.Now())
}

// SendNow delivers req immediately unless the blackout window is active, in
// which case it is queued for the window's end without touching the transport.
// Opted-out users are never sent to. When every attempt fails the message is
// queued for the queue drain and the user gets a low-priority in-app notice.
func (m *Manager) SendNow(ctx context.Context, req Request) (Outcome, error) {
	now := m.opts.Now()
	if m.opts.Blackout.Contains(now) {
		at := m.opts.Blackout.NextSafe(now)
		if _, err := m.enqueue(ctx, req, models.QueueStatusPending, at, ""); err != nil {
			return OutcomeDeferred, err
		}
		slog.Info("Manager.SendNow: deferred by blackout window", "user_id", req.UserID, "type", req.Type, "scheduled_for", at)
		m.opts.Metrics.DeliveryAttempt(string(req.Type), "deferred")
		return OutcomeDeferred, nil
	}

	phone, err := m.recipient(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrOptedOut) || errors.Is(err, messaging.ErrInvalidRecipient) {
			m.opts.Metrics.DeliveryAttempt(string(req.Type), "rejected")
			return OutcomeRejected, err
		}
		return OutcomeRejected, fmt.Errorf("load recipient: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.SendAttempts; attempt++ {
		_, err := m.sender.Send(ctx, phone, req.Content)
		if err == nil {
			m.opts.Metrics.DeliveryAttempt(string(req.Type), "sent")
			if _, jerr := m.enqueue(ctx, req, models.QueueStatusSent, now, ""); jerr != nil {
				slog.Error("Manager.SendNow: failed to journal sent message", "user_id", req.UserID, "error", jerr)
			}
			return OutcomeSent, nil
		}
		lastErr = err
		m.opts.Metrics.DeliveryAttempt(string(req.Type), "failed")
		slog.Warn("Manager.SendNow: send attempt failed", "user_id", req.UserID, "attempt", attempt, "error", err)
		if attempt == m.opts.SendAttempts {
			break
		}
		if err := sleep(ctx, time.Duration(attempt)*m.opts.AttemptStep); err != nil {
			lastErr = err
			break
		}
	}

	retryAt := m.opts.Now().Add(m.opts.RetryStep)
	if _, err := m.enqueue(ctx, req, models.QueueStatusPending, retryAt, lastErr.Error()); err != nil {
		return OutcomeQueued, err
	}
	m.notifyInApp(ctx, req.UserID, "delivery_delayed",
		"We could not deliver a WhatsApp notification right away. We will keep trying.", models.NotificationPriorityLow)
	return OutcomeQueued, nil
}

// ProcessQueue sends due pending entries and returns how many were delivered.
// It does nothing while the blackout window is active.
func (m *Manager) ProcessQueue(ctx context.Context) (int, error) {
	now := m.opts.Now()
	if m.opts.Blackout.Contains(now) {
		slog.Debug("Manager.ProcessQueue: inside blackout window, skipping")
		return 0, nil
	}
	entries, err := m.store.ClaimDueOutbound(ctx, now, m.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due entries: %w", err)
	}

	sent := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if m.deliverEntry(ctx, e) {
			sent++
		}
	}
	if len(entries) > 0 {
		slog.Info("Manager.ProcessQueue: batch processed", "claimed", len(entries), "sent", sent)
	}
	m.opts.Metrics.QueueSent(sent)
	return sent, nil
}

func (m *Manager) deliverEntry(ctx context.Context, e models.OutboundQueueEntry) bool {
	phone, err := m.recipient(ctx, e.UserID)
	if err != nil {
		if errors.Is(err, ErrOptedOut) || errors.Is(err, messaging.ErrInvalidRecipient) {
			if ferr := m.store.FailOutbound(ctx, e.ID, err.Error(), false); ferr != nil {
				slog.Error("Manager.ProcessQueue: failed to fail entry", "id", e.ID, "error", ferr)
			}
			m.opts.Metrics.DeliveryAttempt(string(e.MessageType), "rejected")
			return false
		}
		// Store error: put the entry back for a later pass.
		slog.Error("Manager.ProcessQueue: failed to load recipient", "id", e.ID, "user_id", e.UserID, "error", err)
		if rerr := m.store.RescheduleOutbound(ctx, e.ID, err.Error(), m.opts.Now().Add(m.opts.RetryStep)); rerr != nil {
			slog.Error("Manager.ProcessQueue: failed to reschedule entry", "id", e.ID, "error", rerr)
		}
		return false
	}

	if _, err := m.sender.Send(ctx, phone, e.Content); err != nil {
		m.opts.Metrics.DeliveryAttempt(string(e.MessageType), "failed")
		m.retryOrFail(ctx, e, err)
		return false
	}
	m.opts.Metrics.DeliveryAttempt(string(e.MessageType), "sent")
	if err := m.store.MarkOutboundSent(ctx, e.ID); err != nil {
		slog.Error("Manager.ProcessQueue: failed to mark entry sent", "id", e.ID, "error", err)
	}
	return true
}

// retryOrFail reschedules e at now + retries*RetryStep, or fails it terminally at the ceiling.
func (m *Manager) retryOrFail(ctx context.Context, e models.OutboundQueueEntry, sendErr error) {
	retries := e.RetryCount + 1
	if retries >= m.opts.MaxRetries {
		slog.Warn("Manager.ProcessQueue: retry ceiling reached", "id", e.ID, "user_id", e.UserID, "retries", retries, "error", sendErr)
		if err := m.store.FailOutbound(ctx, e.ID, sendErr.Error(), true); err != nil {
			slog.Error("Manager.ProcessQueue: failed to fail entry", "id", e.ID, "error", err)
			return
		}
		m.notifyInApp(ctx, e.UserID, "delivery_failed",
			fmt.Sprintf("A %s notification could not be delivered to WhatsApp after %d attempts.", e.MessageType, retries),
			models.NotificationPriorityNormal)
		return
	}
	next := m.opts.Now().Add(time.Duration(retries) * m.opts.RetryStep)
	if err := m.store.RescheduleOutbound(ctx, e.ID, sendErr.Error(), next); err != nil {
		slog.Error("Manager.ProcessQueue: failed to reschedule entry", "id", e.ID, "error", err)
		return
	}
	slog.Info("Manager.ProcessQueue: entry rescheduled", "id", e.ID, "retries", retries, "next", next)
}

// RecoverStale returns entries left in sending for longer than olderThan to pending.
func (m *Manager) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := m.store.RequeueStaleSending(ctx, m.opts.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale entries: %w", err)
	}
	if n > 0 {
		slog.Info("Manager.RecoverStale: requeued stale entries", "count", n)
	}
	return n, nil
}

// recipient returns the canonical phone of an opted-in user.
func (m *Manager) recipient(ctx context.Context, userID string) (string, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.WAOptIn {
		return "", ErrOptedOut
	}
	return messaging.ValidateAndCanonicalizeRecipient(user.Phone)
}

func (m *Manager) enqueue(ctx context.Context, req Request, status models.QueueStatus, at time.Time, lastErr string) (string, error) {
	return m.store.EnqueueOutbound(ctx, models.OutboundQueueEntry{
		UserID:       req.UserID,
		MessageType:  req.Type,
		Content:      req.Content,
		ScheduledFor: at,
		Status:       status,
		RelatedID:    req.RelatedID,
		LastError:    lastErr,
	})
}

func (m *Manager) notifyInApp(ctx context.Context, userID, kind, text string, priority models.NotificationPriority) {
	err := m.store.CreateNotification(ctx, models.Notification{
		UserID:   userID,
		Kind:     kind,
		Message:  text,
		Priority: priority,
	})
	if err != nil {
		slog.Error("Manager.notifyInApp: failed to create notification", "user_id", userID, "kind", kind, "error", err)
	}
}

func (m *Manager) location(u *models.User) *time.Location {
	if u.Timezone != "" {
		if loc, err := time.LoadLocation(u.Timezone); err == nil {
			return loc
		}
	}
	return m.opts.DefaultLocation
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
