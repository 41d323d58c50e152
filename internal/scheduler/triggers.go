package scheduler

import (
	"context"
	"errors"
	"log/slog"
)

// Trigger names.
const (
	JobDigest     = "digest"
	JobQueueDrain = "queue_drain"
	JobReminders  = "reminders"
	JobReprocess  = "reprocess"
)

// Default trigger expressions.
const (
	DefaultDigestExpr     = "0 20 * * *"
	DefaultQueueDrainExpr = "@every 5m"
	DefaultRemindersExpr  = "@every 10m"
	DefaultReprocessExpr  = "@every 15m"
)

// Queue is the delivery side the queue drain and reminder triggers call.
type Queue interface {
	ProcessQueue(ctx context.Context) (int, error)
	DispatchPendingAlerts(ctx context.Context) (int, error)
	ProcessReminders(ctx context.Context) (int, error)
}

// Digester sends the daily digests.
type Digester interface {
	Run(ctx context.Context) (int, error)
}

// Reprocessor retries classification of unprocessed inbound messages.
type Reprocessor interface {
	ReprocessPending(ctx context.Context) (int, error)
}

// Triggers holds the expressions of the standard triggers. An empty
// expression disables that trigger.
type Triggers struct {
	Digest     string
	QueueDrain string
	Reminders  string
	Reprocess  string
}

// DefaultTriggers returns the standard schedule.
func DefaultTriggers() Triggers {
	return Triggers{
		Digest:     DefaultDigestExpr,
		QueueDrain: DefaultQueueDrainExpr,
		Reminders:  DefaultRemindersExpr,
		Reprocess:  DefaultReprocessExpr,
	}
}

// Register schedules the standard triggers. A nil dependency skips the
// triggers that need it.
func (s *Scheduler) Register(t Triggers, q Queue, d Digester, r Reprocessor) error {
	var errs []error
	add := func(name, expr string, job Job) {
		if expr == "" {
			slog.Info("Scheduler.Register: trigger disabled", "job", name)
			return
		}
		if err := s.AddJob(name, expr, job); err != nil {
			errs = append(errs, err)
		}
	}
	if d != nil {
		add(JobDigest, t.Digest, DigestJob(d))
	}
	if q != nil {
		add(JobQueueDrain, t.QueueDrain, QueueDrainJob(q))
		add(JobReminders, t.Reminders, RemindersJob(q))
	}
	if r != nil {
		add(JobReprocess, t.Reprocess, ReprocessJob(r))
	}
	return errors.Join(errs...)
}

// DigestJob sends the daily digests.
func DigestJob(d Digester) Job {
	return func(ctx context.Context) error {
		n, err := d.Run(ctx)
		if err != nil {
			return err
		}
		slog.Info("Scheduler.digest: run complete", "sent", n)
		return nil
	}
}

// QueueDrainJob drains due outbound entries and dispatches alerts held back
// by quiet hours. Both halves run even if one fails.
func QueueDrainJob(q Queue) Job {
	return func(ctx context.Context) error {
		sent, qerr := q.ProcessQueue(ctx)
		alerts, aerr := q.DispatchPendingAlerts(ctx)
		if sent > 0 || alerts > 0 {
			slog.Info("Scheduler.queueDrain: run complete", "queue_sent", sent, "alerts_dispatched", alerts)
		}
		return errors.Join(qerr, aerr)
	}
}

// RemindersJob delivers due reminders.
func RemindersJob(q Queue) Job {
	return func(ctx context.Context) error {
		n, err := q.ProcessReminders(ctx)
		if n > 0 {
			slog.Info("Scheduler.reminders: run complete", "sent", n)
		}
		return err
	}
}

// ReprocessJob retries classification of messages left unprocessed.
func ReprocessJob(r Reprocessor) Job {
	return func(ctx context.Context) error {
		n, err := r.ReprocessPending(ctx)
		if n > 0 {
			slog.Info("Scheduler.reprocess: run complete", "processed", n)
		}
		return err
	}
}
