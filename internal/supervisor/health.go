package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/worker"
)

// HealthReport summarises one health check pass.
type HealthReport struct {
	Checked        int
	MarkedUnstable int
	Reconnecting   int
	Adopted        int
}

func (s *Supervisor) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.HealthCheck(s.runCtx)
		}
	}
}

// HealthCheck marks connected workers whose heartbeat lapsed as unstable and
// starts a reconnect for unstable or disconnected workers that stayed silent
// past the reconnect threshold. Reconnects run in the background. Sessions
// skipped earlier because another instance owned them are claimed again once
// that owner's heartbeat has gone stale.
func (s *Supervisor) HealthCheck(ctx context.Context) HealthReport {
	now := s.opts.Now()
	var report HealthReport
	for _, w := range s.snapshot() {
		report.Checked++
		age := w.HeartbeatAge(now)
		switch w.Status() {
		case models.SessionStatusConnected:
			if age > s.opts.StaleThreshold && w.MarkUnstable(ctx) {
				report.MarkedUnstable++
			}
		case models.SessionStatusUnstable, models.SessionStatusDisconnected:
			if age > s.opts.ReconnectThreshold {
				report.Reconnecting++
				s.reconnect(w)
			}
		}
	}
	for _, userID := range s.Deferred() {
		s.StartWorker(ctx, userID)
		if s.Worker(userID) != nil {
			report.Adopted++
		}
	}
	if report.MarkedUnstable > 0 || report.Reconnecting > 0 || report.Adopted > 0 {
		slog.Info("Supervisor.HealthCheck: recovery actions taken",
			"checked", report.Checked, "unstable", report.MarkedUnstable, "reconnecting", report.Reconnecting, "adopted", report.Adopted)
	}
	return report
}

func (s *Supervisor) reconnect(w *worker.Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := w.Reconnect(s.runCtx)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrReconnectInProgress), errors.Is(err, worker.ErrStopped), errors.Is(err, context.Canceled):
			slog.Debug("Supervisor.reconnect: reconnect skipped", "user_id", w.UserID(), "reason", err)
		default:
			slog.Warn("Supervisor.reconnect: reconnect failed", "user_id", w.UserID(), "error", err)
		}
	}()
}
