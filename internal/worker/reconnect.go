package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

// Reconnect tears down the transport and reconnects with exponential backoff
// until the transport is ready or the attempt ceiling is exceeded. Only one
// reconnect runs per worker; concurrent calls return ErrReconnectInProgress.
//
// Exceeding the ceiling moves the session to manual_reauth_required, notifies
// the user and returns ErrMaxReconnectAttempts. A pairing challenge or an auth
// failure ends the sequence without further retries.
func (w *Worker) Reconnect(ctx context.Context) error {
	if !w.reconnecting.CompareAndSwap(false, true) {
		return ErrReconnectInProgress
	}
	defer w.reconnecting.Store(false)

	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.status == models.SessionStatusManualReauth {
		w.mu.Unlock()
		return ErrMaxReconnectAttempts
	}
	state := w.retry
	w.mu.Unlock()

	for {
		next, ok := w.backoff.Next(state, w.opts.Now())
		if !ok {
			w.giveUp(ctx, state.Attempt)
			w.opts.Metrics.ReconnectAttempt("exhausted")
			return ErrMaxReconnectAttempts
		}
		w.setRetry(next)

		wait := next.Wait(w.opts.Now())
		slog.Info("Worker.Reconnect: scheduling attempt", "user_id", w.userID, "attempt", next.Attempt, "delay", wait)
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}

		err := w.reconnectOnce(ctx)
		if err == nil {
			w.opts.Metrics.ReconnectAttempt("success")
			slog.Info("Worker.Reconnect: reconnected", "user_id", w.userID, "attempt", next.Attempt)
			return nil
		}
		w.opts.Metrics.ReconnectAttempt("failed")
		switch {
		case errors.Is(err, ErrStopped), errors.Is(err, ErrPairingRequired), errors.Is(err, ErrAuthFailed):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		slog.Warn("Worker.Reconnect: attempt failed", "user_id", w.userID, "attempt", next.Attempt, "error", err)
		state = next
	}
}

// reconnectOnce starts a fresh transport and waits for its first outcome.
func (w *Worker) reconnectOnce(ctx context.Context) error {
	outcome, err := w.connect(ctx)
	if err != nil {
		return err
	}
	timer := time.NewTimer(w.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case err := <-outcome:
		return err
	case <-timer.C:
		return errReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrStopped
	}
}

func (w *Worker) setRetry(s RetryState) {
	w.mu.Lock()
	w.retry = s
	w.mu.Unlock()
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrStopped
	}
}

// giveUp parks the session in manual_reauth_required and stops the transport.
func (w *Worker) giveUp(ctx context.Context, attempts int) {
	w.mu.Lock()
	w.status = models.SessionStatusManualReauth
	w.stopHeartbeatLocked()
	w.generation++
	t := w.transport
	w.transport = nil
	w.mu.Unlock()

	if t != nil {
		if err := t.Stop(); err != nil {
			slog.Warn("Worker.giveUp: failed to stop transport", "user_id", w.userID, "error", err)
		}
	}
	msg := fmt.Sprintf("reconnect failed after %d attempts", attempts)
	slog.Error("Worker.giveUp: session requires re-pairing", "user_id", w.userID, "attempts", attempts)
	w.persist(ctx, models.SessionUpdate{
		Status:       models.SessionStatusManualReauth,
		ErrorMessage: models.StringPtr(msg),
	})
	w.notify(ctx, "We could not reconnect to your WhatsApp account. Please pair your device again.", models.NotificationPriorityHigh)
}
