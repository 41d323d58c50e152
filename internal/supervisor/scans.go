package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

// SubmitScan queues a scan request for immediate dispatch. If the queue is
// full the request stays pending and the poll loop picks it up.
func (s *Supervisor) SubmitScan(requestID, groupID string) {
	select {
	case s.scans <- scanJob{requestID: requestID, groupID: groupID}:
	default:
		slog.Debug("Supervisor.SubmitScan: queue full, leaving request to the poll loop", "request_id", requestID)
	}
}

func (s *Supervisor) scanLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ScanPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case job := <-s.scans:
			s.dispatchScan(s.runCtx, job.requestID, job.groupID)
		case <-ticker.C:
			s.PollScanRequests(s.runCtx)
		}
	}
}

// PollScanRequests dispatches pending scan requests and returns how many were handled.
func (s *Supervisor) PollScanRequests(ctx context.Context) int {
	reqs, err := s.store.ListPendingScanRequests(ctx, s.opts.ScanBatch)
	if err != nil {
		slog.Error("Supervisor.PollScanRequests: failed to list pending requests", "error", err)
		return 0
	}
	handled := 0
	for _, r := range reqs {
		if ctx.Err() != nil {
			break
		}
		if s.dispatchScan(ctx, r.ID, r.GroupID) {
			handled++
		}
	}
	return handled
}

func (s *Supervisor) dispatchScan(ctx context.Context, requestID, groupID string) bool {
	err := s.ProcessScanRequest(ctx, requestID, groupID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrOwnedElsewhere), errors.Is(err, errAlreadyClaimed):
		return false
	default:
		slog.Warn("Supervisor.dispatchScan: scan request failed", "request_id", requestID, "group_id", groupID, "error", err)
		return true
	}
}

var errAlreadyClaimed = errors.New("scan request already claimed")

// ProcessScanRequest runs a history scan for groupID on the owning user's
// worker. The request fails with ErrWorkerNotConnected if that worker is not
// registered here or not connected; a request whose session another live
// instance owns is left pending for that instance.
func (s *Supervisor) ProcessScanRequest(ctx context.Context, requestID, groupID string) error {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		s.failScan(ctx, requestID, fmt.Sprintf("group %s not found", groupID))
		s.opts.Metrics.ScanRequest("failed")
		return fmt.Errorf("resolve group %s: %w", groupID, err)
	}

	w := s.Worker(group.UserID)
	if w == nil && s.ownedElsewhere(ctx, group.UserID) {
		return ErrOwnedElsewhere
	}
	if w == nil || w.Status() != models.SessionStatusConnected {
		msg := fmt.Sprintf("%v for user %s", ErrWorkerNotConnected, group.UserID)
		s.failScan(ctx, requestID, msg)
		s.opts.Metrics.ScanRequest("failed")
		return fmt.Errorf("scan %s: %w", requestID, ErrWorkerNotConnected)
	}

	claimed, err := s.store.MarkScanProcessing(ctx, requestID)
	if err != nil {
		return err
	}
	if !claimed {
		return errAlreadyClaimed
	}

	slog.Info("Supervisor.ProcessScanRequest: scanning group", "request_id", requestID, "group_id", groupID, "user_id", group.UserID)
	found, err := w.ScanHistory(ctx, groupID, s.opts.ScanLimit)
	if err != nil {
		s.failScan(ctx, requestID, err.Error())
		s.opts.Metrics.ScanRequest("failed")
		return fmt.Errorf("scan %s: %w", requestID, err)
	}
	if err := s.store.CompleteScanRequest(ctx, requestID, found); err != nil {
		return err
	}
	s.opts.Metrics.ScanRequest("completed")
	slog.Info("Supervisor.ProcessScanRequest: scan completed", "request_id", requestID, "messages_found", found)
	return nil
}

// ownedElsewhere reports whether another instance holds a live claim on userID's session.
func (s *Supervisor) ownedElsewhere(ctx context.Context, userID string) bool {
	if !s.opts.StrictOwnership {
		return false
	}
	sess, err := s.store.GetSession(ctx, userID)
	if err != nil {
		return false
	}
	if sess.OwnerWorkerID == "" || sess.OwnerWorkerID == s.opts.OwnerID {
		return false
	}
	return sess.HeartbeatAge(s.opts.Now()) <= s.opts.StaleThreshold
}

func (s *Supervisor) failScan(ctx context.Context, requestID, msg string) {
	if err := s.store.FailScanRequest(ctx, requestID, msg); err != nil {
		slog.Error("Supervisor.failScan: failed to record scan failure", "request_id", requestID, "error", err)
	}
}

// ReprocessPending hands unprocessed inbound messages older than the
// reprocess age back to their users' workers. Messages of users without a
// worker here are left alone. Returns how many messages were processed.
func (s *Supervisor) ReprocessPending(ctx context.Context) (int, error) {
	before := s.opts.Now().Add(-s.opts.ReprocessAge)
	msgs, err := s.store.ListUnprocessedInbound(ctx, "", before, DefaultReprocessBatch)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed messages: %w", err)
	}
	byUser := make(map[string][]models.InboundMessage)
	for _, m := range msgs {
		byUser[m.UserID] = append(byUser[m.UserID], m)
	}
	total := 0
	for userID, batch := range byUser {
		w := s.Worker(userID)
		if w == nil {
			continue
		}
		n := w.Reprocess(ctx, batch)
		total += n
		slog.Info("Supervisor.ReprocessPending: reprocessed messages", "user_id", userID, "processed", n, "pending", len(batch))
	}
	return total, nil
}
