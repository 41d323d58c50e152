package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

// HandleMessage ingests one chat message. It returns true when the message was
// newly persisted. Self-authored, direct, empty and already recorded messages
// are dropped without error. Classification failures leave the stored message
// unprocessed and are not returned.
func (w *Worker) HandleMessage(ctx context.Context, msg models.ChatMessage) (bool, error) {
	if w.isSelf(msg) {
		w.opts.Metrics.Inbound("self")
		return false, nil
	}
	if !msg.IsGroup {
		w.opts.Metrics.Inbound("direct")
		return false, nil
	}
	if msg.IsNoise() {
		w.opts.Metrics.Inbound("noise")
		return false, nil
	}

	group, err := w.groupFor(ctx, msg.ChatID, msg.ChatName)
	if err != nil {
		return false, err
	}
	if !group.Monitored {
		w.opts.Metrics.Inbound("unmonitored")
		return false, nil
	}

	in := models.NewInboundMessage(*group, msg)
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = w.opts.Now()
	}
	inserted, err := w.store.RecordInbound(ctx, &in)
	if err != nil {
		return false, fmt.Errorf("record inbound message: %w", err)
	}
	if !inserted {
		w.opts.Metrics.Inbound("duplicate")
		return false, nil
	}

	if err := w.classifyAndApply(ctx, group, in); err != nil {
		w.opts.Metrics.Inbound("unprocessed")
		slog.Warn("Worker.HandleMessage: message left unprocessed", "user_id", w.userID, "message_id", in.ID, "error", err)
		return true, nil
	}
	w.opts.Metrics.Inbound("processed")
	return true, nil
}

// classifyAndApply classifies a stored message, fires its side effects and
// marks it processed. Any error leaves the message unprocessed.
func (w *Worker) classifyAndApply(ctx context.Context, group *models.Group, in models.InboundMessage) error {
	cctx, cancel := context.WithTimeout(ctx, w.opts.ClassifyTimeout)
	started := w.opts.Now()
	verdict, err := w.classifier.Classify(cctx, in.Body, group.Name, in.ReceivedAt)
	cancel()
	w.opts.Metrics.ObserveClassify(w.opts.Now().Sub(started))
	if err != nil {
		if rerr := w.store.RecordClassificationError(ctx, in.ID, err.Error()); rerr != nil {
			slog.Error("Worker.classifyAndApply: failed to record classification error", "message_id", in.ID, "error", rerr)
		} else if in.ClassifyAttempts+1 >= models.MaxClassifyAttempts {
			slog.Warn("Worker.classifyAndApply: giving up on message", "user_id", in.UserID, "message_id", in.ID, "attempts", in.ClassifyAttempts+1)
		}
		return fmt.Errorf("classify message: %w", err)
	}

	if verdict.WantsImmediateAlert() {
		alert := &models.Alert{
			UserID:    in.UserID,
			MessageID: in.ID,
			Content:   alertContent(group, verdict),
			Urgency:   verdict.Urgency,
		}
		created, err := w.store.CreateAlert(ctx, alert)
		if err != nil {
			return fmt.Errorf("create alert: %w", err)
		}
		if created && w.notifier != nil {
			if err := w.notifier.DispatchAlert(ctx, *alert); err != nil {
				// The alert stays unsent and is retried by the pending alert pass.
				slog.Warn("Worker.classifyAndApply: alert dispatch failed", "user_id", in.UserID, "alert_id", alert.ID, "error", err)
			}
		}
	}

	var kind models.ReminderKind
	switch verdict.Category {
	case models.CategoryEvent:
		kind = models.ReminderKindCalendarCandidate
	case models.CategoryScheduleChange:
		kind = models.ReminderKindScheduleUpdate
	}
	if kind != "" {
		r := &models.Reminder{
			UserID:    in.UserID,
			MessageID: in.ID,
			Kind:      kind,
			Content:   reminderContent(group, verdict),
			RemindAt:  w.opts.Now(),
		}
		if _, err := w.store.CreateReminder(ctx, r); err != nil {
			return fmt.Errorf("create reminder: %w", err)
		}
	}

	if err := w.store.MarkInboundProcessed(ctx, in.ID, &verdict); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Reprocess re-runs classification for stored, unprocessed messages of this
// worker's user. Messages out of classification attempts are skipped.
// Returns how many messages were marked processed.
func (w *Worker) Reprocess(ctx context.Context, msgs []models.InboundMessage) int {
	groups := make(map[string]*models.Group)
	processed := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		if m.UserID != w.userID || m.Processed || m.ClassifyExhausted() {
			continue
		}
		group, ok := groups[m.GroupID]
		if !ok {
			g, err := w.store.GetGroup(ctx, m.GroupID)
			if err != nil {
				slog.Error("Worker.Reprocess: failed to load group", "user_id", w.userID, "group_id", m.GroupID, "error", err)
				continue
			}
			groups[m.GroupID] = g
			group = g
		}
		if err := w.classifyAndApply(ctx, group, m); err != nil {
			slog.Warn("Worker.Reprocess: message still unprocessed", "user_id", w.userID, "message_id", m.ID, "error", err)
			continue
		}
		processed++
	}
	return processed
}

// ScanHistory backfills up to limit recent messages of groupID and returns how
// many were newly persisted. The count includes messages whose classification
// failed; those stay unprocessed for Reprocess to retry. Messages already
// stored are skipped, so a scan is safe to repeat and to run alongside live
// ingestion.
func (w *Worker) ScanHistory(ctx context.Context, groupID string, limit int) (int, error) {
	w.mu.Lock()
	t := w.transport
	status := w.status
	w.mu.Unlock()
	if t == nil || status != models.SessionStatusConnected {
		return 0, ErrNotConnected
	}

	group, err := w.store.GetGroup(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("load group %s: %w", groupID, err)
	}
	if group.UserID != w.userID {
		return 0, fmt.Errorf("group %s belongs to another user", groupID)
	}

	if err := t.ForceLoadHistory(ctx, group.ChatJID); err != nil {
		slog.Warn("Worker.ScanHistory: history backfill request failed", "user_id", w.userID, "group_id", groupID, "error", err)
	}
	msgs, err := t.FetchRecentMessages(ctx, group.ChatJID, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch recent messages: %w", err)
	}

	found := 0
	var errs []error
	for _, m := range msgs {
		if w.isSelf(m) {
			continue
		}
		exists, err := w.store.InboundExists(ctx, group.ID, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if exists {
			continue
		}
		if m.ChatName == "" {
			m.ChatName = group.Name
		}
		inserted, err := w.HandleMessage(ctx, m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inserted {
			found++
		}
	}
	slog.Info("Worker.ScanHistory: scan finished", "user_id", w.userID, "group_id", groupID, "fetched", len(msgs), "new", found)
	if len(errs) > 0 && found == 0 {
		return 0, fmt.Errorf("scan group %s: %w", groupID, errors.Join(errs...))
	}
	return found, nil
}

// syncGroups records every group the account belongs to.
func (w *Worker) syncGroups(ctx context.Context) {
	t := w.currentTransport()
	if t == nil {
		return
	}
	groups, err := t.ListGroups(ctx)
	if err != nil {
		slog.Warn("Worker.syncGroups: failed to list groups", "user_id", w.userID, "error", err)
		return
	}
	synced := 0
	for _, g := range groups {
		group, err := w.store.UpsertGroup(ctx, w.userID, g.ChatID, g.Name)
		if err != nil {
			slog.Error("Worker.syncGroups: failed to upsert group", "user_id", w.userID, "chat_id", g.ChatID, "error", err)
			continue
		}
		w.cacheGroup(group)
		synced++
	}
	slog.Info("Worker.syncGroups: groups synced", "user_id", w.userID, "count", synced)
}

func (w *Worker) groupFor(ctx context.Context, chatJID, name string) (*models.Group, error) {
	w.groupsMu.Lock()
	g, ok := w.groups[chatJID]
	w.groupsMu.Unlock()
	if ok && (name == "" || name == g.Name) {
		return g, nil
	}
	g, err := w.store.UpsertGroup(ctx, w.userID, chatJID, name)
	if err != nil {
		return nil, fmt.Errorf("upsert group %s: %w", chatJID, err)
	}
	w.cacheGroup(g)
	return g, nil
}

func (w *Worker) cacheGroup(g *models.Group) {
	w.groupsMu.Lock()
	w.groups[g.ChatJID] = g
	w.groupsMu.Unlock()
}

func (w *Worker) isSelf(msg models.ChatMessage) bool {
	if msg.FromMe {
		return true
	}
	t := w.currentTransport()
	if t == nil {
		return false
	}
	self := t.SelfID()
	return self != "" && msg.SenderID == self
}

func alertContent(group *models.Group, v models.Verdict) string {
	if group.Name == "" {
		return fmt.Sprintf("Urgent (%d/10): %s", v.Urgency, v.Summary)
	}
	return fmt.Sprintf("Urgent in %s (%d/10): %s", group.Name, v.Urgency, v.Summary)
}

func reminderContent(group *models.Group, v models.Verdict) string {
	if group.Name == "" {
		return v.Summary
	}
	return fmt.Sprintf("%s: %s", group.Name, v.Summary)
}
