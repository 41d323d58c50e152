package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

const sessionColumns = `user_id, status, last_heartbeat, owner_worker_id, error_message, qr_payload, device_jid, updated_at`

func scanSession(row rowScanner) (models.WorkerSession, error) {
	var sess models.WorkerSession
	var lastHeartbeat sql.NullTime
	var owner, errMsg, qr, device sql.NullString
	if err := row.Scan(&sess.UserID, &sess.Status, &lastHeartbeat, &owner, &errMsg, &qr, &device, &sess.UpdatedAt); err != nil {
		return sess, err
	}
	sess.LastHeartbeat = nullTimePtr(lastHeartbeat)
	sess.OwnerWorkerID = owner.String
	sess.ErrorMessage = nullStringPtr(errMsg)
	sess.QRPayload = nullStringPtr(qr)
	sess.DeviceJID = device.String
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return sess, nil
}

func (s *sqlDB) GetSession(ctx context.Context, userID string) (*models.WorkerSession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM worker_sessions WHERE user_id = ?`), userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("store.GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("get session %s: %w", userID, err)
	}
	return &sess, nil
}

func (s *sqlDB) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.WorkerSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(statuses))
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
		marks[i] = "?"
	}
	query := `SELECT ` + sessionColumns + ` FROM worker_sessions WHERE status IN (` + strings.Join(marks, ", ") + `) ORDER BY user_id`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		slog.Error("store.ListSessionsByStatus query failed", "error", err)
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	defer rows.Close()
	var sessions []models.WorkerSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions failed: %w", err)
	}
	return sessions, nil
}

// UpdateSession upserts the fields set in upd. updated_at is always bumped.
func (s *sqlDB) UpdateSession(ctx context.Context, userID string, upd models.SessionUpdate) error {
	if upd.Status != "" && !models.IsValidSessionStatus(upd.Status) {
		return fmt.Errorf("%w: %q", models.ErrInvalidSessionStatus, upd.Status)
	}
	cols := []string{"user_id", "updated_at"}
	args := []interface{}{userID, utcNow()}
	set := func(col string, v interface{}) {
		cols = append(cols, col)
		args = append(args, v)
	}
	if upd.Status != "" {
		set("status", string(upd.Status))
	}
	if upd.OwnerWorkerID != "" {
		set("owner_worker_id", upd.OwnerWorkerID)
	}
	if upd.LastHeartbeat != nil {
		set("last_heartbeat", upd.LastHeartbeat.UTC())
	}
	switch {
	case upd.ErrorMessage != nil:
		set("error_message", *upd.ErrorMessage)
	case upd.ClearError:
		set("error_message", nil)
	}
	switch {
	case upd.QRPayload != nil:
		set("qr_payload", *upd.QRPayload)
	case upd.ClearQR:
		set("qr_payload", nil)
	}
	if upd.DeviceJID != nil {
		set("device_jid", nilIfEmpty(*upd.DeviceJID))
	}

	marks := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		marks[i] = "?"
		if c != "user_id" {
			updates = append(updates, c+" = excluded."+c)
		}
	}
	query := `INSERT INTO worker_sessions (` + strings.Join(cols, ", ") + `) VALUES (` + strings.Join(marks, ", ") +
		`) ON CONFLICT(user_id) DO UPDATE SET ` + strings.Join(updates, ", ")
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		slog.Error("store.UpdateSession failed", "error", err, "userID", userID, "status", upd.Status)
		return fmt.Errorf("update session %s: %w", userID, err)
	}
	slog.Debug("store.UpdateSession", "userID", userID, "status", upd.Status)
	return nil
}

func (s *sqlDB) ClaimSession(ctx context.Context, userID, ownerID string, staleBefore time.Time) (bool, error) {
	now := utcNow()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO worker_sessions (user_id, status, owner_worker_id, updated_at) VALUES (?, 'disconnected', ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET owner_worker_id = excluded.owner_worker_id, updated_at = excluded.updated_at
		WHERE worker_sessions.owner_worker_id IS NULL
		   OR worker_sessions.owner_worker_id = ''
		   OR worker_sessions.owner_worker_id = excluded.owner_worker_id
		   OR COALESCE(worker_sessions.last_heartbeat, worker_sessions.updated_at) < ?`),
		userID, ownerID, now, staleBefore.UTC())
	if err != nil {
		slog.Error("store.ClaimSession failed", "error", err, "userID", userID)
		return false, fmt.Errorf("claim session %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim session rows affected: %w", err)
	}
	return n > 0, nil
}
