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

const scanColumns = `id, group_id, status, messages_found, error, created_at, started_at, completed_at`

func scanScanRequest(row rowScanner) (models.ScanRequest, error) {
	var r models.ScanRequest
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.GroupID, &r.Status, &r.MessagesFound, &errMsg, &r.CreatedAt, &startedAt, &completedAt); err != nil {
		return r, err
	}
	r.Error = errMsg.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.StartedAt = nullTimePtr(startedAt)
	r.CompletedAt = nullTimePtr(completedAt)
	return r, nil
}

func (s *sqlDB) CreateScanRequest(ctx context.Context, groupID string) (string, error) {
	id := util.GenerateScanRequestID()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO scan_requests (id, group_id, status, messages_found, created_at) VALUES (?, ?, 'pending', 0, ?)`),
		id, groupID, utcNow())
	if err != nil {
		return "", fmt.Errorf("create scan request for %s: %w", groupID, err)
	}
	slog.Debug("store.CreateScanRequest", "id", id, "groupID", groupID)
	return id, nil
}

func (s *sqlDB) GetScanRequest(ctx context.Context, id string) (*models.ScanRequest, error) {
	r, err := scanScanRequest(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scanColumns+` FROM scan_requests WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan request %s: %w", id, err)
	}
	return &r, nil
}

func (s *sqlDB) ListPendingScanRequests(ctx context.Context, limit int) ([]models.ScanRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+scanColumns+` FROM scan_requests WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending scan requests failed: %w", err)
	}
	defer rows.Close()
	var reqs []models.ScanRequest
	for rows.Next() {
		r, err := scanScanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan request failed: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *sqlDB) MarkScanProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE scan_requests SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'`),
		utcNow(), id)
	if err != nil {
		return false, fmt.Errorf("mark scan %s processing: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlDB) CompleteScanRequest(ctx context.Context, id string, found int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE scan_requests SET status = 'completed', messages_found = ?, error = NULL, completed_at = ? WHERE id = ? AND status = 'processing'`),
		found, utcNow(), id)
	if err != nil {
		return fmt.Errorf("complete scan %s: %w", id, err)
	}
	return nil
}

func (s *sqlDB) FailScanRequest(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE scan_requests SET status = 'failed', error = ?, completed_at = ? WHERE id = ? AND status IN ('pending', 'processing')`),
		errMsg, utcNow(), id)
	if err != nil {
		return fmt.Errorf("fail scan %s: %w", id, err)
	}
	return nil
}

// RequeueStaleScanRequests returns requests left processing by a dead process to pending.
func (s *sqlDB) RequeueStaleScanRequests(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE scan_requests SET status = 'pending', started_at = NULL WHERE status = 'processing' AND started_at < ?`),
		staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale scans failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
