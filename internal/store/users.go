package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

const userColumns = `id, phone, wa_opt_in, daily_summary, quiet_hours_start, quiet_hours_end, timezone`

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var qStart, qEnd, tz sql.NullString
	if err := row.Scan(&u.ID, &u.Phone, &u.WAOptIn, &u.DailySummary, &qStart, &qEnd, &tz); err != nil {
		return u, err
	}
	u.QuietHoursStart = qStart.String
	u.QuietHoursEnd = qEnd.String
	u.Timezone = tz.String
	return u, nil
}

func (s *sqlDB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *sqlDB) UpsertUser(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, phone, wa_opt_in, daily_summary, quiet_hours_start, quiet_hours_end, timezone)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET phone = excluded.phone, wa_opt_in = excluded.wa_opt_in,
			daily_summary = excluded.daily_summary, quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end, timezone = excluded.timezone`),
		u.ID, u.Phone, u.WAOptIn, u.DailySummary, nilIfEmpty(u.QuietHoursStart), nilIfEmpty(u.QuietHoursEnd), nilIfEmpty(u.Timezone))
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// ListDigestUsers returns opted-in users who asked for the daily summary.
func (s *sqlDB) ListDigestUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE wa_opt_in = TRUE AND daily_summary = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list digest users failed: %w", err)
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user failed: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
