package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/util"
)

const groupColumns = `id, user_id, chat_jid, name, monitored, updated_at`

func scanGroup(row rowScanner) (models.Group, error) {
	var g models.Group
	if err := row.Scan(&g.ID, &g.UserID, &g.ChatJID, &g.Name, &g.Monitored, &g.UpdatedAt); err != nil {
		return g, err
	}
	g.UpdatedAt = g.UpdatedAt.UTC()
	return g, nil
}

// UpsertGroup keeps the existing name when name is empty.
func (s *sqlDB) UpsertGroup(ctx context.Context, userID, chatJID, name string) (*models.Group, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO chat_groups (id, user_id, chat_jid, name, monitored, updated_at) VALUES (?, ?, ?, ?, TRUE, ?)
		ON CONFLICT(user_id, chat_jid) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN chat_groups.name ELSE excluded.name END,
			updated_at = excluded.updated_at
		RETURNING `+groupColumns),
		util.GenerateGroupID(), userID, chatJID, name, utcNow())
	g, err := scanGroup(row)
	if err != nil {
		slog.Error("store.UpsertGroup failed", "error", err, "userID", userID, "chat", chatJID)
		return nil, fmt.Errorf("upsert group %s: %w", chatJID, err)
	}
	return &g, nil
}

func (s *sqlDB) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+groupColumns+` FROM chat_groups WHERE id = ?`), groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", groupID, err)
	}
	return &g, nil
}
