package repositories

import (
	"context"
	"database/sql"
	"errors"

	"chat-realtime/internal/models"
)

// GetGroupByID fetches group metadata.
func (g *PostgresGateway) GetGroupByID(ctx context.Context, id string) (models.Group, error) {
	var group models.Group
	err := g.db.GetContext(ctx, &group, `SELECT id, name, created_at, last_activity_at FROM groups WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// UpdateGroup upserts group metadata. Rooms have no creation step, so the
// first touch of an unknown group creates its row.
func (g *PostgresGateway) UpdateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	var out models.Group
	err := g.db.QueryRowxContext(ctx, `INSERT INTO groups (id, name, last_activity_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            name = COALESCE(NULLIF(EXCLUDED.name, ''), groups.name),
            last_activity_at = COALESCE(EXCLUDED.last_activity_at, groups.last_activity_at)
        RETURNING id, name, created_at, last_activity_at`,
		group.ID, group.Name, group.LastActivityAt).StructScan(&out)
	return out, err
}
