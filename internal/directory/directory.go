// Package directory reads users, groups, relationships and permissions owned
// by the host application.
package directory

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory is the read-only view of the host application's user graph.
type Directory interface {
	GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
	// RelationshipPeers returns accepted relationships in either direction.
	RelationshipPeers(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	// UserIDsAfter pages through every user ordered by id, starting strictly
	// after the given id. uuid.Nil starts from the beginning.
	UserIDsAfter(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
	HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error)
}

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	return p.ids(ctx, `SELECT user_id FROM user_groups WHERE group_id = $1`, groupID)
}

func (p *Postgres) RelationshipPeers(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return p.ids(ctx, `
		SELECT CASE WHEN f.user_id = $1 THEN f.friend_id ELSE f.user_id END
		FROM friends f
		WHERE (f.user_id = $1 OR f.friend_id = $1)
		  AND f.status = 'accepted'`, userID)
}

func (p *Postgres) UserIDsAfter(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	return p.ids(ctx, `SELECT id FROM users WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
}

func (p *Postgres) HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error) {
	var ok bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM permissions p
			WHERE p.name = $1 AND p.is_active = TRUE AND (
				EXISTS (
					SELECT 1 FROM user_permissions up
					WHERE up.permission_id = p.id AND up.user_id = $2
				)
				OR EXISTS (
					SELECT 1 FROM group_permissions gp
					JOIN user_groups ug ON ug.group_id = gp.group_id
					WHERE gp.permission_id = p.id AND ug.user_id = $2
				)
			)
		)`, permission, userID,
	).Scan(&ok)
	return ok, err
}

func (p *Postgres) ids(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
