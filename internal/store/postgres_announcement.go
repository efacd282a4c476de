package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/pkg/database"
)

// ---------- Announcements ----------

const announcementColumns = `id, type_id, title, content, target_all_users, display_mode,
	priority, publish_at, expires_at, is_active, created_by, delivered_at, created_at, updated_at`

func scanAnnouncement(row pgx.Row, extra ...any) (*models.Announcement, error) {
	a := &models.Announcement{}
	dest := []any{
		&a.ID, &a.TypeID, &a.Title, &a.Content, &a.TargetAll, &a.DisplayMode,
		&a.Priority, &a.PublishAt, &a.ExpiresAt, &a.IsActive, &a.CreatedBy, &a.DeliveredAt,
		&a.CreatedAt, &a.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *Postgres) ListAnnouncements(ctx context.Context) ([]*models.Announcement, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+announcementColumns+`,
			(SELECT COUNT(*) FROM user_notifications un WHERE un.notification_id = announcements.id),
			(SELECT COUNT(*) FROM user_notifications un
			 WHERE un.notification_id = announcements.id AND un.read_at IS NOT NULL)
		FROM announcements
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*models.Announcement{}
	for rows.Next() {
		var recipients, reads int64
		a, err := scanAnnouncement(rows, &recipients, &reads)
		if err != nil {
			return nil, err
		}
		a.RecipientCount, a.ReadCount = recipients, reads
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range list {
		if err := p.loadAnnouncementTargets(ctx, a); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (p *Postgres) GetAnnouncement(ctx context.Context, id uuid.UUID) (*models.Announcement, error) {
	a, err := scanAnnouncement(p.db.QueryRow(ctx,
		`SELECT `+announcementColumns+` FROM announcements WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	if err := p.loadAnnouncementTargets(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *Postgres) loadAnnouncementTargets(ctx context.Context, a *models.Announcement) error {
	var err error
	a.TargetUserIDs, err = p.queryIDs(ctx,
		`SELECT user_id FROM announcement_target_users WHERE announcement_id = $1`, a.ID)
	if err != nil {
		return err
	}
	a.TargetGroupIDs, err = p.queryIDs(ctx,
		`SELECT group_id FROM announcement_target_groups WHERE announcement_id = $1`, a.ID)
	return err
}

func (p *Postgres) CreateAnnouncement(ctx context.Context, a *models.Announcement) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.DeliveredAt = nil
	return database.WithTransaction(ctx, p.db, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO announcements
				(id, type_id, title, content, target_all_users, display_mode,
				 priority, publish_at, expires_at, is_active, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at, updated_at`,
			a.ID, a.TypeID, a.Title, a.Content, a.TargetAll, a.DisplayMode,
			a.Priority, a.PublishAt, a.ExpiresAt, a.IsActive, a.CreatedBy,
		).Scan(&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return mapError(err)
		}
		return replaceAnnouncementTargets(ctx, tx, a)
	})
}

func (p *Postgres) UpdateAnnouncement(ctx context.Context, a *models.Announcement) error {
	return database.WithTransaction(ctx, p.db, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE announcements SET
				type_id = $2, title = $3, content = $4, target_all_users = $5,
				display_mode = $6, priority = $7, publish_at = $8, expires_at = $9,
				is_active = $10, updated_at = NOW()
			WHERE id = $1
			RETURNING created_by, delivered_at, created_at, updated_at`,
			a.ID, a.TypeID, a.Title, a.Content, a.TargetAll,
			a.DisplayMode, a.Priority, a.PublishAt, a.ExpiresAt, a.IsActive,
		).Scan(&a.CreatedBy, &a.DeliveredAt, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return mapError(err)
		}
		return replaceAnnouncementTargets(ctx, tx, a)
	})
}

func replaceAnnouncementTargets(ctx context.Context, tx pgx.Tx, a *models.Announcement) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM announcement_target_users WHERE announcement_id = $1`, a.ID)
	batch.Queue(`DELETE FROM announcement_target_groups WHERE announcement_id = $1`, a.ID)
	for _, userID := range a.TargetUserIDs {
		batch.Queue(`INSERT INTO announcement_target_users (announcement_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, a.ID, userID)
	}
	for _, groupID := range a.TargetGroupIDs {
		batch.Queue(`INSERT INTO announcement_target_groups (announcement_id, group_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, a.ID, groupID)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to write announcement targets: %w", err)
		}
	}
	return results.Close()
}

func (p *Postgres) DeleteAnnouncement(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM announcements WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DueAnnouncements(ctx context.Context, now time.Time, limit int) ([]*models.Announcement, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+announcementColumns+` FROM announcements
		WHERE delivered_at IS NULL
		  AND is_active = TRUE
		  AND (publish_at IS NULL OR publish_at <= $1)
		  AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY COALESCE(publish_at, created_at)
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	due, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Announcement, error) {
		return scanAnnouncement(row)
	})
	if err != nil {
		return nil, err
	}
	for _, a := range due {
		if err := p.loadAnnouncementTargets(ctx, a); err != nil {
			return nil, err
		}
	}
	return due, nil
}

func (p *Postgres) MarkAnnouncementDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE announcements SET delivered_at = COALESCE(delivered_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
