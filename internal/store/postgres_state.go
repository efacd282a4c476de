package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zentra/beacon/internal/models"
)

// ---------- Delivery state ----------

func (p *Postgres) InsertStateIfAbsent(ctx context.Context, st *models.UserNotificationState) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		INSERT INTO user_notifications (user_id, notification_id, title, content, delivered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, notification_id) DO NOTHING`,
		st.UserID, st.NotificationID, st.Title, st.Content, st.DeliveredAt,
	)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) UpsertStateRedeliver(ctx context.Context, st *models.UserNotificationState) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO user_notifications (user_id, notification_id, title, content, delivered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, notification_id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			delivered_at = EXCLUDED.delivered_at,
			read_at = NULL,
			dismissed_at = NULL`,
		st.UserID, st.NotificationID, st.Title, st.Content, st.DeliveredAt,
	)
	return mapError(err)
}

func (p *Postgres) GetState(ctx context.Context, userID, notificationID uuid.UUID) (*models.UserNotificationState, error) {
	st := &models.UserNotificationState{}
	err := p.db.QueryRow(ctx, `
		SELECT user_id, notification_id, title, content, delivered_at, read_at, dismissed_at
		FROM user_notifications
		WHERE user_id = $1 AND notification_id = $2`,
		userID, notificationID,
	).Scan(&st.UserID, &st.NotificationID, &st.Title, &st.Content, &st.DeliveredAt, &st.ReadAt, &st.DismissedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return st, nil
}

// markColumn is only ever read_at or dismissed_at.
func (p *Postgres) markColumn(ctx context.Context, column string, userID, notificationID uuid.UUID, at time.Time) error {
	// Rows for notifications never delivered to this user are created from the
	// rule's template text or the announcement's text so a later redelivery
	// has something to refresh.
	tag, err := p.db.Exec(ctx, `
		INSERT INTO user_notifications (user_id, notification_id, title, content, delivered_at, `+column+`)
		SELECT $1, src.id, src.title, src.content, $3, $3
		FROM (
			SELECT r.id, r.notification_title AS title, r.notification_content AS content
			FROM event_notification_rules r WHERE r.id = $2
			UNION ALL
			SELECT a.id, a.title, a.content
			FROM announcements a WHERE a.id = $2
		) src
		ON CONFLICT (user_id, notification_id) DO UPDATE SET
			`+column+` = COALESCE(user_notifications.`+column+`, EXCLUDED.`+column+`)`,
		userID, notificationID, at,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error {
	return p.markColumn(ctx, "read_at", userID, notificationID, at)
}

func (p *Postgres) MarkDismissed(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error {
	return p.markColumn(ctx, "dismissed_at", userID, notificationID, at)
}

func (p *Postgres) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE user_notifications SET read_at = $2
		WHERE user_id = $1 AND read_at IS NULL AND dismissed_at IS NULL`,
		userID, at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ListActive(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error) {
	rows, err := p.db.Query(ctx, `
		SELECT r.id, r.notification_type_id, t.name, un.title, un.content,
			r.display_mode, r.priority, un.delivered_at, un.read_at, un.dismissed_at
		FROM user_notifications un
		JOIN event_notification_rules r ON r.id = un.notification_id
		LEFT JOIN notification_types t ON t.id = r.notification_type_id
		WHERE un.user_id = $1
		  AND un.dismissed_at IS NULL
		  AND r.is_active = TRUE
		  AND (
			r.display_mode = 'modal'
			OR r.notification_type_id IS NULL
			OR NOT EXISTS (
				SELECT 1 FROM user_silenced_types s
				WHERE s.user_id = un.user_id AND s.type_id = r.notification_type_id
			)
		  )
		UNION ALL
		SELECT a.id, a.type_id, t.name, a.title, a.content,
			a.display_mode, a.priority, un.delivered_at, un.read_at, un.dismissed_at
		FROM user_notifications un
		JOIN announcements a ON a.id = un.notification_id
		LEFT JOIN notification_types t ON t.id = a.type_id
		WHERE un.user_id = $1
		  AND un.dismissed_at IS NULL
		  AND a.is_active = TRUE
		  AND (a.publish_at IS NULL OR a.publish_at <= NOW())
		  AND (a.expires_at IS NULL OR a.expires_at > NOW())
		  AND (
			a.display_mode = 'modal'
			OR a.type_id IS NULL
			OR NOT EXISTS (
				SELECT 1 FROM user_silenced_types s
				WHERE s.user_id = un.user_id AND s.type_id = a.type_id
			)
		  )
		ORDER BY priority DESC, delivered_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []*models.Notification{}
	for rows.Next() {
		n := &models.Notification{}
		if err := rows.Scan(
			&n.ID, &n.TypeID, &n.TypeName, &n.Title, &n.Content,
			&n.DisplayMode, &n.Priority, &n.DeliveredAt, &n.ReadAt, &n.DismissedAt,
		); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// ---------- Types & silencing ----------

func (p *Postgres) IsTypeSilenced(ctx context.Context, userID, typeID uuid.UUID) (bool, error) {
	var silenced bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM user_silenced_types WHERE user_id = $1 AND type_id = $2)`,
		userID, typeID,
	).Scan(&silenced)
	return silenced, err
}

func (p *Postgres) SilenceType(ctx context.Context, userID, typeID uuid.UUID) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO user_silenced_types (user_id, type_id) VALUES ($1, $2)
		ON CONFLICT (user_id, type_id) DO NOTHING`,
		userID, typeID,
	)
	return mapError(err)
}

func (p *Postgres) UnsilenceType(ctx context.Context, userID, typeID uuid.UUID) error {
	_, err := p.db.Exec(ctx, `
		DELETE FROM user_silenced_types WHERE user_id = $1 AND type_id = $2`,
		userID, typeID,
	)
	return err
}

func (p *Postgres) ListSilencedTypes(ctx context.Context, userID uuid.UUID) ([]*models.NotificationType, error) {
	return p.queryTypes(ctx, `
		SELECT t.id, t.name, t.description, t.is_active
		FROM user_silenced_types s
		JOIN notification_types t ON t.id = s.type_id
		WHERE s.user_id = $1
		ORDER BY t.name`, userID)
}

func (p *Postgres) ListNotificationTypes(ctx context.Context) ([]*models.NotificationType, error) {
	return p.queryTypes(ctx, `
		SELECT id, name, description, is_active
		FROM notification_types
		WHERE is_active = TRUE
		ORDER BY name`)
}

func (p *Postgres) CreateNotificationType(ctx context.Context, t *models.NotificationType) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO notification_types (id, name, description, is_active)
		VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.Description, t.IsActive,
	)
	return mapError(err)
}

func (p *Postgres) queryTypes(ctx context.Context, sql string, args ...any) ([]*models.NotificationType, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types := []*models.NotificationType{}
	for rows.Next() {
		t := &models.NotificationType{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.IsActive); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}
