// Package store persists event definitions, occurrence logs, notification
// rules and per-user notification state. Postgres is the production backend;
// Memory implements the same contract for tests and single-node development.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zentra/beacon/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("already exists")
	ErrTransient = errors.New("transient store failure")
)

// EventStore covers event definitions and their occurrence log.
type EventStore interface {
	GetEventByCode(ctx context.Context, code string) (*models.EventDefinition, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*models.EventDefinition, error)
	ListEvents(ctx context.Context) ([]*models.EventDefinition, error)
	CreateEvent(ctx context.Context, e *models.EventDefinition) error
	UpdateEvent(ctx context.Context, e *models.EventDefinition) error
	DeleteEvent(ctx context.Context, id uuid.UUID) error

	AppendOccurrence(ctx context.Context, o *models.EventOccurrence) error
	ListOccurrences(ctx context.Context, f models.OccurrenceFilter) ([]*models.EventOccurrence, int64, error)
	ExpiredOccurrences(ctx context.Context, now time.Time, limit int) ([]*models.EventOccurrence, error)
	DeleteOccurrences(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// RuleStore covers notification rules and their explicit targets.
type RuleStore interface {
	ActiveRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error)
	ListRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*models.NotificationRule, error)
	CreateRule(ctx context.Context, r *models.NotificationRule) error
	UpdateRule(ctx context.Context, r *models.NotificationRule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error

	RuleTargetUsers(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error)
	RuleTargetGroups(ctx context.Context, ruleID uuid.UUID) ([]uuid.UUID, error)
}

// StateStore covers user_notifications. Every write is a single conditional
// statement; none of them read-then-write.
type StateStore interface {
	// InsertStateIfAbsent inserts the row and reports whether it was
	// inserted. An existing row is left untouched.
	InsertStateIfAbsent(ctx context.Context, st *models.UserNotificationState) (bool, error)
	// UpsertStateRedeliver inserts the row or refreshes delivered_at and the
	// rendered text while clearing read_at and dismissed_at.
	UpsertStateRedeliver(ctx context.Context, st *models.UserNotificationState) error
	GetState(ctx context.Context, userID, notificationID uuid.UUID) (*models.UserNotificationState, error)

	// MarkRead and MarkDismissed upsert the row; the first timestamp wins.
	// The notification id may name a rule or an announcement.
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error
	MarkDismissed(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)

	// ListActive joins state rows with their rule or announcement. Announcements
	// outside their publish window are left out.
	ListActive(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error)
}

// PreferenceStore covers notification types and silencing.
type PreferenceStore interface {
	IsTypeSilenced(ctx context.Context, userID, typeID uuid.UUID) (bool, error)
	SilenceType(ctx context.Context, userID, typeID uuid.UUID) error
	UnsilenceType(ctx context.Context, userID, typeID uuid.UUID) error
	ListSilencedTypes(ctx context.Context, userID uuid.UUID) ([]*models.NotificationType, error)

	ListNotificationTypes(ctx context.Context) ([]*models.NotificationType, error)
	CreateNotificationType(ctx context.Context, t *models.NotificationType) error
}

// AnnouncementStore covers administrator-authored notifications and their
// explicit targets.
type AnnouncementStore interface {
	// ListAnnouncements returns every announcement, newest first, with
	// recipient and read counts.
	ListAnnouncements(ctx context.Context) ([]*models.Announcement, error)
	GetAnnouncement(ctx context.Context, id uuid.UUID) (*models.Announcement, error)
	CreateAnnouncement(ctx context.Context, a *models.Announcement) error
	// UpdateAnnouncement keeps CreatedBy, CreatedAt and DeliveredAt.
	UpdateAnnouncement(ctx context.Context, a *models.Announcement) error
	DeleteAnnouncement(ctx context.Context, id uuid.UUID) error

	// DueAnnouncements returns live announcements not yet delivered, oldest
	// publish time first, with their targets.
	DueAnnouncements(ctx context.Context, now time.Time, limit int) ([]*models.Announcement, error)
	MarkAnnouncementDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store is the full persistence contract.
type Store interface {
	EventStore
	RuleStore
	StateStore
	PreferenceStore
	AnnouncementStore
}

// IsTransient reports whether err is worth retrying: serialization
// failures, deadlocks, dropped connections and errors pgx marks safe to
// retry. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	return pgconn.SafeToRetry(err)
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
