// Package notification serves a user's delivered notifications: the active
// list, read and dismiss state, and silenced notification types.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zentra/beacon/internal/fanout"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

var ErrNotFound = errors.New("notification not found")

// Store is the slice of store.Store this service reads and writes.
type Store interface {
	ListActive(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error
	MarkDismissed(ctx context.Context, userID, notificationID uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)

	ListNotificationTypes(ctx context.Context) ([]*models.NotificationType, error)
	ListSilencedTypes(ctx context.Context, userID uuid.UUID) ([]*models.NotificationType, error)
	SilenceType(ctx context.Context, userID, typeID uuid.UUID) error
	UnsilenceType(ctx context.Context, userID, typeID uuid.UUID) error
}

// Inbox is the response of ListActive.
type Inbox struct {
	Notifications []*models.Notification `json:"notifications"`
	UnreadCount   int                    `json:"unreadCount"`
	PendingModals []*models.Notification `json:"pendingModals"`
}

type Service struct {
	store     Store
	publisher fanout.Publisher
	now       func() time.Time
}

func NewService(s Store, publisher fanout.Publisher) *Service {
	return &Service{store: s, publisher: publisher, now: time.Now}
}

// ListActive returns undismissed notifications with the unread count and the
// unread modals the client should show first.
func (s *Service) ListActive(ctx context.Context, userID uuid.UUID) (*Inbox, error) {
	active, err := s.store.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	inbox := &Inbox{
		Notifications: active,
		PendingModals: []*models.Notification{},
	}
	for _, n := range active {
		if !n.Unread() {
			continue
		}
		inbox.UnreadCount++
		if n.DisplayMode.Blocking() {
			inbox.PendingModals = append(inbox.PendingModals, n)
		}
	}
	return inbox, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	inbox, err := s.ListActive(ctx, userID)
	if err != nil {
		return 0, err
	}
	return inbox.UnreadCount, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	return s.mark(ctx, userID, notificationID, s.store.MarkRead, fanout.TypeNotificationRead)
}

func (s *Service) MarkDismissed(ctx context.Context, userID, notificationID uuid.UUID) error {
	return s.mark(ctx, userID, notificationID, s.store.MarkDismissed, fanout.TypeNotificationDismissed)
}

func (s *Service) mark(ctx context.Context, userID, notificationID uuid.UUID,
	write func(context.Context, uuid.UUID, uuid.UUID, time.Time) error, envType string) error {
	at := s.now()
	if err := write(ctx, userID, notificationID, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	// Other sessions of the same user update their badge
	env := fanout.Envelope{Type: envType, Data: fanout.StatePayload{ID: notificationID, At: at}}
	if err := s.publisher.Publish(ctx, userID, env); err != nil {
		log.Warn().Err(err).
			Str("userId", userID.String()).
			Str("notificationId", notificationID.String()).
			Str("type", envType).
			Msg("Failed to publish notification state change")
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.MarkAllRead(ctx, userID, s.now())
}

func (s *Service) ListTypes(ctx context.Context) ([]*models.NotificationType, error) {
	return s.store.ListNotificationTypes(ctx)
}

func (s *Service) ListSilenced(ctx context.Context, userID uuid.UUID) ([]*models.NotificationType, error) {
	return s.store.ListSilencedTypes(ctx, userID)
}

func (s *Service) Silence(ctx context.Context, userID, typeID uuid.UUID) error {
	if err := s.store.SilenceType(ctx, userID, typeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Service) Unsilence(ctx context.Context, userID, typeID uuid.UUID) error {
	return s.store.UnsilenceType(ctx, userID, typeID)
}
