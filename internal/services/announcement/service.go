// Package announcement lets administrators author notifications directly,
// outside any event rule, and publishes them once their publish time passes.
package announcement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zentra/beacon/internal/audience"
	"github.com/zentra/beacon/internal/delivery"
	"github.com/zentra/beacon/internal/fanout"
	"github.com/zentra/beacon/internal/metrics"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

var (
	ErrNotFound      = errors.New("announcement not found")
	ErrNoAudience    = errors.New("announcement needs targetAllUsers, targetUserIds or targetGroupIds")
	ErrInvalidWindow = errors.New("expiresAt must be after publishAt")
	ErrUnknownType   = errors.New("notification type not found")
)

const (
	DefaultPublishInterval = 30 * time.Second
	DefaultBatchSize       = 50
	DefaultConcurrency     = 16
)

type Store interface {
	ListAnnouncements(ctx context.Context) ([]*models.Announcement, error)
	GetAnnouncement(ctx context.Context, id uuid.UUID) (*models.Announcement, error)
	CreateAnnouncement(ctx context.Context, a *models.Announcement) error
	UpdateAnnouncement(ctx context.Context, a *models.Announcement) error
	DeleteAnnouncement(ctx context.Context, id uuid.UUID) error
	DueAnnouncements(ctx context.Context, now time.Time, limit int) ([]*models.Announcement, error)
	MarkAnnouncementDelivered(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertStateIfAbsent(ctx context.Context, st *models.UserNotificationState) (bool, error)
	IsTypeSilenced(ctx context.Context, userID, typeID uuid.UUID) (bool, error)
}

// Audience is satisfied by *audience.Resolver.
type Audience interface {
	ResolveSet(ctx context.Context, set audience.Set, yield func(uuid.UUID) error) error
}

type Request struct {
	TypeID         *uuid.UUID  `json:"typeId"`
	Title          string      `json:"title" validate:"required,max=255"`
	Content        string      `json:"content" validate:"required,max=5000"`
	TargetAllUsers bool        `json:"targetAllUsers"`
	TargetUserIDs  []uuid.UUID `json:"targetUserIds"`
	TargetGroupIDs []uuid.UUID `json:"targetGroupIds"`
	DisplayMode    string      `json:"displayMode" validate:"omitempty,displaymode"`
	Priority       int         `json:"priority" validate:"min=-1000,max=1000"`
	PublishAt      *time.Time  `json:"publishAt"`
	ExpiresAt      *time.Time  `json:"expiresAt"`
	IsActive       *bool       `json:"isActive"`
}

type Config struct {
	PublishInterval time.Duration
	BatchSize       int
	Concurrency     int
}

type Service struct {
	store     Store
	audience  Audience
	publisher fanout.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// NewService builds the service. m may be nil.
func NewService(s Store, aud Audience, publisher fanout.Publisher, m *metrics.Metrics, cfg Config) *Service {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultPublishInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Service{
		store:     s,
		audience:  aud,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Service) List(ctx context.Context) ([]*models.Announcement, error) {
	return s.store.ListAnnouncements(ctx)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Announcement, error) {
	a, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

// Create stores the announcement and, when it is already live, delivers it
// before returning. A failed delivery is left to the publish loop.
func (s *Service) Create(ctx context.Context, author uuid.UUID, req Request) (*models.Announcement, error) {
	a := &models.Announcement{CreatedBy: &author}
	if err := apply(a, req); err != nil {
		return nil, err
	}
	if err := s.store.CreateAnnouncement(ctx, a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownType
		}
		return nil, err
	}
	log.Info().Str("announcementId", a.ID.String()).Str("createdBy", author.String()).Msg("Announcement created")

	s.deliverIfLive(ctx, a)
	return a, nil
}

// Update replaces the announcement. A live announcement is delivered again
// so recipients added by the update receive it; existing recipients keep
// their state.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req Request) (*models.Announcement, error) {
	if _, err := s.store.GetAnnouncement(ctx, id); err != nil {
		return nil, mapErr(err)
	}
	a := &models.Announcement{ID: id}
	if err := apply(a, req); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAnnouncement(ctx, a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownType
		}
		return nil, err
	}

	s.deliverIfLive(ctx, a)
	return a, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteAnnouncement(ctx, id); err != nil {
		return mapErr(err)
	}
	log.Info().Str("announcementId", id.String()).Msg("Announcement deleted")
	return nil
}

func (s *Service) deliverIfLive(ctx context.Context, a *models.Announcement) {
	if !a.Live(s.now()) {
		return
	}
	if _, err := s.Deliver(ctx, a); err != nil {
		log.Warn().Err(err).Str("announcementId", a.ID.String()).Msg("Announcement delivery incomplete; publish loop will retry")
	}
}

// Deliver records a state row for every recipient that has none yet and
// pushes the announcement to them. It returns how many recipients were new.
// The announcement is marked delivered only when every recipient succeeded.
func (s *Service) Deliver(ctx context.Context, a *models.Announcement) (int, error) {
	logger := log.With().Str("announcementId", a.ID.String()).Logger()
	now := s.now()

	var delivered, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)

	set := audience.Set{All: a.TargetAll, Users: a.TargetUserIDs, Groups: a.TargetGroupIDs}
	err := s.audience.ResolveSet(ctx, set, func(userID uuid.UUID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			inserted, err := s.deliverOne(ctx, logger, a, userID, now)
			switch {
			case err != nil:
				failed.Add(1)
			case inserted:
				delivered.Add(1)
			}
			return nil
		})
		return nil
	})
	_ = g.Wait()

	n := int(delivered.Load())
	if err != nil {
		s.metrics.Error("audience")
		return n, fmt.Errorf("failed to resolve announcement audience: %w", err)
	}
	if f := failed.Load(); f > 0 {
		return n, fmt.Errorf("failed to deliver announcement to %d recipients", f)
	}

	if err := s.store.MarkAnnouncementDelivered(ctx, a.ID, now); err != nil {
		return n, fmt.Errorf("failed to mark announcement delivered: %w", err)
	}
	if a.DeliveredAt == nil {
		a.DeliveredAt = &now
	}
	logger.Info().Int("delivered", n).Msg("Announcement delivered")
	return n, nil
}

func (s *Service) deliverOne(ctx context.Context, logger zerolog.Logger, a *models.Announcement, userID uuid.UUID, now time.Time) (bool, error) {
	inserted, err := s.store.InsertStateIfAbsent(ctx, &models.UserNotificationState{
		UserID:         userID,
		NotificationID: a.ID,
		Title:          a.Title,
		Content:        a.Content,
		DeliveredAt:    now,
	})
	if err != nil {
		s.metrics.Error("state")
		logger.Error().Err(err).Str("recipient", userID.String()).Msg("Failed to record announcement delivery")
		return false, err
	}
	if !inserted {
		s.metrics.Skipped(delivery.ReasonAlreadyDelivered)
		return false, nil
	}
	s.metrics.Delivered("announcement")

	// The row stays either way; the inbox hides silenced types.
	if a.TypeID != nil && !a.DisplayMode.Blocking() {
		silenced, err := s.store.IsTypeSilenced(ctx, userID, *a.TypeID)
		if err != nil {
			logger.Warn().Err(err).Str("recipient", userID.String()).Msg("Failed to check silenced types")
		}
		if silenced {
			return true, nil
		}
	}

	env := fanout.NewNotification(fanout.NotificationPayload{
		ID:          a.ID,
		TypeID:      a.TypeID,
		Title:       a.Title,
		Content:     a.Content,
		DisplayMode: a.DisplayMode,
		Priority:    a.Priority,
		DeliveredAt: now,
	})
	if err := s.publisher.Publish(ctx, userID, env); err != nil {
		s.metrics.PublishFailed()
		logger.Warn().Err(err).Str("recipient", userID.String()).Msg("Failed to publish announcement; state row kept")
	}
	return true, nil
}

// PublishDue delivers every announcement whose publish time has passed.
// Announcements that fail stay due and are retried on the next run.
func (s *Service) PublishDue(ctx context.Context) (int, error) {
	due, err := s.store.DueAnnouncements(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due announcements: %w", err)
	}

	published := 0
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if _, err := s.Deliver(ctx, a); err != nil {
			log.Warn().Err(err).Str("announcementId", a.ID.String()).Msg("Scheduled announcement delivery failed")
			continue
		}
		published++
	}
	return published, nil
}

// Start publishes due announcements immediately and then every
// PublishInterval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PublishInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.PublishInterval).Msg("Starting announcement publisher")

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Announcement publisher stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Announcement publish panicked; will retry next interval")
		}
	}()

	n, err := s.PublishDue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Announcement publish failed")
		return
	}
	if n > 0 {
		log.Info().Int("published", n).Msg("Published scheduled announcements")
	}
}

func apply(a *models.Announcement, req Request) error {
	if !req.TargetAllUsers && len(req.TargetUserIDs) == 0 && len(req.TargetGroupIDs) == 0 {
		return ErrNoAudience
	}
	if req.PublishAt != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.PublishAt) {
		return ErrInvalidWindow
	}

	a.TypeID = req.TypeID
	a.Title = req.Title
	a.Content = req.Content
	a.TargetAll = req.TargetAllUsers
	a.TargetUserIDs, a.TargetGroupIDs = nil, nil
	if !a.TargetAll {
		a.TargetUserIDs = req.TargetUserIDs
		a.TargetGroupIDs = req.TargetGroupIDs
	}
	a.DisplayMode = models.DisplayMode(req.DisplayMode)
	if a.DisplayMode == "" {
		a.DisplayMode = models.DisplaySimple
	}
	a.Priority = req.Priority
	a.PublishAt = req.PublishAt
	a.ExpiresAt = req.ExpiresAt
	a.IsActive = true
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
