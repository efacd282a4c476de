// Package delivery applies a rule's repeat policy for a single recipient and
// records the outcome in the state store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

var ErrUnknownPolicy = errors.New("unknown repeat policy")

const DefaultRetryBackoff = 50 * time.Millisecond

// Skip reasons reported in Decision.Reason.
const (
	ReasonAlreadyDelivered = "already_delivered"
	ReasonSilenced         = "silenced"
)

// StateWriter is the subset of the state store the engine writes through.
type StateWriter interface {
	InsertStateIfAbsent(ctx context.Context, st *models.UserNotificationState) (bool, error)
	UpsertStateRedeliver(ctx context.Context, st *models.UserNotificationState) error
	IsTypeSilenced(ctx context.Context, userID, typeID uuid.UUID) (bool, error)
}

// Message is the rendered notification for one recipient.
type Message struct {
	Title       string
	Content     string
	DeliveredAt time.Time
}

type Decision struct {
	Deliver bool
	Reason  string
}

type Config struct {
	RetryBackoff time.Duration
}

type Engine struct {
	state StateWriter
	cfg   Config
}

func NewEngine(state StateWriter, cfg Config) *Engine {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Engine{state: state, cfg: cfg}
}

// ShouldDeliver decides whether recipient gets rule's notification and
// writes the state row in the same step. When it returns Deliver the row
// already reflects the delivery.
func (e *Engine) ShouldDeliver(ctx context.Context, rule *models.NotificationRule, recipient uuid.UUID, msg Message) (Decision, error) {
	if msg.DeliveredAt.IsZero() {
		msg.DeliveredAt = time.Now()
	}
	st := &models.UserNotificationState{
		UserID:         recipient,
		NotificationID: rule.ID,
		Title:          msg.Title,
		Content:        msg.Content,
		DeliveredAt:    msg.DeliveredAt,
	}

	switch rule.RepeatPolicy {
	case models.RepeatOnce:
		inserted, err := retry(ctx, e.cfg.RetryBackoff, func() (bool, error) {
			return e.state.InsertStateIfAbsent(ctx, st)
		})
		if err != nil {
			return Decision{}, fmt.Errorf("failed to record delivery: %w", err)
		}
		if !inserted {
			return Decision{Reason: ReasonAlreadyDelivered}, nil
		}
		return Decision{Deliver: true}, nil

	case models.RepeatUntilSilenced:
		if rule.TypeID != nil && !rule.DisplayMode.Blocking() {
			silenced, err := retry(ctx, e.cfg.RetryBackoff, func() (bool, error) {
				return e.state.IsTypeSilenced(ctx, recipient, *rule.TypeID)
			})
			if err != nil {
				return Decision{}, fmt.Errorf("failed to check silenced types: %w", err)
			}
			if silenced {
				return Decision{Reason: ReasonSilenced}, nil
			}
		}
		if _, err := retry(ctx, e.cfg.RetryBackoff, func() (bool, error) {
			return e.state.InsertStateIfAbsent(ctx, st)
		}); err != nil {
			return Decision{}, fmt.Errorf("failed to record delivery: %w", err)
		}
		return Decision{Deliver: true}, nil

	case models.RepeatAlways:
		if _, err := retry(ctx, e.cfg.RetryBackoff, func() (struct{}, error) {
			return struct{}{}, e.state.UpsertStateRedeliver(ctx, st)
		}); err != nil {
			return Decision{}, fmt.Errorf("failed to record redelivery: %w", err)
		}
		return Decision{Deliver: true}, nil
	}

	return Decision{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, rule.RepeatPolicy)
}

// retry runs fn and, if it fails with a transient store error, runs it once
// more after backoff.
func retry[T any](ctx context.Context, backoff time.Duration, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || !store.IsTransient(err) {
		return v, err
	}

	log.Warn().Err(err).Dur("backoff", backoff).Msg("Transient store error, retrying once")

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return v, ctx.Err()
	case <-timer.C:
	}
	return fn()
}
