// Package dispatch turns an event occurrence into notifications: it logs the
// occurrence, evaluates every active rule of the event, resolves each rule's
// audience, applies the repeat policy per recipient and publishes the result.
package dispatch

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

	"github.com/zentra/beacon/internal/condition"
	"github.com/zentra/beacon/internal/delivery"
	"github.com/zentra/beacon/internal/fanout"
	"github.com/zentra/beacon/internal/metrics"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

const (
	ReasonEventNotFound = "event_not_found"
	ReasonTimeout       = "timeout"
)

const (
	DefaultTriggerTimeout       = 10 * time.Second
	DefaultRuleConcurrency      = 4
	DefaultRecipientConcurrency = 16
)

type Metadata struct {
	IPAddress string
	UserAgent string
}

// TriggerContext describes one occurrence. TriggerUserID is nil for system
// events.
type TriggerContext struct {
	TriggerUserID *uuid.UUID
	Payload       map[string]any
	Metadata      Metadata
}

type Result struct {
	Triggered              bool   `json:"triggered"`
	Reason                 string `json:"reason,omitempty"`
	Event                  string `json:"event"`
	Logged                 bool   `json:"logged"`
	RulesMatched           int    `json:"rulesMatched"`
	NotificationsTriggered int    `json:"notificationsTriggered"`
	Skipped                int    `json:"skipped"`
	Errors                 int    `json:"errors"`
}

// Store is what the dispatcher reads and appends to.
type Store interface {
	GetEventByCode(ctx context.Context, code string) (*models.EventDefinition, error)
	AppendOccurrence(ctx context.Context, o *models.EventOccurrence) error
	ActiveRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error)
}

type Audience interface {
	Resolve(ctx context.Context, rule *models.NotificationRule, trigger *uuid.UUID, yield func(uuid.UUID) error) error
}

type Policy interface {
	ShouldDeliver(ctx context.Context, rule *models.NotificationRule, recipient uuid.UUID, msg delivery.Message) (delivery.Decision, error)
}

type Config struct {
	TriggerTimeout       time.Duration
	RuleConcurrency      int
	RecipientConcurrency int
}

type Dispatcher struct {
	store     Store
	audience  Audience
	policy    Policy
	publisher fanout.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

func New(s Store, audience Audience, policy Policy, publisher fanout.Publisher, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = DefaultTriggerTimeout
	}
	if cfg.RuleConcurrency <= 0 {
		cfg.RuleConcurrency = DefaultRuleConcurrency
	}
	if cfg.RecipientConcurrency <= 0 {
		cfg.RecipientConcurrency = DefaultRecipientConcurrency
	}
	return &Dispatcher{
		store:     s,
		audience:  audience,
		policy:    policy,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

type tally struct {
	matched, delivered, skipped, errors atomic.Int64
}

// Trigger processes one occurrence of the event identified by code. A missing
// or inactive event is not an error. Only failing to load the event or its
// rules aborts the call; every other failure is isolated to its rule or
// recipient and counted in Result.Errors.
func (d *Dispatcher) Trigger(ctx context.Context, code string, tc TriggerContext) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TriggerTimeout)
	defer cancel()

	logger := log.With().Str("event", code).Logger()
	if tc.TriggerUserID != nil {
		logger = logger.With().Str("userId", tc.TriggerUserID.String()).Logger()
	}
	if tc.Payload == nil {
		tc.Payload = map[string]any{}
	}

	event, err := d.store.GetEventByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !event.IsActive) {
		logger.Debug().Msg("Event not found or inactive")
		d.metrics.Trigger(ReasonEventNotFound, time.Since(start).Seconds())
		return &Result{Triggered: false, Reason: ReasonEventNotFound, Event: code}, nil
	}
	if err != nil {
		d.metrics.Error("event")
		d.metrics.Trigger("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to load event %q: %w", code, err)
	}

	res := &Result{Triggered: true, Event: event.Code}

	if event.IsLogged {
		occ := &models.EventOccurrence{
			EventID:     event.ID,
			UserID:      tc.TriggerUserID,
			Payload:     tc.Payload,
			IPAddress:   optional(tc.Metadata.IPAddress),
			UserAgent:   optional(tc.Metadata.UserAgent),
			TriggeredAt: d.now(),
		}
		if err := d.store.AppendOccurrence(ctx, occ); err != nil {
			logger.Error().Err(err).Msg("Failed to log event occurrence")
			d.metrics.Error("log")
		} else {
			res.Logged = true
		}
	}

	rules, err := d.store.ActiveRulesForEvent(ctx, event.ID)
	if err != nil {
		d.metrics.Error("rules")
		d.metrics.Trigger("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to load rules for %q: %w", code, err)
	}

	var t tally
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.RuleConcurrency)
	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			d.runRule(ctx, logger, event, rule, tc, &t)
			return nil
		})
	}
	_ = g.Wait()

	res.RulesMatched = int(t.matched.Load())
	res.NotificationsTriggered = int(t.delivered.Load())
	res.Skipped = int(t.skipped.Load())
	res.Errors = int(t.errors.Load())

	result := "triggered"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Reason = ReasonTimeout
		result = ReasonTimeout
		logger.Warn().Dur("timeout", d.cfg.TriggerTimeout).Msg("Trigger deadline exceeded; remaining recipients skipped")
	}
	d.metrics.Trigger(result, time.Since(start).Seconds())

	logger.Info().
		Int("rulesMatched", res.RulesMatched).
		Int("delivered", res.NotificationsTriggered).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("Event triggered")

	return res, nil
}

func (d *Dispatcher) runRule(ctx context.Context, logger zerolog.Logger, event *models.EventDefinition, rule *models.NotificationRule, tc TriggerContext, t *tally) {
	logger = logger.With().Str("ruleId", rule.ID.String()).Logger()

	node, err := condition.Parse(rule.Condition)
	if err != nil {
		logger.Warn().Err(err).Msg("Malformed rule condition, treating as non-match")
		d.metrics.Error("condition")
		return
	}
	if !condition.Evaluate(node, tc.Payload) {
		return
	}
	t.matched.Add(1)

	recipients := new(errgroup.Group)
	recipients.SetLimit(d.cfg.RecipientConcurrency)

	err = d.audience.Resolve(ctx, rule, tc.TriggerUserID, func(recipient uuid.UUID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		recipients.Go(func() error {
			d.deliver(ctx, logger, event, rule, recipient, tc, t)
			return nil
		})
		return nil
	})
	_ = recipients.Wait()

	if err != nil {
		t.errors.Add(1)
		d.metrics.Error("audience")
		logger.Error().Err(err).Str("targetMode", string(rule.TargetMode)).Msg("Failed to resolve audience")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, logger zerolog.Logger, event *models.EventDefinition, rule *models.NotificationRule, recipient uuid.UUID, tc TriggerContext, t *tally) {
	rc := delivery.RenderContext{
		Payload:   tc.Payload,
		Trigger:   tc.TriggerUserID,
		Recipient: recipient,
		EventCode: event.Code,
	}
	msg := delivery.Message{
		Title:       delivery.Render(rule.Title, rc),
		Content:     delivery.Render(rule.Content, rc),
		DeliveredAt: d.now(),
	}

	decision, err := d.policy.ShouldDeliver(ctx, rule, recipient, msg)
	if err != nil {
		t.errors.Add(1)
		d.metrics.Error("state")
		logger.Error().Err(err).Str("recipient", recipient.String()).Msg("Failed to record delivery")
		return
	}
	if !decision.Deliver {
		t.skipped.Add(1)
		d.metrics.Skipped(decision.Reason)
		return
	}
	t.delivered.Add(1)
	d.metrics.Delivered(string(rule.RepeatPolicy))

	env := fanout.NewNotification(fanout.NotificationPayload{
		ID:          rule.ID,
		EventCode:   event.Code,
		TypeID:      rule.TypeID,
		Title:       msg.Title,
		Content:     msg.Content,
		DisplayMode: rule.DisplayMode,
		Priority:    rule.Priority,
		DeliveredAt: msg.DeliveredAt,
	})
	if err := d.publisher.Publish(ctx, recipient, env); err != nil {
		d.metrics.PublishFailed()
		logger.Warn().Err(err).Str("recipient", recipient.String()).Msg("Failed to publish notification; state row kept")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
