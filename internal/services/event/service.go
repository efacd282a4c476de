// Package event exposes the trigger endpoint and the admin surface for event
// definitions, notification rules and the occurrence log.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zentra/beacon/internal/condition"
	"github.com/zentra/beacon/internal/dispatch"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
	"github.com/zentra/beacon/internal/utils"
)

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrCodeTaken       = errors.New("event code already exists")
	ErrMissingTargets  = errors.New("target mode requires at least one target")
	ErrTargetModeFixed = errors.New("target mode cannot change after creation")
)

const (
	defaultCategory      = "general"
	defaultRetentionDays = 90
)

// Store is the admin slice of store.Store.
type Store interface {
	ListEvents(ctx context.Context) ([]*models.EventDefinition, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*models.EventDefinition, error)
	CreateEvent(ctx context.Context, e *models.EventDefinition) error
	UpdateEvent(ctx context.Context, e *models.EventDefinition) error
	DeleteEvent(ctx context.Context, id uuid.UUID) error
	ListOccurrences(ctx context.Context, f models.OccurrenceFilter) ([]*models.EventOccurrence, int64, error)

	ListRulesForEvent(ctx context.Context, eventID uuid.UUID) ([]*models.NotificationRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*models.NotificationRule, error)
	CreateRule(ctx context.Context, r *models.NotificationRule) error
	UpdateRule(ctx context.Context, r *models.NotificationRule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error
}

// Triggerer is satisfied by *dispatch.Dispatcher.
type Triggerer interface {
	Trigger(ctx context.Context, code string, tc dispatch.TriggerContext) (*dispatch.Result, error)
}

type TriggerRequest struct {
	Code string         `json:"code" validate:"required,eventcode"`
	Data map[string]any `json:"data"`
}

type EventRequest struct {
	Code             string  `json:"code" validate:"required,eventcode"`
	Name             string  `json:"name" validate:"required,max=200"`
	Description      *string `json:"description" validate:"omitempty,max=2000"`
	Category         string  `json:"category" validate:"max=100"`
	IsActive         *bool   `json:"isActive"`
	IsLogged         *bool   `json:"isLogged"`
	LogRetentionDays *int    `json:"logRetentionDays" validate:"omitempty,min=0,max=3650"`
}

type RuleRequest struct {
	Name           string          `json:"name" validate:"required,max=200"`
	Condition      json.RawMessage `json:"condition"`
	TargetMode     string          `json:"targetMode" validate:"omitempty,targetmode"`
	RepeatPolicy   string          `json:"repeatPolicy" validate:"omitempty,repeatpolicy"`
	Title          string          `json:"title" validate:"required,max=255"`
	Content        string          `json:"content" validate:"required,max=5000"`
	TypeID         *uuid.UUID      `json:"typeId"`
	DisplayMode    string          `json:"displayMode" validate:"omitempty,displaymode"`
	Priority       int             `json:"priority" validate:"min=-1000,max=1000"`
	IsActive       *bool           `json:"isActive"`
	TargetUserIDs  []uuid.UUID     `json:"targetUserIds"`
	TargetGroupIDs []uuid.UUID     `json:"targetGroupIds"`
}

// EventDetail is an event with its rules and their targets.
type EventDetail struct {
	*models.EventDefinition
	Rules []*models.NotificationRule `json:"rules"`
}

type Service struct {
	store      Store
	dispatcher Triggerer
}

func NewService(s Store, dispatcher Triggerer) *Service {
	return &Service{store: s, dispatcher: dispatcher}
}

func (s *Service) Trigger(ctx context.Context, userID *uuid.UUID, req TriggerRequest, meta dispatch.Metadata) (*dispatch.Result, error) {
	return s.dispatcher.Trigger(ctx, req.Code, dispatch.TriggerContext{
		TriggerUserID: userID,
		Payload:       req.Data,
		Metadata:      meta,
	})
}

func (s *Service) ListEvents(ctx context.Context) ([]*models.EventDefinition, error) {
	return s.store.ListEvents(ctx)
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*EventDetail, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, mapErr(err, ErrEventNotFound)
	}
	rules, err := s.store.ListRulesForEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return &EventDetail{EventDefinition: e, Rules: rules}, nil
}

func (s *Service) CreateEvent(ctx context.Context, req EventRequest) (*models.EventDefinition, error) {
	e := &models.EventDefinition{}
	applyEvent(e, req)
	if err := s.store.CreateEvent(ctx, e); err != nil {
		return nil, mapErr(err, ErrEventNotFound)
	}
	log.Info().Str("event", e.Code).Str("eventId", e.ID.String()).Msg("Event created")
	return e, nil
}

func (s *Service) UpdateEvent(ctx context.Context, id uuid.UUID, req EventRequest) (*models.EventDefinition, error) {
	e := &models.EventDefinition{ID: id}
	applyEvent(e, req)
	if err := s.store.UpdateEvent(ctx, e); err != nil {
		return nil, mapErr(err, ErrEventNotFound)
	}
	return e, nil
}

func (s *Service) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteEvent(ctx, id); err != nil {
		return mapErr(err, ErrEventNotFound)
	}
	log.Info().Str("eventId", id.String()).Msg("Event deleted")
	return nil
}

func (s *Service) CreateRule(ctx context.Context, eventID uuid.UUID, req RuleRequest) (*models.NotificationRule, error) {
	r := &models.NotificationRule{
		EventID:    eventID,
		TargetMode: models.TargetMode(req.TargetMode),
	}
	if r.TargetMode == "" {
		r.TargetMode = models.TargetTriggeringUser
	}
	if err := applyRule(r, req); err != nil {
		return nil, err
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, mapErr(err, ErrEventNotFound)
	}
	log.Info().Str("ruleId", r.ID.String()).Str("eventId", eventID.String()).Msg("Notification rule created")
	return r, nil
}

func (s *Service) UpdateRule(ctx context.Context, ruleID uuid.UUID, req RuleRequest) (*models.NotificationRule, error) {
	existing, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, mapErr(err, ErrRuleNotFound)
	}
	if req.TargetMode != "" && models.TargetMode(req.TargetMode) != existing.TargetMode {
		return nil, fmt.Errorf("%w: rule targets %s", ErrTargetModeFixed, existing.TargetMode)
	}

	r := &models.NotificationRule{ID: ruleID, TargetMode: existing.TargetMode}
	if err := applyRule(r, req); err != nil {
		return nil, err
	}
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return nil, mapErr(err, ErrRuleNotFound)
	}
	return r, nil
}

func (s *Service) DeleteRule(ctx context.Context, ruleID uuid.UUID) error {
	if err := s.store.DeleteRule(ctx, ruleID); err != nil {
		return mapErr(err, ErrRuleNotFound)
	}
	return nil
}

func (s *Service) ListLogs(ctx context.Context, f models.OccurrenceFilter) ([]*models.EventOccurrence, int64, error) {
	return s.store.ListOccurrences(ctx, f)
}

func applyEvent(e *models.EventDefinition, req EventRequest) {
	e.Code = req.Code
	e.Name = utils.SanitizeString(req.Name)
	e.Description = req.Description
	e.Category = req.Category
	if e.Category == "" {
		e.Category = defaultCategory
	}
	e.IsActive = boolOr(req.IsActive, true)
	e.IsLogged = boolOr(req.IsLogged, true)
	e.LogRetentionDays = defaultRetentionDays
	if req.LogRetentionDays != nil {
		e.LogRetentionDays = *req.LogRetentionDays
	}
}

// applyRule fills r from req around the target mode already set on r.
// Conditions are checked strictly here so that a rule with an unknown
// operator never reaches dispatch.
func applyRule(r *models.NotificationRule, req RuleRequest) error {
	cond := req.Condition
	if string(cond) == "null" {
		cond = nil
	}
	if err := condition.Validate(cond); err != nil {
		return err
	}

	r.Name = utils.SanitizeString(req.Name)
	r.Condition = cond
	r.RepeatPolicy = models.RepeatPolicy(req.RepeatPolicy)
	if r.RepeatPolicy == "" {
		r.RepeatPolicy = models.RepeatOnce
	}
	r.DisplayMode = models.DisplayMode(req.DisplayMode)
	if r.DisplayMode == "" {
		r.DisplayMode = models.DisplayToast
	}
	r.Title = req.Title
	r.Content = req.Content
	r.TypeID = req.TypeID
	r.Priority = req.Priority
	r.IsActive = boolOr(req.IsActive, true)

	switch r.TargetMode {
	case models.TargetSpecificUsers:
		if len(req.TargetUserIDs) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingTargets, r.TargetMode)
		}
		r.TargetUserIDs = req.TargetUserIDs
	case models.TargetSpecificGroups:
		if len(req.TargetGroupIDs) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingTargets, r.TargetMode)
		}
		r.TargetGroupIDs = req.TargetGroupIDs
	}
	return nil
}

func mapErr(err, notFound error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound
	case errors.Is(err, store.ErrConflict):
		return ErrCodeTaken
	}
	return err
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
