package models

import (
	"time"

	"github.com/google/uuid"
)

// EventDefinition identifies a class of occurrences in the host application.
type EventDefinition struct {
	ID               uuid.UUID `json:"id" db:"id"`
	Code             string    `json:"code" db:"code"`
	Name             string    `json:"name" db:"name"`
	Description      *string   `json:"description,omitempty" db:"description"`
	Category         string    `json:"category" db:"category"`
	IsActive         bool      `json:"isActive" db:"is_active"`
	IsLogged         bool      `json:"isLogged" db:"is_logged"`
	LogRetentionDays int       `json:"logRetentionDays" db:"log_retention_days"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`

	// Populated by admin listings only
	RuleCount int64 `json:"ruleCount,omitempty" db:"-"`
	LogCount  int64 `json:"logCount,omitempty" db:"-"`
}

// EventOccurrence is an immutable log row for a single triggered event.
type EventOccurrence struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	EventID     uuid.UUID      `json:"eventId" db:"event_id"`
	UserID      *uuid.UUID     `json:"userId,omitempty" db:"user_id"`
	Payload     map[string]any `json:"payload,omitempty" db:"data_json"`
	IPAddress   *string        `json:"ipAddress,omitempty" db:"ip_address"`
	UserAgent   *string        `json:"userAgent,omitempty" db:"user_agent"`
	TriggeredAt time.Time      `json:"triggeredAt" db:"triggered_at"`

	// Joined for admin log listings
	EventCode string `json:"eventCode,omitempty" db:"-"`
}

// OccurrenceFilter narrows event log listings.
type OccurrenceFilter struct {
	EventID *uuid.UUID
	UserID  *uuid.UUID
	Limit   int
	Offset  int
}
