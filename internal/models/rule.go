package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TargetMode selects the audience resolution strategy of a rule.
type TargetMode string

const (
	TargetTriggeringUser   TargetMode = "triggering_user"
	TargetSpecificUsers    TargetMode = "specific_users"
	TargetSpecificGroups   TargetMode = "specific_groups"
	TargetRelationshipPeer TargetMode = "relationship_of_trigger_user"
	TargetBroadcastAll     TargetMode = "broadcast_all"
)

func (m TargetMode) Valid() bool {
	switch m {
	case TargetTriggeringUser, TargetSpecificUsers, TargetSpecificGroups,
		TargetRelationshipPeer, TargetBroadcastAll:
		return true
	}
	return false
}

// RepeatPolicy governs how often a recipient may receive a rule's notification.
type RepeatPolicy string

const (
	RepeatAlways        RepeatPolicy = "always"
	RepeatOnce          RepeatPolicy = "once"
	RepeatUntilSilenced RepeatPolicy = "until_silenced"
)

func (p RepeatPolicy) Valid() bool {
	switch p {
	case RepeatAlways, RepeatOnce, RepeatUntilSilenced:
		return true
	}
	return false
}

// DisplayMode controls how a client renders a notification.
type DisplayMode string

const (
	DisplaySimple DisplayMode = "simple"
	DisplayToast  DisplayMode = "toast"
	DisplayBanner DisplayMode = "banner"
	DisplayModal  DisplayMode = "modal"
)

// Blocking reports whether the display mode interrupts the user. Blocking
// notifications bypass silenced types.
func (d DisplayMode) Blocking() bool {
	return d == DisplayModal
}

// NotificationRule maps an event (plus optional condition) to a notification
// template and a target audience. Its ID doubles as the logical notification
// id recorded in user_notifications.
type NotificationRule struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	EventID      uuid.UUID       `json:"eventId" db:"event_id"`
	Name         string          `json:"name" db:"name"`
	Condition    json.RawMessage `json:"condition,omitempty" db:"condition_json"`
	TargetMode   TargetMode      `json:"targetMode" db:"target_mode"`
	RepeatPolicy RepeatPolicy    `json:"repeatPolicy" db:"repeat_policy"`
	Title        string          `json:"title" db:"notification_title"`
	Content      string          `json:"content" db:"notification_content"`
	TypeID       *uuid.UUID      `json:"typeId,omitempty" db:"notification_type_id"`
	DisplayMode  DisplayMode     `json:"displayMode" db:"display_mode"`
	Priority     int             `json:"priority" db:"priority"`
	IsActive     bool            `json:"isActive" db:"is_active"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`

	// Populated by admin reads, never consulted by dispatch
	TargetUserIDs  []uuid.UUID `json:"targetUserIds,omitempty" db:"-"`
	TargetGroupIDs []uuid.UUID `json:"targetGroupIds,omitempty" db:"-"`
}
