package models

import (
	"time"

	"github.com/google/uuid"
)

// Announcement is a notification authored directly by an administrator
// instead of being produced by a rule. It reaches its audience once
// PublishAt passes and leaves inboxes at ExpiresAt. Its ID is the
// notification id recorded in user_notifications.
type Announcement struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	TypeID      *uuid.UUID  `json:"typeId,omitempty" db:"type_id"`
	Title       string      `json:"title" db:"title"`
	Content     string      `json:"content" db:"content"`
	TargetAll   bool        `json:"targetAllUsers" db:"target_all_users"`
	DisplayMode DisplayMode `json:"displayMode" db:"display_mode"`
	Priority    int         `json:"priority" db:"priority"`
	PublishAt   *time.Time  `json:"publishAt,omitempty" db:"publish_at"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty" db:"expires_at"`
	IsActive    bool        `json:"isActive" db:"is_active"`
	CreatedBy   *uuid.UUID  `json:"createdBy,omitempty" db:"created_by"`
	DeliveredAt *time.Time  `json:"deliveredAt,omitempty" db:"delivered_at"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`

	TargetUserIDs  []uuid.UUID `json:"targetUserIds,omitempty" db:"-"`
	TargetGroupIDs []uuid.UUID `json:"targetGroupIds,omitempty" db:"-"`

	// Populated by admin listings only
	RecipientCount int64 `json:"recipientCount" db:"-"`
	ReadCount      int64 `json:"readCount" db:"-"`
}

// Live reports whether the announcement belongs in inboxes at now.
func (a *Announcement) Live(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.PublishAt != nil && a.PublishAt.After(now) {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}
