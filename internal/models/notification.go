package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType is a coarse category a user can silence.
type NotificationType struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	IsActive    bool      `json:"isActive" db:"is_active"`
}

// UserNotificationState is the per-(user, notification) delivery record.
// Timestamps fill in monotonically; only the "always" repeat policy clears
// ReadAt/DismissedAt on redelivery.
type UserNotificationState struct {
	UserID         uuid.UUID  `json:"userId" db:"user_id"`
	NotificationID uuid.UUID  `json:"notificationId" db:"notification_id"`
	Title          string     `json:"title" db:"title"`
	Content        string     `json:"content" db:"content"`
	DeliveredAt    time.Time  `json:"deliveredAt" db:"delivered_at"`
	ReadAt         *time.Time `json:"readAt,omitempty" db:"read_at"`
	DismissedAt    *time.Time `json:"dismissedAt,omitempty" db:"dismissed_at"`
}

// Notification is the client-facing view of a delivered notification, joined
// from the state row and its rule.
type Notification struct {
	ID          uuid.UUID   `json:"id"`
	TypeID      *uuid.UUID  `json:"typeId,omitempty"`
	TypeName    *string     `json:"typeName,omitempty"`
	Title       string      `json:"title"`
	Content     string      `json:"content"`
	DisplayMode DisplayMode `json:"displayMode"`
	Priority    int         `json:"priority"`
	DeliveredAt time.Time   `json:"deliveredAt"`
	ReadAt      *time.Time  `json:"readAt,omitempty"`
	DismissedAt *time.Time  `json:"dismissedAt,omitempty"`
}

// Unread reports whether the notification still needs attention.
func (n *Notification) Unread() bool {
	return n.ReadAt == nil && n.DismissedAt == nil
}
