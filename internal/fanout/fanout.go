// Package fanout moves notification envelopes from the dispatcher to every
// process holding a live connection for the recipient. Each user has a
// topic; processes join the topics of locally connected users.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/pkg/database"
)

// Envelope types pushed to clients.
const (
	TypeNotification          = "NOTIFICATION"
	TypeNotificationRead      = "NOTIFICATION_READ"
	TypeNotificationDismissed = "NOTIFICATION_DISMISSED"
)

// Envelope is the wire format on a user topic and on the websocket.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NotificationPayload is the data of a NOTIFICATION envelope. DeliveryID is
// fresh for every push, so a client holding an older render of the same
// notification can tell it apart.
type NotificationPayload struct {
	ID          uuid.UUID          `json:"id"`
	DeliveryID  uuid.UUID          `json:"deliveryId"`
	EventCode   string             `json:"eventCode,omitempty"`
	TypeID      *uuid.UUID         `json:"typeId,omitempty"`
	Title       string             `json:"title"`
	Content     string             `json:"content"`
	DisplayMode models.DisplayMode `json:"displayMode"`
	Priority    int                `json:"priority"`
	DeliveredAt time.Time          `json:"deliveredAt"`
}

// StatePayload is the data of NOTIFICATION_READ / NOTIFICATION_DISMISSED.
type StatePayload struct {
	ID uuid.UUID `json:"id"`
	At time.Time `json:"at"`
}

func NewNotification(p NotificationPayload) Envelope {
	if p.DeliveryID == uuid.Nil {
		p.DeliveryID = uuid.New()
	}
	return Envelope{Type: TypeNotification, Data: p}
}

// Publisher pushes an envelope to a user's topic.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, env Envelope) error
}

func Topic(userID uuid.UUID) string {
	return database.KeyPrefixUserTopic + userID.String()
}

func userFromTopic(topic string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimPrefix(topic, database.KeyPrefixUserTopic))
}

// RedisPublisher publishes on Redis pub/sub channels.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, userID uuid.UUID, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := p.client.Publish(ctx, Topic(userID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Topic(userID), err)
	}
	return nil
}

// Local hands envelopes straight to an in-process sink. Used when the
// service runs without a broker.
type Local struct {
	Deliver func(userID uuid.UUID, payload []byte)
}

func (l Local) Publish(ctx context.Context, userID uuid.UUID, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	l.Deliver(userID, data)
	return nil
}
