// Package websocket holds the live client connections of this process and
// pushes notification envelopes to them.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event types
const (
	EventTypeReady        = "READY"
	EventTypeHeartbeat    = "HEARTBEAT"
	EventTypeHeartbeatAck = "HEARTBEAT_ACK"
)

// Client represents a WebSocket client connection
type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	lastPing time.Time
}

// TopicMembership joins and leaves per-user fanout topics. Implemented by
// *fanout.Subscriber; nil when envelopes are delivered in-process.
type TopicMembership interface {
	JoinUserTopic(ctx context.Context, userID uuid.UUID) error
	LeaveUserTopic(ctx context.Context, userID uuid.UUID) error
}

// Hub manages all WebSocket connections
type Hub struct {
	clients     map[uuid.UUID]*Client   // Client ID -> Client
	userClients map[uuid.UUID][]*Client // User ID -> Clients (user can have multiple connections)
	register    chan *Client
	unregister  chan *Client
	topics      TopicMembership
	mu          sync.RWMutex
}

// ClientMessage represents an incoming message from a client
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewHub(topics TopicMembership) *Hub {
	return &Hub{
		clients:     make(map[uuid.UUID]*Client),
		userClients: make(map[uuid.UUID][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		topics:      topics,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.registerClient(ctx, client)
		case client := <-h.unregister:
			h.unregisterClient(ctx, client)
		}
	}
}

func (h *Hub) registerClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.userClients[client.UserID] = append(h.userClients[client.UserID], client)
	h.mu.Unlock()

	if h.topics != nil {
		if err := h.topics.JoinUserTopic(ctx, client.UserID); err != nil {
			log.Error().Err(err).Str("userId", client.UserID.String()).Msg("Failed to join user topic")
		}
	}

	log.Info().
		Str("clientId", client.ID.String()).
		Str("userId", client.UserID.String()).
		Msg("WebSocket client connected")
}

func (h *Hub) unregisterClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)

	clients := h.userClients[client.UserID]
	for i, c := range clients {
		if c.ID == client.ID {
			h.userClients[client.UserID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.userClients[client.UserID]) == 0 {
		delete(h.userClients, client.UserID)
	}
	h.mu.Unlock()

	if h.topics != nil {
		if err := h.topics.LeaveUserTopic(ctx, client.UserID); err != nil {
			log.Warn().Err(err).Str("userId", client.UserID.String()).Msg("Failed to leave user topic")
		}
	}

	log.Info().
		Str("clientId", client.ID.String()).
		Str("userId", client.UserID.String()).
		Msg("WebSocket client disconnected")
}

// Deliver forwards an encoded envelope to every local connection of the
// user. Slow clients drop the message rather than block the fanout loop.
func (h *Hub) Deliver(userID uuid.UUID, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.userClients[userID] {
		select {
		case client.Send <- payload:
		default:
			log.Warn().Str("clientId", client.ID.String()).Msg("Client send buffer full")
		}
	}
}
