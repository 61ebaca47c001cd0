// Package relay is the signaling server. Each authenticated websocket is
// subscribed to its phone's inbox topic; privateMessage frames are published
// to the receiver's inbox, so with a Redis bus any instance can reach any
// phone.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/NeoRevolt/byoncall-sdk/internal/middleware"
	"github.com/NeoRevolt/byoncall-sdk/internal/pubsub"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// Error codes sent in error frames
const (
	codeInvalidFrame    = "invalid_frame"
	codeUnknownEvent    = "unknown_event"
	codeInvalidEnvelope = "invalid_envelope"
	codeSenderMismatch  = "sender_mismatch"
	codeMissingReceiver = "missing_receiver"
	codeRateLimited     = "rate_limited"
	codePublishFailed   = "publish_failed"
)

// Hub tracks connected clients and routes their frames through pubsub
type Hub struct {
	// Connected clients by phone (one phone can have several connections)
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	ps      pubsub.PubSub
	limiter *middleware.RateLimiter
	logger  *slog.Logger
}

// NewHub creates a new Hub. limiter may be nil.
func NewHub(ps pubsub.PubSub, limiter *middleware.RateLimiter, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		ps:         ps,
		limiter:    limiter,
		logger:     logger.With("component", "relay"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Register adds a subscribed client to the hub
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.phone] == nil {
		h.clients[client.phone] = make(map[*Client]bool)
	}
	h.clients[client.phone][client] = true
	h.logger.Info("client connected", "phone", client.phone, "remote_addr", client.conn.RemoteAddr())
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	if clients, ok := h.clients[client.phone]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.phone)
		}
	}
	h.mu.Unlock()

	client.close()
	h.logger.Info("client disconnected", "phone", client.phone)
}

// HandleFrame validates a frame from client and publishes its envelope to
// the receiver's inbox
func (h *Hub) HandleFrame(ctx context.Context, client *Client, frame *signaling.Frame) {
	if frame.Type != signaling.FramePrivateMessage {
		client.sendError(codeUnknownEvent, "Unknown event type: "+frame.Type)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(client.phone) {
		client.sendError(codeRateLimited, "Rate limit exceeded")
		return
	}

	env, err := signaling.Decode(frame.Payload)
	if err != nil {
		client.sendError(codeInvalidEnvelope, "Invalid envelope")
		return
	}
	if env.SenderID != client.phone {
		h.logger.Warn("sender mismatch", "phone", client.phone, "sender", env.SenderID)
		client.sendError(codeSenderMismatch, "senderId does not match the authenticated phone")
		return
	}
	if env.ReceiverID == "" {
		client.sendError(codeMissingReceiver, "receiverId is required")
		return
	}

	topic := pubsub.Topics.Peer(env.ReceiverID)
	if err := h.ps.Publish(ctx, topic, &pubsub.Message{
		Topic:   topic,
		Type:    pubsub.Topics.Relay(),
		Payload: frame.Payload,
	}); err != nil {
		h.logger.Error("failed to publish envelope", "error", err, "receiver", env.ReceiverID)
		client.sendError(codePublishFailed, "Failed to deliver envelope")
		return
	}

	h.logger.Debug("relayed envelope", "type", env.Type, "sender", env.SenderID, "receiver", env.ReceiverID)
}

// IsOnline checks if a phone has any active connection on this instance
func (h *Hub) IsOnline(phone string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.clients[phone]
	return ok && len(clients) > 0
}
