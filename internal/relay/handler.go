package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
	"github.com/NeoRevolt/byoncall-sdk/internal/pubsub"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// Handler handles WebSocket upgrade requests on /ws
type Handler struct {
	hub      *Hub
	ps       pubsub.PubSub
	tokens   *auth.TokenService
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a WebSocket handler. checkOrigin may be nil to accept
// any origin; native SDK clients send none.
func NewHandler(hub *Hub, ps pubsub.PubSub, tokens *auth.TokenService, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:    hub,
		ps:     ps,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// ServeHTTP authenticates, upgrades HTTP to WebSocket and handles the connection
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	phone, err := auth.QueryToken(h.tokens, r)
	if err != nil {
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" && id != phone {
		http.Error(w, `{"error":"id does not match token"}`, http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// The request context is cancelled when ServeHTTP returns after upgrade
	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(h.hub, conn, phone, h.logger)
	client.SetCancelFunc(cancel)

	if err := client.subscribe(ctx, h.ps); err != nil {
		h.logger.Error("inbox subscribe failed", "error", err, "phone", phone)
		cancel()
		_ = conn.Close()
		return
	}
	if !h.hub.Register(client) {
		client.close()
		cancel()
		_ = conn.Close()
		return
	}

	frame, _ := signaling.NewFrame(signaling.FrameConnected, signaling.ConnectedPayload{Phone: phone})
	_ = client.Send(frame)

	go client.WritePump(ctx)
	client.ReadPump(ctx) // Block here until client disconnects
}
