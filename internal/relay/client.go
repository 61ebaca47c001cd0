package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NeoRevolt/byoncall-sdk/internal/pubsub"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer; SDP bodies are a few KB
	maxMessageSize = 65536

	sendBuffer = 256
)

// Client is one authenticated websocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	phone  string
	sub    pubsub.Subscription // inbox subscription for phone
	closed bool
	mu     sync.RWMutex
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewClient creates a client for an already authenticated phone
func NewClient(hub *Hub, conn *websocket.Conn, phone string, logger *slog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		phone:  phone,
		logger: logger.With("phone", phone),
	}
}

// SetCancelFunc sets the context cancel function for cleanup
func (c *Client) SetCancelFunc(cancel context.CancelFunc) {
	c.cancel = cancel
}

// Phone returns the number the client authenticated as
func (c *Client) Phone() string {
	return c.phone
}

// ReadPump pumps frames from the websocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					c.logger.Warn("websocket read error", "error", err)
				}
				return
			}

			var frame signaling.Frame
			if err := json.Unmarshal(message, &frame); err != nil {
				c.sendError(codeInvalidFrame, "Failed to parse frame")
				continue
			}

			c.hub.HandleFrame(ctx, c, &frame)
		}
	}
}

// WritePump pumps frames from the hub to the websocket connection
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued frames to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a frame for the client; it is dropped if the buffer is full
// or the client is gone
func (c *Client) Send(frame *signaling.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame", "type", frame.Type)
	}
	return nil
}

// subscribe starts delivering envelopes addressed to the client's phone
func (c *Client) subscribe(ctx context.Context, ps pubsub.PubSub) error {
	sub, err := ps.Subscribe(ctx, pubsub.Topics.Peer(c.phone), func(_ context.Context, msg *pubsub.Message) {
		frame, err := signaling.NewFrame(signaling.FramePrivateMessage, msg.Payload)
		if err != nil {
			return
		}
		_ = c.Send(frame)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// close unsubscribes and closes the send buffer; safe to call twice
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	close(c.send)
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", "error", err)
		}
	}
}

// sendError sends an error frame to the client
func (c *Client) sendError(code, message string) {
	frame, _ := signaling.NewFrame(signaling.FrameError, signaling.ErrorPayload{
		Code:    code,
		Message: message,
	})
	_ = c.Send(frame)
}
