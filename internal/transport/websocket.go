package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the relay
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the relay
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// SDP blobs with many candidates can be large
	maxFrameSize = 256 * 1024
)

// TokenSource returns the bearer token presented to the relay for localID
type TokenSource func(ctx context.Context, localID string) (string, error)

// StaticToken always presents the same token
func StaticToken(token string) TokenSource {
	return func(context.Context, string) (string, error) { return token, nil }
}

// WebSocketChannel connects to the relay server over a websocket
type WebSocketChannel struct {
	lifecycle sync.Mutex

	mu      sync.RWMutex
	conn    *websocket.Conn
	localID string
	events  chan []byte
	done    chan struct{}

	writeMu sync.Mutex
	dialer  *websocket.Dialer
	token   TokenSource
	logger  *slog.Logger
}

// NewWebSocketChannel creates a relay client. token may be nil for relays
// running without authentication.
func NewWebSocketChannel(token TokenSource, logger *slog.Logger) *WebSocketChannel {
	return &WebSocketChannel{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		token:  token,
		logger: logger.With("component", "transport", "kind", "websocket"),
	}
}

// Connect dials rawURL, e.g. ws://relay:8080/ws, presenting localID and the token
func (c *WebSocketChannel) Connect(ctx context.Context, rawURL, localID string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	connected := c.conn != nil
	c.mu.RUnlock()
	if connected {
		return ErrAlreadyConnected
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	q := u.Query()
	q.Set("id", localID)
	if c.token != nil {
		tok, err := c.token(ctx, localID)
		if err != nil {
			return &TransportError{Op: "connect", Err: fmt.Errorf("token: %w", err)}
		}
		q.Set("token", tok)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &TransportError{Op: "connect", Err: err}
	}

	events := make(chan []byte, eventBuffer)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.localID = localID
	c.events = events
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, events, done)
	go c.pingLoop(conn, done)

	c.logger.Info("connected to relay", "url", u.Host, "local_id", localID)
	return nil
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn, events chan []byte, done chan struct{}) {
	defer func() {
		close(events)
		c.drop(conn)
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("relay read error", "error", err)
				}
			}
			return
		}

		// The relay may batch several frames into one message.
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var frame signaling.Frame
			if err := json.Unmarshal(line, &frame); err != nil {
				c.logger.Warn("invalid frame from relay", "error", err)
				continue
			}

			switch frame.Type {
			case signaling.FramePrivateMessage:
				select {
				case events <- []byte(frame.Payload):
				case <-done:
					return
				}
			case signaling.FrameError:
				var p signaling.ErrorPayload
				_ = json.Unmarshal(frame.Payload, &p)
				c.logger.Warn("relay rejected frame", "code", p.Code, "message", p.Message)
			case signaling.FrameConnected:
				c.logger.Debug("relay registered socket")
			}
		}
	}
}

func (c *WebSocketChannel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// drop forgets conn if it is still the current connection
func (c *WebSocketChannel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
		c.localID = ""
	}
}

func (c *WebSocketChannel) Send(ctx context.Context, env *signaling.Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}

	raw, err := signaling.Encode(env)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	frame, err := signaling.NewFrame(signaling.FramePrivateMessage, raw)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *WebSocketChannel) Events() <-chan []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

func (c *WebSocketChannel) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.localID = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	c.logger.Info("disconnected from relay")
	return nil
}
