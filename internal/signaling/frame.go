package signaling

import (
	"encoding/json"
	"time"
)

// Frame types on the relay websocket
const (
	// FramePrivateMessage carries one encoded Envelope in either direction
	FramePrivateMessage = "privateMessage"
	// FrameConnected is sent by the relay once the socket is registered
	FrameConnected = "connected"
	// FrameError reports a rejected frame
	FrameError = "error"
)

// Frame is the websocket message exchanged with the relay
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ErrorPayload describes why the relay rejected a frame
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectedPayload confirms the identity the socket is registered under
type ConnectedPayload struct {
	Phone string `json:"phone"`
}

// NewFrame marshals payload into a frame stamped with the current time
func NewFrame(frameType string, payload any) (*Frame, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Frame{
		Type:      frameType,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}
