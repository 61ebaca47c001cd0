package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingCandidate = errors.New("signaling: missing ice candidate")
	ErrEmptyCandidate   = errors.New("signaling: empty candidate string")
	ErrMissingMLine     = errors.New("signaling: missing sdpMLineIndex")
)

// Payload is the polymorphic data field of an Envelope. Its concrete type
// depends on the envelope type: SDP, ICECandidate, *ChatMessage or RawPayload.
type Payload interface {
	payload()
}

// SDP is a session description string (Offer / Answer)
type SDP string

// RawPayload is undecoded data kept verbatim, for call requests with extra
// data, unknown types and candidates that failed to parse.
type RawPayload json.RawMessage

// ICECandidate is a single trickled candidate. SDPMid may be null on the wire.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// ChatMessage is the payload of a StartChatting envelope
type ChatMessage struct {
	ID             string `json:"id,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message,omitempty"`
	Attachment     string `json:"attachment,omitempty"`
	CreateAt       string `json:"createAt,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

func (SDP) payload()          {}
func (RawPayload) payload()   {}
func (ICECandidate) payload() {}
func (*ChatMessage) payload() {}

// MarshalJSON keeps the raw bytes as-is
func (r RawPayload) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(r).MarshalJSON()
}

// Validate checks the fields a media engine needs to apply the candidate
func (c ICECandidate) Validate() error {
	if c.Candidate == "" {
		return ErrEmptyCandidate
	}
	if c.SDPMLineIndex == nil {
		return ErrMissingMLine
	}
	return nil
}

// ParseCandidate decodes and validates a candidate record. Some peers send
// the record as a JSON-encoded string; both forms are accepted.
func ParseCandidate(raw []byte) (ICECandidate, error) {
	var c ICECandidate
	if len(raw) == 0 || string(raw) == "null" {
		return c, ErrMissingCandidate
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return c, fmt.Errorf("signaling: parse candidate: %w", err)
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("signaling: parse candidate: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
