package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotEncodable is returned when encoding an Ignored envelope
var ErrNotEncodable = errors.New("signaling: envelope type cannot be encoded")

// DecodeError reports a payload that is not a well-formed envelope
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "signaling: decode envelope: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// wireEnvelope is the JSON shape used by every peer. The timestamp key is
// spelled timeStamp on the wire.
type wireEnvelope struct {
	Type        *string         `json:"type"`
	SenderName  string          `json:"senderName,omitempty"`
	SenderID    string          `json:"senderId"`
	ReceiverID  string          `json:"receiverId"`
	Data        json.RawMessage `json:"data,omitempty"`
	SenderImage string          `json:"senderImage,omitempty"`
	CallMessage string          `json:"callMessage,omitempty"`
	Timestamp   int64           `json:"timeStamp"`
}

// Encode serializes an envelope to its wire form
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || !env.Type.Known() {
		return nil, ErrNotEncodable
	}

	t := string(env.Type)
	w := wireEnvelope{
		Type:        &t,
		SenderName:  env.SenderName,
		SenderID:    env.SenderID,
		ReceiverID:  env.ReceiverID,
		SenderImage: env.SenderImage,
		CallMessage: env.CallMessage,
		Timestamp:   env.Timestamp,
	}

	if env.Data != nil {
		data, err := json.Marshal(env.Data)
		if err != nil {
			return nil, fmt.Errorf("signaling: encode %s data: %w", env.Type, err)
		}
		w.Data = data
	}

	return json.Marshal(w)
}

// Decode parses a wire payload. Malformed input yields a *DecodeError;
// a missing or unknown type yields an envelope of type EventIgnored.
func Decode(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}

	env := &Envelope{
		SenderName:  w.SenderName,
		SenderID:    w.SenderID,
		ReceiverID:  w.ReceiverID,
		SenderImage: w.SenderImage,
		CallMessage: w.CallMessage,
		Timestamp:   w.Timestamp,
	}

	if w.Type == nil || !EventType(*w.Type).Known() {
		env.Type = EventIgnored
		if w.Type != nil {
			env.RawType = *w.Type
		}
		env.Data = rawOrNil(w.Data)
		return env, nil
	}
	env.Type = EventType(*w.Type)

	data, err := decodeData(env.Type, w.Data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	env.Data = data
	return env, nil
}

func decodeData(t EventType, raw json.RawMessage) (Payload, error) {
	switch t {
	case EventOffer, EventAnswer:
		if isNull(raw) {
			return nil, fmt.Errorf("%s without session description", t)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%s data is not a string: %w", t, err)
		}
		return SDP(s), nil

	case EventICECandidates:
		if isNull(raw) {
			return nil, nil
		}
		// Unusable candidates are kept raw; the receiver decides to drop them.
		c, err := ParseCandidate(raw)
		if err != nil {
			return RawPayload(raw), nil
		}
		return c, nil

	case EventStartChatting:
		if isNull(raw) {
			return nil, nil
		}
		var m ChatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return RawPayload(raw), nil
		}
		return &m, nil
	}

	return rawOrNil(raw), nil
}

func rawOrNil(raw json.RawMessage) Payload {
	if isNull(raw) {
		return nil
	}
	return RawPayload(raw)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
