// Package signaling defines the envelope exchanged between peers over the
// relay: call requests, SDP offers and answers, ICE candidates, hangups and
// chat messages.
package signaling

import "time"

// EventType discriminates the kind of envelope on the wire
type EventType string

const (
	EventStartChatting  EventType = "StartChatting"
	EventStartAudioCall EventType = "StartAudioCall"
	EventStartVideoCall EventType = "StartVideoCall"
	EventOffer          EventType = "Offer"
	EventAnswer         EventType = "Answer"
	EventICECandidates  EventType = "IceCandidates"
	EventEndCall        EventType = "EndCall"

	// EventIgnored is assigned to envelopes whose type is missing or unknown.
	// It never goes out on the wire.
	EventIgnored EventType = "Ignored"
)

// Known reports whether t is one of the wire event types
func (t EventType) Known() bool {
	switch t {
	case EventStartChatting, EventStartAudioCall, EventStartVideoCall,
		EventOffer, EventAnswer, EventICECandidates, EventEndCall:
		return true
	}
	return false
}

// IsCallRequest reports whether t asks the receiver to ring
func (t EventType) IsCallRequest() bool {
	return t == EventStartAudioCall || t == EventStartVideoCall
}

// Envelope is a single signaling message. SenderID and ReceiverID are phone
// numbers; the relay routes on ReceiverID.
type Envelope struct {
	Type        EventType
	SenderID    string
	ReceiverID  string
	SenderName  string
	SenderImage string
	CallMessage string
	Data        Payload
	// Timestamp is milliseconds since the Unix epoch at creation
	Timestamp int64

	// RawType keeps the original discriminator of an Ignored envelope
	RawType string
}

// Metadata carries the optional display fields copied into call requests
type Metadata struct {
	SenderName  string
	SenderImage string
	CallMessage string
}

func newEnvelope(t EventType, sender, receiver string, data Payload, now time.Time) *Envelope {
	return &Envelope{
		Type:       t,
		SenderID:   sender,
		ReceiverID: receiver,
		Data:       data,
		Timestamp:  now.UnixMilli(),
	}
}

// NewOffer builds an Offer carrying the local session description
func NewOffer(sender, receiver, sdp string, now time.Time) *Envelope {
	return newEnvelope(EventOffer, sender, receiver, SDP(sdp), now)
}

// NewAnswer builds an Answer carrying the local session description
func NewAnswer(sender, receiver, sdp string, now time.Time) *Envelope {
	return newEnvelope(EventAnswer, sender, receiver, SDP(sdp), now)
}

// NewICECandidate builds an IceCandidates envelope for a single candidate
func NewICECandidate(sender, receiver string, c ICECandidate, now time.Time) *Envelope {
	return newEnvelope(EventICECandidates, sender, receiver, c, now)
}

// NewEndCall builds a hangup
func NewEndCall(sender, receiver string, now time.Time) *Envelope {
	return newEnvelope(EventEndCall, sender, receiver, nil, now)
}

// NewCallRequest builds a StartVideoCall or StartAudioCall envelope
func NewCallRequest(sender, receiver string, video bool, meta Metadata, now time.Time) *Envelope {
	t := EventStartAudioCall
	if video {
		t = EventStartVideoCall
	}
	env := newEnvelope(t, sender, receiver, nil, now)
	env.applyMetadata(meta)
	return env
}

// NewChat builds a StartChatting envelope
func NewChat(sender, receiver string, msg *ChatMessage, meta Metadata, now time.Time) *Envelope {
	env := newEnvelope(EventStartChatting, sender, receiver, msg, now)
	env.applyMetadata(meta)
	return env
}

func (e *Envelope) applyMetadata(meta Metadata) {
	e.SenderName = meta.SenderName
	e.SenderImage = meta.SenderImage
	e.CallMessage = meta.CallMessage
}

// DeclineReply answers a received envelope with an EndCall addressed back to
// its sender. Display metadata and the timestamp are carried over unchanged.
func DeclineReply(received *Envelope) *Envelope {
	reply := *received
	reply.Type = EventEndCall
	reply.SenderID = received.ReceiverID
	reply.ReceiverID = received.SenderID
	reply.RawType = ""
	return &reply
}

// SDP returns the session description of an Offer or Answer
func (e *Envelope) SDP() (string, bool) {
	s, ok := e.Data.(SDP)
	return string(s), ok
}

// Candidate returns the validated ICE candidate of an IceCandidates envelope
func (e *Envelope) Candidate() (ICECandidate, error) {
	switch d := e.Data.(type) {
	case ICECandidate:
		return d, d.Validate()
	case RawPayload:
		return ParseCandidate(d)
	default:
		return ICECandidate{}, ErrMissingCandidate
	}
}

// Chat returns the chat message of a StartChatting envelope
func (e *Envelope) Chat() (*ChatMessage, bool) {
	m, ok := e.Data.(*ChatMessage)
	return m, ok && m != nil
}
