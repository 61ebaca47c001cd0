package call

import (
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// Listener receives session events. Every method must be implemented;
// callbacks run one at a time, in order, on a goroutine owned by the
// machine, so they may call back into it.
type Listener interface {
	// OnIncomingCall receives StartAudioCall/StartVideoCall requests, and
	// Offers held for an explicit accept.
	OnIncomingCall(env *signaling.Envelope)
	// OnCallDeclined receives the peer's EndCall
	OnCallDeclined(env *signaling.Envelope)
	OnCallStatusChanged(status CallStatus)
	// OnCallEnded fires exactly once per session end, before the reset
	OnCallEnded(info EndInfo)
	OnChatMessage(env *signaling.Envelope)
	OnRemoteStream(stream media.Stream)
}

// EndReason says why a session ended
type EndReason string

const (
	ReasonLocalHangup  EndReason = "local_hangup"
	ReasonRemoteHangup EndReason = "remote_hangup"
	ReasonNoAnswer     EndReason = "no_answer"
	ReasonFailed       EndReason = "failed"
)

// EndInfo summarizes a finished session
type EndInfo struct {
	PeerID string
	Reason EndReason
	// Outgoing is true when the local peer sent the Offer
	Outgoing    bool
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Connected reports whether media ever flowed
func (i EndInfo) Connected() bool {
	return !i.ConnectedAt.IsZero()
}

// Duration is the connected time, zero when the call never connected
func (i EndInfo) Duration() time.Duration {
	if !i.Connected() || i.EndedAt.Before(i.ConnectedAt) {
		return 0
	}
	return i.EndedAt.Sub(i.ConnectedAt)
}
