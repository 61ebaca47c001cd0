package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/NeoRevolt/byoncall-sdk/internal/call"
	"github.com/NeoRevolt/byoncall-sdk/internal/history"
	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// The coordinator is the machine's listener; it keeps its own bookkeeping
// and forwards every event to the UI.
var _ call.Listener = (*Coordinator)(nil)

func (c *Coordinator) OnIncomingCall(env *signaling.Envelope) {
	video := env.Type == signaling.EventStartVideoCall
	if env.Type == signaling.EventOffer {
		video = c.peer(env.SenderID).video
	}
	c.rememberPeer(env.SenderID, env.SenderName, video)
	if c.ui != nil {
		c.ui.OnIncomingCall(env)
	}
}

func (c *Coordinator) OnCallDeclined(env *signaling.Envelope) {
	if c.ui != nil {
		c.ui.OnCallDeclined(env)
	}
}

func (c *Coordinator) OnCallStatusChanged(status call.CallStatus) {
	c.logger.Debug("call status", "status", status)
	if c.ui != nil {
		c.ui.OnCallStatusChanged(status)
	}
}

func (c *Coordinator) OnCallEnded(info call.EndInfo) {
	c.foreground.End()
	if c.ui != nil {
		defer c.ui.OnCallEnded(info)
	}
	if info.PeerID == "" {
		return
	}

	peer := c.peer(info.PeerID)
	ts := info.StartedAt
	if ts.IsZero() {
		ts = info.EndedAt
	}
	c.record(history.Entry{
		ID:              uuid.NewString(),
		PeerID:          info.PeerID,
		PeerName:        peer.name,
		DurationSeconds: int64(info.Duration() / time.Second),
		Timestamp:       ts.UTC(),
		Outcome:         OutcomeFor(info),
		Outgoing:        info.Outgoing,
		Video:           peer.video,
	})
}

func (c *Coordinator) OnChatMessage(env *signaling.Envelope) {
	if c.ui != nil {
		c.ui.OnChatMessage(env)
	}
}

func (c *Coordinator) OnRemoteStream(stream media.Stream) {
	if c.ui != nil {
		c.ui.OnRemoteStream(stream)
	}
}

// OutcomeFor maps how a session ended to its history outcome
func OutcomeFor(info call.EndInfo) history.Outcome {
	switch {
	case info.Connected():
		return history.OutcomeCompleted
	case info.Reason == call.ReasonNoAnswer:
		return history.OutcomeNoAnswer
	case info.Reason == call.ReasonFailed:
		return history.OutcomeFailed
	case info.Reason == call.ReasonRemoteHangup:
		return history.OutcomeDeclined
	default:
		return history.OutcomeCancelled
	}
}
