package call

import (
	"context"
	"errors"

	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// Deliver hands a raw inbound payload to the machine. Decoding happens on
// the caller's goroutine; the envelope is then queued for the Run loop.
// Malformed payloads are logged and dropped.
func (m *Machine) Deliver(raw []byte) {
	env, err := signaling.Decode(raw)
	if err != nil {
		var decErr *signaling.DecodeError
		if errors.As(err, &decErr) {
			m.logger.Warn("dropping malformed envelope", "error", err)
		}
		return
	}
	m.DeliverEnvelope(env)
}

// DeliverEnvelope queues an already decoded envelope for the Run loop
func (m *Machine) DeliverEnvelope(env *signaling.Envelope) {
	m.post(func() { m.dispatch(env) })
}

func (m *Machine) dispatch(env *signaling.Envelope) {
	if err := signaling.CheckFresh(env, m.now()); err != nil {
		m.logger.Debug("dropping stale envelope", "type", env.Type, "sender", env.SenderID)
		return
	}

	switch env.Type {
	case signaling.EventOffer:
		m.onOffer(env)
	case signaling.EventAnswer:
		m.onAnswer(env)
	case signaling.EventICECandidates:
		m.onRemoteCandidate(env)
	case signaling.EventEndCall:
		m.onEndCall(env)
	case signaling.EventStartAudioCall, signaling.EventStartVideoCall:
		m.sess.forgetEnded(env.SenderID)
		m.notify(func(l Listener) { l.OnIncomingCall(env) })
	case signaling.EventStartChatting:
		m.notify(func(l Listener) { l.OnChatMessage(env) })
	default:
		m.logger.Debug("ignoring envelope", "type", env.RawType, "sender", env.SenderID)
	}
}

func (m *Machine) onOffer(env *signaling.Envelope) {
	s := &m.sess
	peer := env.SenderID
	s.forgetEnded(peer)

	// Simultaneous offers: the lower phone number keeps its Offer, the other
	// side abandons its own and answers.
	yielded := false
	if s.targetID == peer && s.outgoing && (s.offerSent || s.negotiating) {
		if s.myID < peer {
			m.logger.Info("offer collision, keeping local offer", "peer", peer)
			return
		}
		m.logger.Info("offer collision, yielding to remote offer", "peer", peer)
		if err := m.restartEngine(); err != nil {
			m.logger.Error("restart engine after collision", "error", err)
			return
		}
		yielded = true
	}

	if s.busy() && s.targetID != peer {
		m.logger.Info("busy, declining offer", "peer", peer, "target", s.targetID)
		m.send(signaling.DeclineReply(env))
		return
	}

	if sdp, _ := env.SDP(); sdp != "" && sdp == s.lastOfferSDP {
		m.logger.Debug("dropping duplicate offer", "peer", peer)
		return
	}

	// An Offer from the target the user already accepted is answered directly.
	if m.cfg.AnswerPolicy == AnswerOnAccept && !yielded && !s.busy() && s.targetID != peer {
		s.heldOffer = env
		m.setStatus(StatusRinging)
		m.notify(func(l Listener) { l.OnIncomingCall(env) })
		return
	}

	if err := m.acceptOffer(env); err != nil {
		m.logger.Warn("cannot answer offer", "peer", peer, "error", err)
	}
}

// acceptOffer applies the remote Offer, flushes queued candidates, then
// creates and sends the Answer.
func (m *Machine) acceptOffer(env *signaling.Envelope) error {
	s := &m.sess
	peer := env.SenderID

	if s.busy() && s.targetID != peer {
		return ErrBusy
	}
	if s.negotiating {
		return ErrBusy
	}
	sdp, ok := env.SDP()
	if !ok {
		return ErrNotOffer
	}
	if err := m.ensureEngine(); err != nil {
		return err
	}

	if s.targetID != peer {
		s.dropPending(s.targetID)
	}
	s.targetID = peer
	s.heldOffer = nil
	s.negotiating = true
	s.lastOfferSDP = sdp
	s.remotePending = true
	if s.startedAt.IsZero() {
		s.startedAt = m.now()
	}
	m.flushUnsent()

	m.engineDo("set remote offer", func(ctx context.Context, e media.Engine) error {
		return e.SetRemoteDescription(ctx, media.SessionDescription{Type: media.SDPTypeOffer, SDP: sdp})
	}, func(err error) {
		s.remotePending = false
		if err != nil {
			s.negotiating = false
			s.lastOfferSDP = ""
			m.logger.Error("apply offer failed", "peer", peer, "error", err)
			return
		}
		s.remoteSet = true
		m.addCandidates(s.takePending(peer))
		m.answer(peer)
	})
	return nil
}

func (m *Machine) answer(peer string) {
	s := &m.sess
	var answer media.SessionDescription
	m.engineDo("create answer", func(ctx context.Context, e media.Engine) error {
		var err error
		if answer, err = e.CreateAnswer(ctx); err != nil {
			return err
		}
		return e.SetLocalDescription(ctx, answer)
	}, func(err error) {
		s.negotiating = false
		if err != nil {
			m.logger.Error("answer failed", "peer", peer, "error", err)
			return
		}
		m.send(signaling.NewAnswer(s.myID, peer, answer.SDP, m.now()))
		if s.state == StateIdle {
			m.setState(StateCalling)
		}
		m.setStatus(StatusCalling)
	})
}

func (m *Machine) onAnswer(env *signaling.Envelope) {
	s := &m.sess
	if s.state != StateCalling || !s.offerSent || env.SenderID != s.targetID {
		m.logger.Debug("dropping unexpected answer", "sender", env.SenderID, "state", s.state, "target", s.targetID)
		return
	}
	if s.remoteSet || s.remotePending {
		m.logger.Debug("dropping duplicate answer", "sender", env.SenderID)
		return
	}
	sdp, _ := env.SDP()

	s.remotePending = true
	peer := s.targetID
	m.engineDo("set remote answer", func(ctx context.Context, e media.Engine) error {
		return e.SetRemoteDescription(ctx, media.SessionDescription{Type: media.SDPTypeAnswer, SDP: sdp})
	}, func(err error) {
		s.remotePending = false
		if err != nil {
			m.logger.Error("apply answer failed", "peer", peer, "error", err)
			return
		}
		s.remoteSet = true
		m.addCandidates(s.takePending(peer))
	})
}

func (m *Machine) onRemoteCandidate(env *signaling.Envelope) {
	s := &m.sess
	c, err := env.Candidate()
	if err != nil {
		m.logger.Warn("dropping malformed candidate", "sender", env.SenderID, "error", err)
		return
	}

	held := s.heldOffer != nil && s.heldOffer.SenderID == env.SenderID
	if s.targetID != "" && env.SenderID != s.targetID && !held {
		m.logger.Debug("dropping candidate from non-target", "sender", env.SenderID, "target", s.targetID)
		return
	}

	if !s.remoteSet {
		if s.queueCandidate(env.SenderID, c) {
			m.logger.Warn("candidate queue full, dropped oldest", "sender", env.SenderID)
		}
		return
	}
	m.addCandidates([]signaling.ICECandidate{c})
}

func (m *Machine) onEndCall(env *signaling.Envelope) {
	s := &m.sess
	if s.targetID != "" && env.SenderID != s.targetID {
		if s.heldOffer != nil && s.heldOffer.SenderID == env.SenderID {
			// the caller gave up before we accepted
			s.heldOffer = nil
			s.dropPending(env.SenderID)
			m.setStatus(StatusOnline)
		}
		m.logger.Debug("ignoring end call from non-target", "sender", env.SenderID, "target", s.targetID)
		return
	}

	if s.targetID == "" {
		if s.endedRecently(env.SenderID, m.now()) {
			m.logger.Debug("ignoring end call for a call already ended", "sender", env.SenderID)
			return
		}
		s.targetID = env.SenderID
	}
	if s.connectedAt.IsZero() {
		m.setStatus(StatusDeclined)
	} else {
		m.setStatus(StatusHangup)
	}
	m.notify(func(l Listener) { l.OnCallDeclined(env) })
	m.endSession(ReasonRemoteHangup)
}

func (m *Machine) onLocalCandidate(gen uint64, c signaling.ICECandidate) {
	s := &m.sess
	if gen != s.generation {
		return
	}
	if s.targetID == "" {
		s.unsent = append(s.unsent, c)
		return
	}
	m.send(signaling.NewICECandidate(s.myID, s.targetID, c, m.now()))
}

func (m *Machine) onConnectionState(gen uint64, st media.ConnectionState) {
	s := &m.sess
	if gen != s.generation {
		m.logger.Debug("discarding stale connection state", "state", st, "generation", gen)
		return
	}

	status, ok := StatusForConnection(st)
	if !ok {
		return
	}

	switch st {
	case media.StateConnecting:
		if s.state == StateCalling {
			m.setState(StateConnecting)
		}
	case media.StateConnected:
		if s.connectedAt.IsZero() {
			s.connectedAt = m.now()
		}
		m.stopTimer()
		m.setState(StateInCall)
	case media.StateFailed:
		m.setStatus(status)
		m.endSession(ReasonFailed)
		return
	}
	m.setStatus(status)
}
