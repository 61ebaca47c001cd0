// Package call implements the signaling state machine of a one-to-one call.
//
// A Machine owns a single session and mutates it only from its Run
// goroutine. Media engine work runs on a per-engine serial worker and
// outgoing envelopes on a serial outbox, so neither ever blocks inbound
// delivery. Every asynchronous completion carries the session generation it
// started in and is discarded once the session has been reset.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// sendTimeout bounds a single transport send from the outbox
const sendTimeout = 10 * time.Second

// AnswerPolicy decides what happens to an inbound Offer
type AnswerPolicy int

const (
	// AnswerAuto answers every acceptable Offer immediately
	AnswerAuto AnswerPolicy = iota
	// AnswerOnAccept holds the Offer until AcceptIncoming or RejectCall
	AnswerOnAccept
)

// Sender emits envelopes towards the relay
type Sender interface {
	Send(ctx context.Context, env *signaling.Envelope) error
}

// Config holds the machine's identity and policy parameters
type Config struct {
	LocalID      string
	AnswerPolicy AnswerPolicy
	// AnswerTimeout is how long an outgoing call may stay unconnected after
	// the Offer is sent. Zero disables it.
	AnswerTimeout time.Duration
	// Now defaults to time.Now
	Now    func() time.Time
	Logger *slog.Logger
}

// Machine drives one call session at a time for the local peer
type Machine struct {
	cfg      Config
	sender   Sender
	factory  media.Factory
	listener Listener
	logger   *slog.Logger

	inbox    chan func()
	quit     chan struct{}
	outbox   *serialQueue
	notifier *serialQueue

	// owned by Run
	ctx   context.Context
	sess  session
	timer *time.Timer
}

// NewMachine creates a machine; call Run to start it
func NewMachine(cfg Config, sender Sender, factory media.Factory, listener Listener) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Machine{
		cfg:      cfg,
		sender:   sender,
		factory:  factory,
		listener: listener,
		logger:   logger.With("component", "call", "local_id", cfg.LocalID),
		inbox:    make(chan func(), 256),
		quit:     make(chan struct{}),
		outbox:   newSerialQueue(),
		notifier: newSerialQueue(),
		sess: session{
			myID:   cfg.LocalID,
			state:  StateIdle,
			status: StatusOnline,
		},
	}
}

// Run processes commands and events until ctx is cancelled. The current
// engine is closed on the way out.
func (m *Machine) Run(ctx context.Context) {
	m.ctx = ctx
	if err := m.ensureEngine(); err != nil {
		m.logger.Error("initial media engine unavailable", "error", err)
	}

	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

func (m *Machine) shutdown() {
	m.stopTimer()
	m.closeEngine()
	close(m.quit)
	m.outbox.Close()
	m.notifier.Close()
	<-m.outbox.Done()
	<-m.notifier.Done()
	m.logger.Debug("machine stopped")
}

// Done is closed once Run has returned and pending callbacks were delivered
func (m *Machine) Done() <-chan struct{} {
	return m.notifier.Done()
}

// do runs fn on the Run goroutine and waits for its result
func (m *Machine) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case m.inbox <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrStopped
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrStopped
	}
}

// post queues fn for the Run goroutine without waiting for it
func (m *Machine) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.quit:
	}
}

func (m *Machine) now() time.Time {
	return m.cfg.Now()
}

// =============================================================================
// Local commands
// =============================================================================

// SetTarget sets the peer subsequent commands address
func (m *Machine) SetTarget(ctx context.Context, target string) error {
	return m.do(ctx, func() error {
		s := &m.sess
		if s.busy() && s.targetID != target {
			return ErrBusy
		}
		s.targetID = target
		s.forgetEnded(target)
		m.flushUnsent()
		return nil
	})
}

// PrepareMedia chooses the media of the next call
func (m *Machine) PrepareMedia(ctx context.Context, opts media.Options) error {
	return m.do(ctx, func() error {
		if err := m.ensureEngine(); err != nil {
			return err
		}
		m.sess.media = opts
		m.engineDo("prepare media", func(ctx context.Context, e media.Engine) error {
			return e.PrepareMedia(ctx, opts)
		}, func(err error) {
			if err != nil {
				m.logger.Error("prepare media failed", "error", err)
			}
		})
		return nil
	})
}

// StartCall creates an Offer and sends it to target. The returned error only
// covers preconditions; negotiation failures are logged and leave the
// session where it was.
func (m *Machine) StartCall(ctx context.Context, target string) error {
	return m.do(ctx, func() error {
		s := &m.sess
		if target == "" {
			return ErrNoActiveTarget
		}
		if s.busy() {
			return ErrBusy
		}
		if err := m.ensureEngine(); err != nil {
			return err
		}

		s.targetID = target
		s.forgetEnded(target)
		s.outgoing = true
		s.negotiating = true
		s.startedAt = m.now()

		var offer media.SessionDescription
		m.engineDo("create offer", func(ctx context.Context, e media.Engine) error {
			var err error
			if offer, err = e.CreateOffer(ctx); err != nil {
				return err
			}
			return e.SetLocalDescription(ctx, offer)
		}, func(err error) {
			s.negotiating = false
			if err != nil {
				m.logger.Error("offer failed", "target", s.targetID, "error", err)
				s.outgoing = false
				return
			}
			m.send(signaling.NewOffer(s.myID, s.targetID, offer.SDP, m.now()))
			s.offerSent = true
			m.setState(StateCalling)
			m.setStatus(StatusCalling)
			m.armAnswerTimer()
			m.flushUnsent()
		})
		return nil
	})
}

// NoteCallRequest records that target is being rung, so its EndCall is
// taken as a decline even right after an earlier call with it ended.
func (m *Machine) NoteCallRequest(ctx context.Context, target string) error {
	return m.do(ctx, func() error {
		m.sess.forgetEnded(target)
		return nil
	})
}

// AcceptIncoming answers an Offer; the target becomes its sender
func (m *Machine) AcceptIncoming(ctx context.Context, env *signaling.Envelope) error {
	if env == nil || env.Type != signaling.EventOffer {
		return ErrNotOffer
	}
	return m.do(ctx, func() error {
		return m.acceptOffer(env)
	})
}

// SendEndCall hangs up the current call. Without a target it logs and
// returns ErrNoActiveTarget without touching the session.
func (m *Machine) SendEndCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		s := &m.sess
		if s.targetID == "" {
			m.logger.Warn("end call without an active target")
			return ErrNoActiveTarget
		}
		m.send(signaling.NewEndCall(s.myID, s.targetID, m.now()))
		if s.connectedAt.IsZero() {
			m.setStatus(StatusHangup)
		}
		m.endSession(ReasonLocalHangup)
		return nil
	})
}

// RejectCall declines a received envelope by answering it with an EndCall
// addressed back to its sender. It works whether or not a target is set.
func (m *Machine) RejectCall(ctx context.Context, env *signaling.Envelope) error {
	if env == nil {
		return ErrNoEnvelope
	}
	return m.do(ctx, func() error {
		s := &m.sess
		m.send(signaling.DeclineReply(env))
		if s.heldOffer != nil && s.heldOffer.SenderID == env.SenderID {
			s.heldOffer = nil
			s.dropPending(env.SenderID)
			m.setStatus(StatusOnline)
		}
		return nil
	})
}

// EndLocally ends the current call without signalling the peer, as when the
// session is being torn down.
func (m *Machine) EndLocally(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.sess.targetID == "" && !m.sess.busy() {
			return nil
		}
		m.endSession(ReasonLocalHangup)
		return nil
	})
}

// Snapshot returns a copy of the current session
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.do(ctx, func() error {
		snap = m.sess.snapshot()
		return nil
	})
	return snap, err
}

// =============================================================================
// Session plumbing (Run goroutine only)
// =============================================================================

func (m *Machine) ensureEngine() error {
	s := &m.sess
	if s.engine != nil {
		return nil
	}

	gen := s.generation
	e, err := m.factory(s.myID, media.Callbacks{
		OnICECandidate: func(c signaling.ICECandidate) {
			m.post(func() { m.onLocalCandidate(gen, c) })
		},
		OnConnectionStateChange: func(st media.ConnectionState) {
			m.post(func() { m.onConnectionState(gen, st) })
		},
		OnRemoteStream: func(st media.Stream) {
			m.post(func() {
				if gen == m.sess.generation {
					m.notify(func(l Listener) { l.OnRemoteStream(st) })
				}
			})
		},
	})
	if err != nil {
		return &EngineError{Op: "create", Err: fmt.Errorf("%w: %w", ErrNoEngine, err)}
	}
	s.engine = e
	s.worker = newSerialQueue()
	return nil
}

// engineDo runs op against the current engine on its worker, then done on
// the Run goroutine unless the session was reset in the meantime.
func (m *Machine) engineDo(op string, fn func(context.Context, media.Engine) error, done func(error)) {
	s := &m.sess
	gen, eng, ctx := s.generation, s.engine, m.ctx
	s.worker.Submit(func() {
		err := fn(ctx, eng)
		if err != nil {
			err = &EngineError{Op: op, Err: err}
		}
		m.post(func() {
			if gen != m.sess.generation {
				m.logger.Debug("discarding stale engine completion", "op", op, "generation", gen)
				return
			}
			done(err)
		})
	})
}

func (m *Machine) addCandidates(cs []signaling.ICECandidate) {
	for _, c := range cs {
		m.engineDo("add ice candidate", func(ctx context.Context, e media.Engine) error {
			return e.AddICECandidate(ctx, c)
		}, func(err error) {
			if err != nil {
				m.logger.Warn("remote candidate rejected", "error", err)
			}
		})
	}
}

// send queues env on the outbox. Transport failures are logged, never
// surfaced: the state machine carries on as if the peer will time out.
func (m *Machine) send(env *signaling.Envelope) {
	m.outbox.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := m.sender.Send(ctx, env); err != nil {
			m.logger.Warn("send failed", "type", env.Type, "receiver", env.ReceiverID, "error", err)
		}
	})
}

func (m *Machine) notify(fn func(Listener)) {
	m.notifier.Submit(func() { fn(m.listener) })
}

func (m *Machine) setState(st State) {
	if m.sess.state == st {
		return
	}
	m.logger.Debug("state change", "from", m.sess.state, "to", st, "target", m.sess.targetID)
	m.sess.state = st
}

func (m *Machine) setStatus(st CallStatus) {
	if m.sess.status == st {
		return
	}
	m.sess.status = st
	m.notify(func(l Listener) { l.OnCallStatusChanged(st) })
}

func (m *Machine) flushUnsent() {
	s := &m.sess
	if s.targetID == "" || len(s.unsent) == 0 {
		return
	}
	for _, c := range s.unsent {
		m.send(signaling.NewICECandidate(s.myID, s.targetID, c, m.now()))
	}
	s.unsent = nil
}

func (m *Machine) armAnswerTimer() {
	if m.cfg.AnswerTimeout <= 0 {
		return
	}
	m.stopTimer()
	gen := m.sess.generation
	m.timer = time.AfterFunc(m.cfg.AnswerTimeout, func() {
		m.post(func() { m.onAnswerTimeout(gen) })
	})
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) onAnswerTimeout(gen uint64) {
	s := &m.sess
	if gen != s.generation || !s.outgoing || !s.connectedAt.IsZero() {
		return
	}
	m.logger.Info("call not answered", "target", s.targetID, "timeout", m.cfg.AnswerTimeout)
	m.send(signaling.NewEndCall(s.myID, s.targetID, m.now()))
	m.setStatus(StatusNoAnswer)
	m.endSession(ReasonNoAnswer)
}

// endSession reports the end of the call and resets the session
func (m *Machine) endSession(reason EndReason) {
	s := &m.sess
	info := EndInfo{
		PeerID:      s.targetID,
		Reason:      reason,
		Outgoing:    s.outgoing,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     m.now(),
	}
	m.setState(StateEnded)
	m.notify(func(l Listener) { l.OnCallEnded(info) })
	s.endedPeer, s.endedAt = s.targetID, info.EndedAt
	m.reset()
}

// reset closes the engine, bumps the generation and prepares a fresh engine
// for the same local identity.
func (m *Machine) reset() {
	m.stopTimer()
	m.closeEngine()
	m.sess.generation++
	m.sess.clearCall()
	m.setStatus(StatusOnline)

	if err := m.ensureEngine(); err != nil {
		m.logger.Error("media engine unavailable after reset", "error", err)
	}
}

func (m *Machine) closeEngine() {
	s := &m.sess
	if s.engine == nil {
		return
	}
	eng := s.engine
	s.worker.Finish(func() {
		if err := eng.Close(); err != nil {
			m.logger.Warn("engine close failed", "error", err)
		}
	})
	s.engine, s.worker = nil, nil
}

// restartEngine abandons the local negotiation but keeps the peer, the
// chosen media and any queued remote candidates. Used when yielding to the
// peer's colliding Offer.
func (m *Machine) restartEngine() error {
	s := &m.sess
	m.stopTimer()
	m.closeEngine()
	s.generation++
	s.outgoing = false
	s.negotiating = false
	s.offerSent = false
	s.remotePending = false
	s.remoteSet = false
	s.unsent = nil
	s.state = StateIdle

	if err := m.ensureEngine(); err != nil {
		return err
	}
	opts := s.media
	m.engineDo("prepare media", func(ctx context.Context, e media.Engine) error {
		return e.PrepareMedia(ctx, opts)
	}, func(err error) {
		if err != nil {
			m.logger.Error("prepare media failed", "error", err)
		}
	})
	return nil
}
