package call

import (
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// maxPendingCandidates bounds remote candidates held before a remote
// description is applied.
const maxPendingCandidates = 128

type pendingCandidate struct {
	from      string
	candidate signaling.ICECandidate
}

// session is the mutable state of one call attempt. Only the machine's Run
// goroutine touches it.
type session struct {
	myID       string
	targetID   string
	state      State
	status     CallStatus
	generation uint64

	engine media.Engine
	worker *serialQueue
	media  media.Options

	// outgoing is set when the local peer creates the Offer
	outgoing      bool
	negotiating   bool
	offerSent     bool
	remotePending bool
	remoteSet     bool
	lastOfferSDP  string

	pending   []pendingCandidate
	unsent    []signaling.ICECandidate
	heldOffer *signaling.Envelope

	startedAt   time.Time
	connectedAt time.Time

	// the peer of the last ended call; kept across resets so its own
	// crossing EndCall is not taken for a new call
	endedPeer string
	endedAt   time.Time
}

// busy reports whether a negotiation or call is in progress
func (s *session) busy() bool {
	return s.state != StateIdle || s.negotiating
}

func (s *session) queueCandidate(from string, c signaling.ICECandidate) (dropped bool) {
	if len(s.pending) >= maxPendingCandidates {
		s.pending = s.pending[1:]
		dropped = true
	}
	s.pending = append(s.pending, pendingCandidate{from: from, candidate: c})
	return dropped
}

// takePending removes and returns the queued candidates sent by peer,
// discarding those from anyone else.
func (s *session) takePending(peer string) []signaling.ICECandidate {
	var out []signaling.ICECandidate
	for _, p := range s.pending {
		if p.from == peer {
			out = append(out, p.candidate)
		}
	}
	s.pending = nil
	return out
}

// dropPending discards the queued candidates sent by peer
func (s *session) dropPending(peer string) {
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.from != peer {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// endedRecently reports whether peer's EndCall belongs to the call that
// just ended rather than to a new call attempt
func (s *session) endedRecently(peer string, now time.Time) bool {
	return peer != "" && peer == s.endedPeer && now.Sub(s.endedAt) < signaling.MaxAge
}

// forgetEnded clears the last ended peer once it is part of a new attempt
func (s *session) forgetEnded(peer string) {
	if peer == s.endedPeer {
		s.endedPeer, s.endedAt = "", time.Time{}
	}
}

// clearCall forgets everything about the current call but the engine
func (s *session) clearCall() {
	s.targetID = ""
	s.state = StateIdle
	s.media = media.Options{}
	s.outgoing = false
	s.negotiating = false
	s.offerSent = false
	s.remotePending = false
	s.remoteSet = false
	s.lastOfferSDP = ""
	s.pending = nil
	s.unsent = nil
	s.heldOffer = nil
	s.startedAt = time.Time{}
	s.connectedAt = time.Time{}
}

// Snapshot is a read-only copy of the session
type Snapshot struct {
	MyID                 string
	TargetID             string
	State                State
	Status               CallStatus
	Generation           uint64
	PendingCandidates    int
	RemoteDescriptionSet bool
	HeldOffer            *signaling.Envelope
	HasEngine            bool
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		MyID:                 s.myID,
		TargetID:             s.targetID,
		State:                s.state,
		Status:               s.status,
		Generation:           s.generation,
		PendingCandidates:    len(s.pending),
		RemoteDescriptionSet: s.remoteSet,
		HeldOffer:            s.heldOffer,
		HasEngine:            s.engine != nil,
	}
}
