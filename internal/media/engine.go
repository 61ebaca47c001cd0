// Package media abstracts the peer-connection engine driven by the call
// state machine, and provides a pion/webrtc implementation of it.
package media

import (
	"context"

	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/pion/webrtc/v3"
)

// SDPType is the role of a session description
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP blob with its role
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ConnectionState is the aggregate peer-connection state reported by an engine
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Stream describes a remote media track that started flowing
type Stream struct {
	ID   string
	Kind string
	// Track is the underlying remote track; nil for engines without real media
	Track *webrtc.TrackRemote
}

// Options selects which media a call carries
type Options struct {
	Video bool
}

// Callbacks are invoked by an engine from its own goroutines
type Callbacks struct {
	OnICECandidate          func(signaling.ICECandidate)
	OnConnectionStateChange func(ConnectionState)
	OnRemoteStream          func(Stream)
}

// Engine negotiates and carries one peer connection. Methods may block;
// callers run them off their hot path.
type Engine interface {
	PrepareMedia(ctx context.Context, opts Options) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(ctx context.Context, c signaling.ICECandidate) error
	Close() error
}

// Factory creates a fresh engine bound to the local identity
type Factory func(localID string, cb Callbacks) (Engine, error)
