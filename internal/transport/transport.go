// Package transport carries encoded envelopes between a peer and the relay.
package transport

import (
	"context"
	"errors"

	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// TransportError wraps a failure of a channel operation
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Channel is a bidirectional pipe to the relay, bound to one local identity
// at a time. Connecting again before Disconnect fails with ErrAlreadyConnected.
type Channel interface {
	// Connect binds the channel to localID and starts receiving envelopes
	// addressed to it.
	Connect(ctx context.Context, url, localID string) error

	// Send emits env on the relay topic; the relay routes it to env.ReceiverID.
	Send(ctx context.Context, env *signaling.Envelope) error

	// Events delivers raw inbound payloads in arrival order. The channel is
	// closed by Disconnect or when the connection drops.
	Events() <-chan []byte

	// Disconnect unbinds the channel. It is safe to call when not connected.
	Disconnect() error
}

// eventBuffer bounds inbound payloads waiting for the consumer
const eventBuffer = 256
