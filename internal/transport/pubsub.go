package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/NeoRevolt/byoncall-sdk/internal/pubsub"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// PubSubChannel talks to peers directly over a pub/sub bus, each peer
// subscribed to its own inbox topic. With the Redis backend several
// processes share a bus without a relay server.
type PubSubChannel struct {
	// lifecycle serializes Connect and Disconnect
	lifecycle sync.Mutex

	mu      sync.RWMutex
	ps      pubsub.PubSub
	ownsPS  bool
	sub     pubsub.Subscription
	localID string
	events  chan []byte
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
}

// NewPubSubChannel creates a channel on ps. When ps is nil the bus is
// opened from the URL given to Connect and closed on Disconnect.
func NewPubSubChannel(ps pubsub.PubSub, logger *slog.Logger) *PubSubChannel {
	return &PubSubChannel{
		ps:     ps,
		logger: logger.With("component", "transport", "kind", "pubsub"),
		closed: true,
	}
}

func (c *PubSubChannel) Connect(ctx context.Context, url, localID string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return ErrAlreadyConnected
	}

	if c.ps == nil {
		ps, err := pubsub.Open(url)
		if err != nil {
			return &TransportError{Op: "connect", Err: err}
		}
		c.ps = ps
		c.ownsPS = true
	}

	c.events = make(chan []byte, eventBuffer)
	c.done = make(chan struct{})
	c.closed = false

	events, done := c.events, c.done
	sub, err := c.ps.Subscribe(ctx, pubsub.Topics.Peer(localID), func(_ context.Context, msg *pubsub.Message) {
		c.deliver(events, done, msg.Payload)
	})
	if err != nil {
		c.closed = true
		close(c.events)
		return &TransportError{Op: "connect", Err: err}
	}

	c.sub = sub
	c.localID = localID
	c.logger.Info("channel connected", "local_id", localID)
	return nil
}

func (c *PubSubChannel) deliver(events chan []byte, done chan struct{}, payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || c.events != events {
		return
	}
	select {
	case events <- payload:
	case <-done:
	}
}

func (c *PubSubChannel) Send(ctx context.Context, env *signaling.Envelope) error {
	c.mu.RLock()
	connected := c.sub != nil
	ps := c.ps
	c.mu.RUnlock()

	if !connected {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}

	raw, err := signaling.Encode(env)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	topic := pubsub.Topics.Peer(env.ReceiverID)
	if err := ps.Publish(ctx, topic, &pubsub.Message{
		Topic:   topic,
		Type:    pubsub.Topics.Relay(),
		Payload: raw,
	}); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *PubSubChannel) Events() <-chan []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

func (c *PubSubChannel) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	if c.sub == nil {
		c.mu.RUnlock()
		return nil
	}
	done := c.done
	c.mu.RUnlock()

	// Unblock any delivery waiting on a full buffer before taking the lock.
	close(done)

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.sub.Unsubscribe()
	c.sub = nil
	c.closed = true
	close(c.events)

	if c.ownsPS {
		if cerr := c.ps.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.ps = nil
		c.ownsPS = false
	}

	c.logger.Info("channel disconnected", "local_id", c.localID)
	c.localID = ""
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}
