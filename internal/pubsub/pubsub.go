// Package pubsub provides an interface-driven pub/sub bus used to route
// signaling envelopes between connected peers. The in-memory backend serves
// single-instance relays and tests; the Redis backend fans envelopes out
// across relay instances.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message represents a pub/sub message with typed payload
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use, and must deliver
// messages to a single subscription in publish order.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// Open creates a backend from a URL: "memory://" for the in-process bus,
// "redis://..." or "rediss://..." for Redis.
func Open(url string) (PubSub, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory:"):
		return NewMemoryPubSub(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisPubSub(url)
	default:
		return nil, fmt.Errorf("pubsub: unsupported url %q", url)
	}
}

// TopicBuilder helps construct consistent topic names
type TopicBuilder struct{}

// Peer returns the inbox topic of a phone number
func (t TopicBuilder) Peer(phone string) string {
	return "peer:" + phone
}

// Relay returns the topic every outgoing envelope is emitted on
func (t TopicBuilder) Relay() string {
	return "privateMessage"
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
