package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces relay channels on a shared Redis
	DefaultRedisPrefix = "byoncall:"

	redisPingTimeout      = 5 * time.Second
	redisSubscribeTimeout = 5 * time.Second
	redisChannelSize      = 1024
	redisHealthCheck      = 30 * time.Second
)

// RedisOption configures a RedisPubSub
type RedisOption func(*RedisPubSub)

// WithPrefix sets the channel namespace. Relays sharing a Redis must agree
// on it.
func WithPrefix(prefix string) RedisOption {
	return func(ps *RedisPubSub) { ps.prefix = prefix }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RedisOption {
	return func(ps *RedisPubSub) { ps.logger = logger }
}

// RedisPubSub implements PubSub on Redis channels so that envelopes published
// by one relay instance reach phones connected to another.
//
// All topics of an instance share one subscriber connection and a single
// dispatcher goroutine, so each subscription sees messages in publish order.
// Handlers run on the dispatcher and must not block. go-redis resubscribes
// every channel after a reconnect; messages published while disconnected are
// lost, as with any Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *redis.PubSub
	done    chan struct{}
	topics  map[string]map[uint64]Handler
	waiters map[string][]chan struct{}
	nextID  uint64
	closed  bool
}

type redisSubscription struct {
	ps    *RedisPubSub
	id    uint64
	topic string
	once  sync.Once
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.ps.remove(s.topic, s.id) })
	return err
}

// NewRedisPubSub connects to the Redis at url (redis://[:password@]host:port[/db])
// and verifies it answers.
func NewRedisPubSub(url string, opts ...RedisOption) (*RedisPubSub, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: invalid redis url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := &RedisPubSub{
		client:  redis.NewClient(redisOpts),
		prefix:  DefaultRedisPrefix,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]map[uint64]Handler),
		waiters: make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(ps)
	}
	ps.logger = ps.logger.With("component", "pubsub", "backend", "redis")

	pingCtx, pingCancel := context.WithTimeout(ctx, redisPingTimeout)
	defer pingCancel()
	if err := ps.client.Ping(pingCtx).Err(); err != nil {
		cancel()
		_ = ps.client.Close()
		return nil, fmt.Errorf("pubsub: redis unreachable at %s: %w", redisOpts.Addr, err)
	}

	ps.logger.Info("connected to redis", "addr", redisOpts.Addr, "prefix", ps.prefix)
	return ps, nil
}

func (ps *RedisPubSub) channel(topic string) string {
	return ps.prefix + topic
}

// Publish sends msg to every subscriber of topic on every instance
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.Lock()
	closed := ps.closed
	ps.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: marshal message: %w", err)
	}

	receivers, err := ps.client.Publish(ctx, ps.channel(topic), data).Result()
	if err != nil {
		return fmt.Errorf("pubsub: redis publish: %w", err)
	}
	ps.logger.Debug("published", "topic", topic, "msg_type", msg.Type, "receivers", receivers)
	return nil
}

// Subscribe registers handler for topic. It returns once Redis has confirmed
// the channel subscription, so anything published afterwards is delivered.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrClosed
	}

	ps.nextID++
	sub := &redisSubscription{ps: ps, id: ps.nextID, topic: topic}
	handlers, known := ps.topics[topic]
	if !known {
		handlers = make(map[uint64]Handler)
		ps.topics[topic] = handlers
	}
	handlers[sub.id] = handler

	pending := len(ps.waiters[topic]) > 0
	if known && !pending {
		ps.mu.Unlock()
		return sub, nil
	}

	ready := make(chan struct{})
	ps.waiters[topic] = append(ps.waiters[topic], ready)

	if !known {
		if err := ps.subscribeLocked(ctx, topic); err != nil {
			ps.mu.Unlock()
			_ = sub.Unsubscribe()
			return nil, err
		}
	}
	ps.mu.Unlock()

	timer := time.NewTimer(redisSubscribeTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		ps.logger.Debug("subscribed", "topic", topic, "sub_id", sub.id)
		return sub, nil
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return nil, ctx.Err()
	case <-timer.C:
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("pubsub: redis subscribe %q: not confirmed after %s", topic, redisSubscribeTimeout)
	}
}

// subscribeLocked issues SUBSCRIBE, opening the shared connection and its
// dispatcher on first use.
func (ps *RedisPubSub) subscribeLocked(ctx context.Context, topic string) error {
	if ps.conn == nil {
		ps.conn = ps.client.Subscribe(ctx, ps.channel(topic))
		ps.done = make(chan struct{})
		go ps.dispatch(ps.conn.ChannelWithSubscriptions(
			redis.WithChannelSize(redisChannelSize),
			redis.WithChannelHealthCheckInterval(redisHealthCheck),
		))
		return nil
	}
	if err := ps.conn.Subscribe(ctx, ps.channel(topic)); err != nil {
		return fmt.Errorf("pubsub: redis subscribe %q: %w", topic, err)
	}
	return nil
}

func (ps *RedisPubSub) dispatch(items <-chan interface{}) {
	defer close(ps.done)
	for item := range items {
		switch m := item.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				ps.confirm(strings.TrimPrefix(m.Channel, ps.prefix))
			}
		case *redis.Message:
			ps.deliver(strings.TrimPrefix(m.Channel, ps.prefix), m.Payload)
		}
	}
}

func (ps *RedisPubSub) confirm(topic string) {
	ps.mu.Lock()
	waiters := ps.waiters[topic]
	delete(ps.waiters, topic)
	ps.mu.Unlock()

	if len(waiters) == 0 {
		ps.logger.Debug("resubscribed", "topic", topic)
	}
	for _, w := range waiters {
		close(w)
	}
}

func (ps *RedisPubSub) deliver(topic, payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		ps.logger.Error("dropping undecodable message", "topic", topic, "error", err)
		return
	}

	ps.mu.Lock()
	handlers := make([]Handler, 0, len(ps.topics[topic]))
	for _, h := range ps.topics[topic] {
		handlers = append(handlers, h)
	}
	ps.mu.Unlock()

	for _, h := range handlers {
		m := msg
		h(ps.ctx, &m)
	}
}

func (ps *RedisPubSub) remove(topic string, id uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	handlers := ps.topics[topic]
	delete(handlers, id)
	if len(handlers) > 0 {
		return nil
	}
	delete(ps.topics, topic)
	delete(ps.waiters, topic)
	if ps.closed || ps.conn == nil {
		return nil
	}
	if err := ps.conn.Unsubscribe(ps.ctx, ps.channel(topic)); err != nil {
		return fmt.Errorf("pubsub: redis unsubscribe %q: %w", topic, err)
	}
	return nil
}

// Close drops every subscription and the Redis client
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	ps.cancel()
	conn, done := ps.conn, ps.done
	ps.topics = make(map[string]map[uint64]Handler)
	ps.waiters = make(map[string][]chan struct{})
	ps.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			ps.logger.Warn("closing subscriber connection", "error", err)
		}
		<-done
	}
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("pubsub: close redis client: %w", err)
	}
	ps.logger.Info("redis pubsub closed")
	return nil
}

// SubscriberCount returns the handlers registered for topic on this instance
func (ps *RedisPubSub) SubscriberCount(topic string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.topics[topic])
}
