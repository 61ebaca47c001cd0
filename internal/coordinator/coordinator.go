// Package coordinator binds a call machine, its transport channel and call
// history recording to the lifetime of one local identity.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NeoRevolt/byoncall-sdk/internal/call"
	"github.com/NeoRevolt/byoncall-sdk/internal/history"
	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/NeoRevolt/byoncall-sdk/internal/transport"
)

// recordTimeout bounds a single history write
const recordTimeout = 10 * time.Second

var ErrNotStarted = errors.New("coordinator: session not started")

// Foreground keeps the host process alive while a call is active, the way a
// mobile foreground service would. Implementations must be safe to call
// from any goroutine.
type Foreground interface {
	Begin(ctx context.Context, peerID string, video bool) error
	End()
}

type noForeground struct{}

func (noForeground) Begin(context.Context, string, bool) error { return nil }
func (noForeground) End()                                      {}

// Config configures a Coordinator
type Config struct {
	// RelayURL is passed to the channel's Connect
	RelayURL string
	// Machine carries the call policy; its LocalID is set by Start
	Machine call.Config
	Logger  *slog.Logger
}

// Options holds the optional collaborators of a Coordinator
type Options struct {
	// UI receives every call event after the coordinator has handled it
	UI         call.Listener
	Recorder   history.Recorder
	Foreground Foreground
}

// CallSetup describes the call about to be placed or accepted
type CallSetup struct {
	Target   string
	IsCaller bool
	IsVideo  bool
	PeerName string
}

// Coordinator owns the session of one local identity. It is safe for
// concurrent use.
type Coordinator struct {
	cfg        Config
	channel    transport.Channel
	factory    media.Factory
	ui         call.Listener
	recorder   history.Recorder
	foreground Foreground
	logger     *slog.Logger

	// lifecycle serializes Start and StopSession; mu guards the fields below
	lifecycle sync.Mutex
	mu        sync.Mutex
	running   bool
	localID   string
	machine   *call.Machine
	cancel    context.CancelFunc
	pumpDone  chan struct{}

	// peers remembers display names and media of recent peers
	peersMu sync.Mutex
	peers   map[string]peerInfo
}

type peerInfo struct {
	name  string
	video bool
}

// New creates a coordinator; call Start to bind it to a local identity
func New(cfg Config, channel transport.Channel, factory media.Factory, opts Options) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fg := opts.Foreground
	if fg == nil {
		fg = noForeground{}
	}
	return &Coordinator{
		cfg:        cfg,
		channel:    channel,
		factory:    factory,
		ui:         opts.UI,
		recorder:   opts.Recorder,
		foreground: fg,
		logger:     logger.With("component", "coordinator"),
		peers:      make(map[string]peerInfo),
	}
}

// Start connects the channel under localID and starts the call machine. A
// second Start while running is logged and ignored.
func (c *Coordinator) Start(ctx context.Context, localID string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if running, bound := c.Running(), c.LocalID(); running {
		c.logger.Info("session already running", "local_id", bound, "requested", localID)
		return nil
	}
	if localID == "" {
		return fmt.Errorf("coordinator: local id is required")
	}

	if err := c.channel.Connect(ctx, c.cfg.RelayURL, localID); err != nil {
		return fmt.Errorf("coordinator: connect: %w", err)
	}

	mcfg := c.cfg.Machine
	mcfg.LocalID = localID
	if mcfg.Logger == nil {
		mcfg.Logger = c.logger
	}
	m := call.NewMachine(mcfg, c.channel, c.factory, c)

	// the session outlives the Start call
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go m.Run(runCtx)

	pumpDone := make(chan struct{})
	go c.pump(c.channel.Events(), m, pumpDone)

	c.mu.Lock()
	c.running = true
	c.localID = localID
	c.machine = m
	c.cancel = cancel
	c.pumpDone = pumpDone
	c.mu.Unlock()
	c.logger.Info("session started", "local_id", localID)
	return nil
}

// pump hands inbound payloads to the machine; Deliver only enqueues
func (c *Coordinator) pump(events <-chan []byte, m *call.Machine, done chan struct{}) {
	defer close(done)
	for payload := range events {
		m.Deliver(payload)
	}
	c.logger.Debug("inbound stream closed")
}

func (c *Coordinator) current() (*call.Machine, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, "", ErrNotStarted
	}
	return c.machine, c.localID, nil
}

// Running reports whether Start has bound the coordinator
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LocalID returns the bound identity, or "" when stopped
func (c *Coordinator) LocalID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

// SetupCall prepares the session for a call with setup.Target. Only the
// caller creates an Offer; the callee's answer is driven by the Offer it
// receives.
func (c *Coordinator) SetupCall(ctx context.Context, setup CallSetup) error {
	m, _, err := c.current()
	if err != nil {
		return err
	}
	if setup.Target == "" {
		return call.ErrNoActiveTarget
	}
	c.rememberPeer(setup.Target, setup.PeerName, setup.IsVideo)

	go func() {
		if err := c.foreground.Begin(context.WithoutCancel(ctx), setup.Target, setup.IsVideo); err != nil {
			c.logger.Warn("foreground start failed", "target", setup.Target, "error", err)
		}
	}()

	if err := m.SetTarget(ctx, setup.Target); err != nil {
		return err
	}
	if err := m.PrepareMedia(ctx, media.Options{Video: setup.IsVideo}); err != nil {
		return err
	}
	if setup.IsCaller {
		return m.StartCall(ctx, setup.Target)
	}
	return nil
}

// RequestCall rings target with a StartAudioCall or StartVideoCall envelope.
// The Offer follows once the callee's side has accepted.
func (c *Coordinator) RequestCall(ctx context.Context, target string, video bool, meta signaling.Metadata) error {
	m, localID, err := c.current()
	if err != nil {
		return err
	}
	if target == "" {
		return call.ErrNoActiveTarget
	}
	if err := m.NoteCallRequest(ctx, target); err != nil {
		return err
	}
	c.rememberPeer(target, "", video)
	env := signaling.NewCallRequest(localID, target, video, meta, time.Now())
	if err := c.channel.Send(ctx, env); err != nil {
		return fmt.Errorf("coordinator: request call: %w", err)
	}
	return nil
}

// SendChat sends a text message to target
func (c *Coordinator) SendChat(ctx context.Context, target, text string, meta signaling.Metadata) (*signaling.ChatMessage, error) {
	_, localID, err := c.current()
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, call.ErrNoActiveTarget
	}
	now := time.Now()
	msg := &signaling.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   localID,
		ReceiverID: target,
		Message:    text,
		CreateAt:   now.UTC().Format(time.RFC3339),
	}
	if err := c.channel.Send(ctx, signaling.NewChat(localID, target, msg, meta, now)); err != nil {
		return nil, fmt.Errorf("coordinator: send chat: %w", err)
	}
	return msg, nil
}

// AcceptCall answers an Offer held by an accept-gated machine
func (c *Coordinator) AcceptCall(ctx context.Context, offer *signaling.Envelope) error {
	m, _, err := c.current()
	if err != nil {
		return err
	}
	return m.AcceptIncoming(ctx, offer)
}

// RejectCall declines env and records the declined call
func (c *Coordinator) RejectCall(ctx context.Context, env *signaling.Envelope) error {
	m, _, err := c.current()
	if err != nil {
		return err
	}
	if err := m.RejectCall(ctx, env); err != nil {
		return err
	}
	peer := c.peer(env.SenderID)
	name := env.SenderName
	if name == "" {
		name = peer.name
	}
	c.record(history.Entry{
		ID:        uuid.NewString(),
		PeerID:    env.SenderID,
		PeerName:  name,
		Timestamp: time.Now().UTC(),
		Outcome:   history.OutcomeDeclined,
		Video:     env.Type == signaling.EventStartVideoCall || peer.video,
	})
	return nil
}

// EndCall hangs up the current call
func (c *Coordinator) EndCall(ctx context.Context) error {
	m, _, err := c.current()
	if err != nil {
		return err
	}
	c.foreground.End()
	return m.SendEndCall(ctx)
}

// StopSession ends any call without signalling the peer, disconnects the
// channel and stops the machine. The coordinator can be started again.
func (c *Coordinator) StopSession(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	m, cancel, pumpDone, localID := c.machine, c.cancel, c.pumpDone, c.localID
	c.running = false
	c.localID = ""
	c.machine = nil
	c.cancel = nil
	c.pumpDone = nil
	c.mu.Unlock()

	// listener callbacks may still run until the machine is done, so the
	// state lock is not held while waiting
	if err := m.EndLocally(ctx); err != nil && !errors.Is(err, call.ErrStopped) {
		c.logger.Warn("end call on stop failed", "error", err)
	}
	cancel()
	<-m.Done()

	err := c.channel.Disconnect()
	<-pumpDone
	c.foreground.End()

	c.logger.Info("session stopped", "local_id", localID)
	if err != nil {
		return fmt.Errorf("coordinator: disconnect: %w", err)
	}
	return nil
}

// Snapshot returns the machine's current session
func (c *Coordinator) Snapshot(ctx context.Context) (call.Snapshot, error) {
	m, _, err := c.current()
	if err != nil {
		return call.Snapshot{}, err
	}
	return m.Snapshot(ctx)
}

func (c *Coordinator) rememberPeer(id, name string, video bool) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	p := c.peers[id]
	if name != "" {
		p.name = name
	}
	p.video = video
	c.peers[id] = p
}

func (c *Coordinator) peer(id string) peerInfo {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	return c.peers[id]
}

func (c *Coordinator) record(e history.Entry) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.recorder.RecordCallLog(ctx, e); err != nil {
		c.logger.Error("failed to record call log", "peer", e.PeerID, "outcome", e.Outcome, "error", err)
	}
}
