package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/call"
	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// console prints session events for a human
type console struct {
	mu  sync.Mutex
	out io.Writer

	// held is the last Offer waiting for an explicit accept
	held  *signaling.Envelope
	ended chan call.EndInfo
}

var _ call.Listener = (*console)(nil)

func newConsole(out io.Writer) *console {
	return &console{out: out, ended: make(chan call.EndInfo, 8)}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func caller(env *signaling.Envelope) string {
	if env.SenderName != "" {
		return fmt.Sprintf("%s (%s)", env.SenderName, env.SenderID)
	}
	return env.SenderID
}

func (c *console) OnIncomingCall(env *signaling.Envelope) {
	switch {
	case env.Type == signaling.EventOffer:
		c.mu.Lock()
		c.held = env
		c.mu.Unlock()
		c.printf("incoming call from %s, type 'accept' or 'reject'", caller(env))
	case env.Type.IsCallRequest():
		kind := "audio"
		if env.Type == signaling.EventStartVideoCall {
			kind = "video"
		}
		if env.CallMessage != "" {
			c.printf("%s call request from %s: %s", kind, caller(env), env.CallMessage)
			return
		}
		c.printf("%s call request from %s", kind, caller(env))
	}
}

// takeHeld returns and clears the held Offer
func (c *console) takeHeld() *signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	env := c.held
	c.held = nil
	return env
}

func (c *console) OnCallDeclined(env *signaling.Envelope) {
	c.printf("%s declined", caller(env))
}

func (c *console) OnCallStatusChanged(status call.CallStatus) {
	c.printf("status: %s", status)
}

func (c *console) OnCallEnded(info call.EndInfo) {
	c.takeHeld()
	if info.Connected() {
		c.printf("call with %s ended (%s) after %s", info.PeerID, info.Reason, info.Duration().Round(time.Second))
	} else {
		c.printf("call with %s ended (%s)", info.PeerID, info.Reason)
	}
	select {
	case c.ended <- info:
	default:
	}
}

func (c *console) OnChatMessage(env *signaling.Envelope) {
	if msg, ok := env.Chat(); ok {
		c.printf("[%s] %s", caller(env), msg.Message)
	}
}

func (c *console) OnRemoteStream(s media.Stream) {
	c.printf("receiving %s track %s", s.Kind, s.ID)
}
