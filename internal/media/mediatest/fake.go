// Package mediatest provides an in-memory media.Engine for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
)

// Engine records every call and lets tests drive its callbacks
type Engine struct {
	ID      int
	LocalID string

	mu         sync.Mutex
	cb         media.Callbacks
	calls      []string
	candidates []signaling.ICECandidate
	local      *media.SessionDescription
	remote     *media.SessionDescription
	opts       *media.Options
	closed     bool
	errs       map[string]error
}

// Fail makes the named method ("CreateOffer", "SetRemoteDescription", ...)
// return err from now on.
func (e *Engine) Fail(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[method] = err
}

func (e *Engine) record(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, method)
	if e.closed && method != "Close" {
		return media.ErrEngineClosed
	}
	return e.errs[method]
}

func (e *Engine) PrepareMedia(ctx context.Context, opts media.Options) error {
	if err := e.record("PrepareMedia"); err != nil {
		return err
	}
	e.mu.Lock()
	e.opts = &opts
	e.mu.Unlock()
	return nil
}

func (e *Engine) CreateOffer(ctx context.Context) (media.SessionDescription, error) {
	if err := e.record("CreateOffer"); err != nil {
		return media.SessionDescription{}, err
	}
	return media.SessionDescription{Type: media.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", e.LocalID, e.ID)}, nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (media.SessionDescription, error) {
	if err := e.record("CreateAnswer"); err != nil {
		return media.SessionDescription{}, err
	}
	return media.SessionDescription{Type: media.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", e.LocalID, e.ID)}, nil
}

func (e *Engine) SetLocalDescription(ctx context.Context, desc media.SessionDescription) error {
	if err := e.record("SetLocalDescription"); err != nil {
		return err
	}
	e.mu.Lock()
	e.local = &desc
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetRemoteDescription(ctx context.Context, desc media.SessionDescription) error {
	if err := e.record("SetRemoteDescription"); err != nil {
		return err
	}
	e.mu.Lock()
	e.remote = &desc
	e.mu.Unlock()
	return nil
}

func (e *Engine) AddICECandidate(ctx context.Context, c signaling.ICECandidate) error {
	if err := e.record("AddICECandidate"); err != nil {
		return err
	}
	e.mu.Lock()
	e.candidates = append(e.candidates, c)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Close() error {
	_ = e.record("Close")
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// EmitCandidate simulates a locally gathered candidate
func (e *Engine) EmitCandidate(c signaling.ICECandidate) {
	e.mu.Lock()
	cb := e.cb.OnICECandidate
	e.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// EmitState simulates a connection state change
func (e *Engine) EmitState(s media.ConnectionState) {
	e.mu.Lock()
	cb := e.cb.OnConnectionStateChange
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// EmitStream simulates a remote track
func (e *Engine) EmitStream(s media.Stream) {
	e.mu.Lock()
	cb := e.cb.OnRemoteStream
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Calls returns the method names invoked so far, in order
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Count returns how many times method was invoked
func (e *Engine) Count(method string) int {
	n := 0
	for _, c := range e.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// Candidates returns the remote candidates applied so far
func (e *Engine) Candidates() []signaling.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]signaling.ICECandidate(nil), e.candidates...)
}

// Remote returns the applied remote description, if any
func (e *Engine) Remote() *media.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// Local returns the applied local description, if any
func (e *Engine) Local() *media.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Options returns the media options the engine was prepared with
func (e *Engine) Options() *media.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// Closed reports whether Close was called
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Factory builds fake engines and remembers each one
type Factory struct {
	mu      sync.Mutex
	engines []*Engine
	err     error
}

// NewFactory returns an empty Factory
func NewFactory() *Factory {
	return &Factory{}
}

// FailNext makes subsequent New calls fail with err; nil restores success
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// New satisfies media.Factory
func (f *Factory) New(localID string, cb media.Callbacks) (media.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &Engine{
		ID:      len(f.engines) + 1,
		LocalID: localID,
		cb:      cb,
		errs:    make(map[string]error),
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// Engines returns every engine created so far
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Last returns the most recently created engine, or nil
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}
