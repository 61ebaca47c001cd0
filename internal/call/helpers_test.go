package call

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/media/mediatest"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingSender captures every envelope the machine emits
type recordingSender struct {
	mu   sync.Mutex
	sent []*signaling.Envelope
	// forward, when set, receives each envelope after it is recorded
	forward func(*signaling.Envelope)
}

func (r *recordingSender) Send(ctx context.Context, env *signaling.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	fwd := r.forward
	r.mu.Unlock()
	if fwd != nil {
		fwd(env)
	}
	return nil
}

func (r *recordingSender) ofType(t signaling.EventType) []*signaling.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*signaling.Envelope
	for _, e := range r.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSender) count(t signaling.EventType) int {
	return len(r.ofType(t))
}

// recordingListener captures every callback
type recordingListener struct {
	mu       sync.Mutex
	incoming []*signaling.Envelope
	declined []*signaling.Envelope
	statuses []CallStatus
	ended    []EndInfo
	chats    []*signaling.Envelope
	streams  []media.Stream
}

func (l *recordingListener) OnIncomingCall(env *signaling.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incoming = append(l.incoming, env)
}

func (l *recordingListener) OnCallDeclined(env *signaling.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.declined = append(l.declined, env)
}

func (l *recordingListener) OnCallStatusChanged(status CallStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *recordingListener) OnCallEnded(info EndInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, info)
}

func (l *recordingListener) OnChatMessage(env *signaling.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chats = append(l.chats, env)
}

func (l *recordingListener) OnRemoteStream(stream media.Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams = append(l.streams, stream)
}

func (l *recordingListener) endedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ended)
}

func (l *recordingListener) lastEnded() EndInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended[len(l.ended)-1]
}

func (l *recordingListener) incomingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.incoming)
}

func (l *recordingListener) hasStatus(s CallStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.statuses {
		if st == s {
			return true
		}
	}
	return false
}

type harness struct {
	m        *Machine
	sender   *recordingSender
	factory  *mediatest.Factory
	listener *recordingListener
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.LocalID == "" {
		cfg.LocalID = "0811"
	}
	cfg.Logger = testLogger()

	h := &harness{
		sender:   &recordingSender{},
		factory:  mediatest.NewFactory(),
		listener: &recordingListener{},
	}
	h.m = NewMachine(cfg, h.sender, h.factory.New, h.listener)

	ctx, cancel := context.WithCancel(context.Background())
	go h.m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.m.Done()
	})

	require.Eventually(t, func() bool { return h.factory.Last() != nil }, waitFor, tick)
	return h
}

func (h *harness) engine() *mediatest.Engine {
	return h.factory.Last()
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (h *harness) deliver(t *testing.T, env *signaling.Envelope) {
	t.Helper()
	raw, err := signaling.Encode(env)
	require.NoError(t, err)
	h.m.Deliver(raw)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.snapshot(t).State == want }, waitFor, tick,
		"state never became %s", want)
}

func candidate(i int) signaling.ICECandidate {
	mid := "0"
	idx := uint16(i)
	return signaling.ICECandidate{
		Candidate:     "candidate:" + string(rune('a'+i)) + " 1 udp 2122260223 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
