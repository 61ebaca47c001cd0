package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// keyframeInterval paces picture-loss requests on incoming video
const keyframeInterval = 3 * time.Second

var ErrEngineClosed = errors.New("media: engine closed")

// PionConfig configures engines built by NewPionFactory
type PionConfig struct {
	ICE ICEConfig

	// LocalTracks supplies the capture tracks of a call. When nil, or when it
	// returns no track of a kind, that kind is negotiated receive-only.
	LocalTracks func(localID string, opts Options) ([]webrtc.TrackLocal, error)

	Logger *slog.Logger
}

// PionEngine is an Engine backed by a pion PeerConnection
type PionEngine struct {
	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	cfg      PionConfig
	localID  string
	cb       Callbacks
	prepared bool
	closed   bool
	logger   *slog.Logger

	// cancels keyframe loops and track readers
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPionFactory returns a Factory producing pion engines
func NewPionFactory(cfg PionConfig) Factory {
	return func(localID string, cb Callbacks) (Engine, error) {
		return NewPionEngine(cfg, localID, cb)
	}
}

// NewPionEngine creates a peer connection with Opus and VP8 registered
func NewPionEngine(cfg PionConfig, localID string, cb Callbacks) (*PionEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(cfg.ICE.PionConfiguration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &PionEngine{
		pc:      pc,
		cfg:     cfg,
		localID: localID,
		cb:      cb,
		logger:  logger.With("component", "media", "local_id", localID),
		ctx:     ctx,
		cancel:  cancel,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || e.cb.OnICECandidate == nil {
			return
		}
		e.cb.OnICECandidate(fromPionCandidate(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Debug("peer connection state", "state", s.String())
		if e.cb.OnConnectionStateChange != nil {
			e.cb.OnConnectionStateChange(fromPionState(s))
		}
	})

	pc.OnTrack(e.handleTrack)

	return e, nil
}

// PrepareMedia adds the call's transceivers. Audio is always negotiated;
// video only when requested. Only the first call has an effect.
func (e *PionEngine) PrepareMedia(ctx context.Context, opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.prepared {
		return nil
	}
	e.prepared = true

	var tracks []webrtc.TrackLocal
	if e.cfg.LocalTracks != nil {
		var err error
		if tracks, err = e.cfg.LocalTracks(e.localID, opts); err != nil {
			return fmt.Errorf("local tracks: %w", err)
		}
	}

	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range tracks {
		if _, err := e.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		have[t.Kind()] = true
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if opts.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if have[kind] {
			continue
		}
		if _, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (e *PionEngine) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if err := e.ensurePrepared(ctx); err != nil {
		return SessionDescription{}, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: offer.SDP}, nil
}

func (e *PionEngine) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (e *PionEngine) SetLocalDescription(ctx context.Context, desc SessionDescription) error {
	return e.pc.SetLocalDescription(toPionDescription(desc))
}

func (e *PionEngine) SetRemoteDescription(ctx context.Context, desc SessionDescription) error {
	return e.pc.SetRemoteDescription(toPionDescription(desc))
}

func (e *PionEngine) AddICECandidate(ctx context.Context, c signaling.ICECandidate) error {
	return e.pc.AddICECandidate(toPionCandidate(c))
}

// Close tears down the peer connection and every track goroutine
func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	return e.pc.Close()
}

func (e *PionEngine) ensurePrepared(ctx context.Context) error {
	e.mu.Lock()
	prepared := e.prepared
	e.mu.Unlock()
	if prepared {
		return nil
	}
	return e.PrepareMedia(ctx, Options{})
}

func (e *PionEngine) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	e.logger.Info("remote track", "track_id", track.ID(), "kind", track.Kind().String())

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.requestKeyframes(track)
	}

	if e.cb.OnRemoteStream != nil {
		e.cb.OnRemoteStream(Stream{
			ID:    track.StreamID(),
			Kind:  track.Kind().String(),
			Track: track,
		})
		return
	}

	// Nobody renders it; keep the receive buffer drained.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (e *PionEngine) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		if err := e.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			return
		}
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
