package media

import (
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/pion/webrtc/v3"
)

// ICEServer represents a STUN/TURN server configuration
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfig holds the ICE servers handed to every peer connection
type ICEConfig struct {
	STUNURLs     []string // e.g., ["stun:stun.l.google.com:19302"]
	TURNURLs     []string // e.g., ["turn:your-server:3478"]
	TURNUsername string
	TURNPassword string
	// RelayOnly restricts candidates to TURN relays
	RelayOnly bool
}

// Servers returns the configured ICE servers. TURN is skipped without credentials.
func (c ICEConfig) Servers() []ICEServer {
	servers := make([]ICEServer, 0, 2)

	if len(c.STUNURLs) > 0 {
		servers = append(servers, ICEServer{URLs: c.STUNURLs})
	}

	if len(c.TURNURLs) > 0 && c.TURNUsername != "" {
		servers = append(servers, ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}

	return servers
}

// PionConfiguration converts the config into a pion peer-connection configuration
func (c ICEConfig) PionConfiguration() webrtc.Configuration {
	servers := c.Servers()
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}

	cfg := webrtc.Configuration{ICEServers: out}
	if c.RelayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

func toPionCandidate(c signaling.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func fromPionCandidate(init webrtc.ICECandidateInit) signaling.ICECandidate {
	return signaling.ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func toPionDescription(d SessionDescription) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if d.Type == SDPTypeAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}
}

func fromPionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
