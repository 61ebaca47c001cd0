package call

import "github.com/NeoRevolt/byoncall-sdk/internal/media"

// CallStatus is the user-facing status of the local peer
type CallStatus string

const (
	StatusOnline   CallStatus = "ONLINE"
	StatusOffline  CallStatus = "OFFLINE"
	StatusCalling  CallStatus = "CALLING"
	StatusInCall   CallStatus = "IN_CALL"
	StatusRinging  CallStatus = "RINGING"
	StatusDeclined CallStatus = "DECLINED"
	StatusNoAnswer CallStatus = "NO_ANSWER"
	StatusHangup   CallStatus = "HANGUP"
	StatusFailed   CallStatus = "FAILED"
)

// State is the negotiation phase of the current session
type State int

const (
	StateIdle State = iota
	StateCalling
	StateConnecting
	StateInCall
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCalling:
		return "CALLING"
	case StateConnecting:
		return "CONNECTING"
	case StateInCall:
		return "IN_CALL"
	case StateEnded:
		return "ENDED"
	}
	return "UNKNOWN"
}

// StatusForConnection maps an engine connection state to the status shown to
// the user. DISCONNECTED is treated as transient and reported as CALLING.
// ok is false for states that do not change the status.
func StatusForConnection(s media.ConnectionState) (status CallStatus, ok bool) {
	switch s {
	case media.StateConnecting:
		return StatusCalling, true
	case media.StateConnected:
		return StatusInCall, true
	case media.StateDisconnected:
		return StatusCalling, true
	case media.StateFailed:
		return StatusFailed, true
	case media.StateClosed:
		return StatusOffline, true
	}
	return "", false
}
