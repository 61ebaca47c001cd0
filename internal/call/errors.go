package call

import "errors"

var (
	// ErrNoActiveTarget is returned by commands that need a peer when none is set
	ErrNoActiveTarget = errors.New("call: no active target")
	// ErrBusy is returned when a command conflicts with a call in progress
	ErrBusy = errors.New("call: session busy")
	// ErrNotOffer is returned by AcceptIncoming for anything but an Offer
	ErrNotOffer = errors.New("call: envelope is not an offer")
	// ErrNoEnvelope is returned by RejectCall without an envelope to answer
	ErrNoEnvelope = errors.New("call: no envelope to reject")
	// ErrNoEngine is wrapped by the EngineError returned when no media engine
	// could be created
	ErrNoEngine = errors.New("call: media engine unavailable")
	// ErrStopped is returned once the machine's Run loop has exited
	ErrStopped = errors.New("call: machine stopped")
)

// EngineError wraps a media engine failure
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return "call: engine " + e.Op + ": " + e.Err.Error()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
