// Package history records finished calls for the local device and the
// call-log service.
package history

import (
	"context"
	"errors"
	"time"
)

// Outcome is how a call finished from the local side's point of view
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Valid reports whether o is one of the known outcomes
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeDeclined, OutcomeNoAnswer, OutcomeFailed, OutcomeCancelled:
		return true
	}
	return false
}

// Entry is one finished call
type Entry struct {
	ID              string    `json:"id"`
	PeerID          string    `json:"peerId"`
	PeerName        string    `json:"peerName,omitempty"`
	DurationSeconds int64     `json:"durationSeconds"`
	Timestamp       time.Time `json:"timestamp"`
	Outcome         Outcome   `json:"outcome"`
	Outgoing        bool      `json:"outgoing"`
	Video           bool      `json:"video"`
}

// Duration returns the connected time of the call
func (e Entry) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

var ErrInvalidEntry = errors.New("history: invalid entry")

// Validate checks the fields every store relies on
func (e Entry) Validate() error {
	if e.PeerID == "" {
		return errors.Join(ErrInvalidEntry, errors.New("peer id is required"))
	}
	if !e.Outcome.Valid() {
		return errors.Join(ErrInvalidEntry, errors.New("unknown outcome "+string(e.Outcome)))
	}
	if e.DurationSeconds < 0 {
		return errors.Join(ErrInvalidEntry, errors.New("negative duration"))
	}
	return nil
}

// Recorder persists finished calls
type Recorder interface {
	RecordCallLog(ctx context.Context, e Entry) error
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(ctx context.Context, e Entry) error

func (f RecorderFunc) RecordCallLog(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// MultiRecorder records to every recorder and joins their errors. A failing
// recorder does not stop the others.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordCallLog(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordCallLog(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
