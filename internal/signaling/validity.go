package signaling

import (
	"errors"
	"time"
)

// MaxAge is how long an envelope stays actionable after creation
const MaxAge = 60 * time.Second

// ErrStaleEnvelope marks an envelope older than MaxAge
var ErrStaleEnvelope = errors.New("signaling: stale envelope")

// IsValid reports whether env is younger than MaxAge at now.
// An envelope exactly MaxAge old is already stale.
func IsValid(env *Envelope, now time.Time) bool {
	return now.UnixMilli()-env.Timestamp < MaxAge.Milliseconds()
}

// CheckFresh returns ErrStaleEnvelope when env is no longer valid
func CheckFresh(env *Envelope, now time.Time) error {
	if !IsValid(env, now) {
		return ErrStaleEnvelope
	}
	return nil
}
