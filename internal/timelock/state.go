package timelock

import (
	"encoding/json"
	"fmt"
	"time"

	"examseal/internal/sealerr"
)

// State is the position of an exam in its one-way release lifecycle.
type State int

const (
	Scheduled State = iota
	Releasable
	KeyReleased
	Decrypted
)

var stateNames = [...]string{"scheduled", "releasable", "key_released", "decrypted"}

func (s State) String() string {
	if s < Scheduled || s > Decrypted {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalJSON renders the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StateOf derives the lifecycle state from persisted flags and the clock.
// Flags recorded on disk win over the clock, so an exam whose key was
// released stays released even if the clock is later wound back.
func StateOf(now, scheduled time.Time, keyReleased, decrypted bool) State {
	switch {
	case decrypted:
		return Decrypted
	case keyReleased:
		return KeyReleased
	case IsReleasable(now, scheduled):
		return Releasable
	default:
		return Scheduled
	}
}

// Advance validates a transition from one state to another. Staying in
// the same state is allowed; moving backwards never is.
func Advance(from, to State) error {
	switch {
	case to < from:
		return fmt.Errorf("%w: %s -> %s", sealerr.ErrInvalidState, from, to)
	case from == Scheduled && to >= KeyReleased:
		return fmt.Errorf("%w: %s -> %s", sealerr.ErrReleaseTooEarly, from, to)
	case to == Decrypted && from < KeyReleased:
		return fmt.Errorf("%w: key not released", sealerr.ErrInvalidState)
	}
	return nil
}
