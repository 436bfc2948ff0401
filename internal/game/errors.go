package game

import (
	"errors"
	"fmt"
)

// PreconditionError reports a request that does not fit the room's current
// state: wrong phase, unknown room or player, dead player. It is surfaced to
// players as a declined acknowledgment.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return e.Reason
}

func preconditionf(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// ContentionError reports that another instance holds the room lease for the
// requested purpose. The work is skipped and retried on a later tick.
type ContentionError struct {
	RoomID  string
	Purpose string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("room %s is busy (%s)", e.RoomID, e.Purpose)
}

// FatalRoomError wraps an unexpected failure inside a transition. The room it
// names is torn down.
type FatalRoomError struct {
	RoomID string
	Cause  error
}

func (e *FatalRoomError) Error() string {
	return fmt.Sprintf("room %s: fatal transition error: %v", e.RoomID, e.Cause)
}

func (e *FatalRoomError) Unwrap() error {
	return e.Cause
}

// ErrStaleTransition is returned when a transition's expected phase or turn no
// longer matches the stored state, meaning another executor already ran it.
var ErrStaleTransition = errors.New("transition already applied")

// IsPrecondition reports whether err is (or wraps) a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsContention reports whether err is (or wraps) a ContentionError.
func IsContention(err error) bool {
	var ce *ContentionError
	return errors.As(err, &ce)
}
