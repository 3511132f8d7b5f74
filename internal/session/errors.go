package session

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOperation is returned when neither the process nor a pipe
// manager offers a stdin path.
var ErrUnsupportedOperation = errors.New("no stdin capability available")

// ErrResultTimeout is returned by WaitForResult when the deadline elapses
// before a result message arrives.
var ErrResultTimeout = errors.New("timed out waiting for result")

// ErrNoResult is returned when the stream ends without ever producing a
// result message.
var ErrNoResult = errors.New("stream ended without a result message")

// StateError rejects an operation that is illegal in the session's
// current state. Each (operation, state) pair has its own wording so
// callers can branch on cause.
type StateError struct {
	SessionID string
	Op        string
	Reason    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: cannot %s: %s", e.SessionID, e.Op, e.Reason)
}

func stateError(id, op string, status Status) *StateError {
	reason := "session " + string(status)
	switch status {
	case StatusPending:
		reason = "session must be started"
	case StatusStarting:
		reason = "session is still starting"
	case StatusCompleted:
		reason = "session completed"
	case StatusError:
		reason = "session is in error state"
	case StatusAborted:
		reason = "session aborted"
	case StatusDestroyed:
		reason = "session destroyed"
	}
	return &StateError{SessionID: id, Op: op, Reason: reason}
}
