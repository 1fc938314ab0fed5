package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExists is returned by Spawn when the thread already has a session.
	ErrSessionExists = errors.New("session already active for thread")

	// ErrNoSession is returned when a thread has no active session.
	ErrNoSession = errors.New("no active session")

	// ErrNotRunning is returned by SendInput while a session is still starting.
	ErrNotRunning = errors.New("session is not running")
)

// SpawnError reports that a session could not be started.
type SpawnError struct {
	ThreadKey string
	Target    string
	Reason    string
	Err       error
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("failed to start session on %s: %s", e.Target, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
