// Package transport runs commands on remote machines.
//
// Transport is what the session manager and the directory lookups consume.
// SSH implements it by invoking the system ssh client, so host aliases, keys,
// agents and ControlMaster settings from ~/.ssh/config all apply.
package transport

import (
	"context"
	"errors"
	"time"
)

// LocalTarget runs commands on this machine through sh -c.
const LocalTarget = "local"

// ErrUnknownTarget is returned for a target that is not configured.
var ErrUnknownTarget = errors.New("unknown target")

// ExecResult is the outcome of a one-shot command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Callbacks receive an interactive session's output. OnStdout and OnStderr
// are each called from a single goroutine, in order, but may run
// concurrently with each other. OnExit is called exactly once, after all
// output has been delivered.
type Callbacks struct {
	OnStdout func(chunk []byte)
	OnStderr func(chunk []byte)
	OnExit   func(code int)
}

// Handle controls a running interactive session.
type Handle interface {
	// Write sends input to the session.
	Write(p []byte) (int, error)

	// Kill terminates the session. OnExit still fires.
	Kill() error
}

// Transport executes commands on targets.
type Transport interface {
	// Exec runs command on target and waits for it, up to timeout (zero
	// means no limit beyond ctx).
	Exec(ctx context.Context, target, command string, timeout time.Duration) (ExecResult, error)

	// SpawnInteractiveSession starts a long-running command. The session
	// is killed after idleTimeout without output (zero disables the
	// watchdog). A non-nil error means nothing was started.
	SpawnInteractiveSession(ctx context.Context, target, command string, cb Callbacks, idleTimeout time.Duration) (Handle, error)
}
