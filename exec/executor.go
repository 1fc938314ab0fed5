// Package exec provides an abstraction over command execution for testability.
// Production code uses RealExecutor, built on os/exec (and a pseudo-terminal
// when requested); tests inject a MockExecutor that returns pre-recorded
// results and scripted long-running processes.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// readBufferSize is the largest fragment delivered to a stream callback.
const readBufferSize = 32 * 1024

// ptyDrainTimeout bounds how long output is drained from a pseudo-terminal
// after the process has exited.
const ptyDrainTimeout = 2 * time.Second

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// StreamSpec describes a long-running command whose output is delivered
// incrementally.
type StreamSpec struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the current environment

	// PTY runs the command on a pseudo-terminal. Stdout and stderr are then
	// a single stream delivered to Stdout.
	PTY        bool
	Rows, Cols uint16

	// Output callbacks. Each is called from a single goroutine, in order.
	// The slice is only valid for the duration of the call.
	Stdout func([]byte)
	Stderr func([]byte)
}

// Process is a running command started by Stream.
type Process interface {
	// Write sends input to the process.
	Write(p []byte) (int, error)

	// Kill terminates the process.
	Kill() error

	// Wait blocks until the process has exited and all of its output has
	// been delivered. It may be called from several goroutines.
	Wait() (exitCode int, err error)
}

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command to completion. A non-zero exit status is
	// reported in Result.ExitCode, not as an error; err is set only when the
	// command could not be run or ctx ended first.
	Run(ctx context.Context, dir string, name string, args ...string) (Result, error)

	// Stream starts a long-running command. The process outlives ctx; only
	// Kill stops it.
	Stream(ctx context.Context, spec StreamSpec) (Process, error)
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Run executes a command and collects its output.
func (e *RealExecutor) Run(ctx context.Context, dir string, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	res := Result{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// Stream starts a command and pumps its output to the spec's callbacks.
func (e *RealExecutor) Stream(ctx context.Context, spec StreamSpec) (Process, error) {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	newCmd := func() *exec.Cmd {
		cmd := exec.CommandContext(procCtx, spec.Name, spec.Args...)
		cmd.Dir = spec.Dir
		if len(spec.Env) > 0 {
			cmd.Env = append(os.Environ(), spec.Env...)
		}
		return cmd
	}

	p := &realProcess{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if spec.PTY {
		cmd := newCmd()
		f, err := startPTY(cmd, spec.Rows, spec.Cols, true)
		if err != nil && isCttyError(err) {
			// Some platforms reject Setctty; a pty without a controlling
			// terminal is enough for interactive I/O.
			cmd = newCmd()
			f, err = startPTY(cmd, spec.Rows, spec.Cols, false)
		}
		if err != nil {
			cancel()
			return nil, fmt.Errorf("start %s on pty: %w", spec.Name, err)
		}
		p.cmd = cmd
		p.stdin = f
		p.pty = f
		p.pumps.Add(1)
		go p.pump(f, spec.Stdout)
		go p.waitPTY()
		return p, nil
	}

	cmd := newCmd()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.pumps.Add(2)
	go p.pump(stdout, spec.Stdout)
	go p.pump(stderr, spec.Stderr)
	go p.waitPipes()
	return p, nil
}

// realProcess wraps a started exec.Cmd.
type realProcess struct {
	cmd    *exec.Cmd
	stdin  io.Writer
	pty    *os.File
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	writeMu sync.Mutex

	done     chan struct{}
	exitCode int
	waitErr  error
}

func (p *realProcess) pump(r io.Reader, deliver func([]byte)) {
	defer p.pumps.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && deliver != nil {
			deliver(buf[:n])
		}
		if err != nil {
			// EOF for pipes, EIO for a pty whose child has gone away.
			return
		}
	}
}

// waitPipes reads both pipes to EOF before reaping, as os/exec requires.
func (p *realProcess) waitPipes() {
	p.pumps.Wait()
	p.finish(p.cmd.Wait())
}

// waitPTY reaps first, then drains what is left on the pty.
func (p *realProcess) waitPTY() {
	err := p.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		p.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(ptyDrainTimeout):
	}
	_ = p.pty.Close()
	select {
	case <-drained:
	case <-time.After(ptyDrainTimeout):
		// A reader blocked on a descendant that still holds the tty open.
	}
	p.finish(err)
}

func (p *realProcess) finish(err error) {
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.cancel()
	close(p.done)
}

func (p *realProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, os.ErrClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Write(b)
}

func (p *realProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.cancel()
	return nil
}

func (p *realProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

// Ensure implementations satisfy the interface.
var _ CommandExecutor = (*RealExecutor)(nil)
var _ Process = (*realProcess)(nil)

// defaultExecutorMu protects defaultExecutor for concurrent access.
var defaultExecutorMu sync.RWMutex

// defaultExecutor is the global default executor (can be swapped for testing).
var defaultExecutor CommandExecutor = NewRealExecutor()

// GetDefaultExecutor returns the global default executor.
func GetDefaultExecutor() CommandExecutor {
	defaultExecutorMu.RLock()
	defer defaultExecutorMu.RUnlock()
	return defaultExecutor
}

// SetDefaultExecutor sets the global default executor.
func SetDefaultExecutor(e CommandExecutor) {
	defaultExecutorMu.Lock()
	defer defaultExecutorMu.Unlock()
	defaultExecutor = e
}
