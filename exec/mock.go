package exec

import (
	"context"
	"errors"
	"sync"
)

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Err      error
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(dir, name string, args []string) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// MockExecutor returns pre-recorded responses for Run and scripted
// processes for Stream. Rules are matched in order of registration.
type MockExecutor struct {
	mu        sync.RWMutex
	rules     []MockRule
	calls     []MockCall
	streamErr error
	processes []*MockProcess
	onStream  func(*MockProcess)
	fallback  CommandExecutor
}

// NewMockExecutor creates a new MockExecutor.
// If fallback is provided, unmatched Run commands are delegated to it.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{
		fallback: fallback,
	}
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		return n == name && equalArgs(a, args)
	}, response)
}

// AddSuffixMatch adds a rule that matches commands ending with specific args.
// Remote commands are the last arguments of an ssh invocation, so this is
// the usual way to match them.
func (e *MockExecutor) AddSuffixMatch(name string, suffixArgs []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		if n != name || len(a) < len(suffixArgs) {
			return false
		}
		return equalArgs(a[len(a)-len(suffixArgs):], suffixArgs)
	}, response)
}

// FailStreams makes every subsequent Stream call fail with err (nil resets).
func (e *MockExecutor) FailStreams(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streamErr = err
}

// OnStream registers a hook called with every process Stream starts, before
// Stream returns.
func (e *MockExecutor) OnStream(fn func(*MockProcess)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStream = fn
}

// GetCalls returns all recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	calls := make([]MockCall, len(e.calls))
	copy(calls, e.calls)
	return calls
}

// ClearCalls clears the recorded command invocations.
func (e *MockExecutor) ClearCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// Processes returns the processes started by Stream, oldest first.
func (e *MockExecutor) Processes() []*MockProcess {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*MockProcess(nil), e.processes...)
}

func (e *MockExecutor) findMatch(dir, name string, args []string) *MockResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if rule.Match(dir, name, args) {
			return &rule.Response
		}
	}
	return nil
}

func (e *MockExecutor) recordCall(dir, name string, args []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: args})
}

// Run executes a mocked command.
func (e *MockExecutor) Run(ctx context.Context, dir string, name string, args ...string) (Result, error) {
	e.recordCall(dir, name, args)

	if resp := e.findMatch(dir, name, args); resp != nil {
		return Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, resp.Err
	}

	if e.fallback != nil {
		return e.fallback.Run(ctx, dir, name, args...)
	}

	// Default: empty success
	return Result{}, nil
}

// Stream starts a scripted process. Output is produced only when the test
// calls EmitStdout/EmitStderr, and the process exits on Exit or Kill.
func (e *MockExecutor) Stream(ctx context.Context, spec StreamSpec) (Process, error) {
	e.recordCall(spec.Dir, spec.Name, spec.Args)

	e.mu.Lock()
	if err := e.streamErr; err != nil {
		e.mu.Unlock()
		return nil, err
	}
	p := &MockProcess{spec: spec, done: make(chan struct{})}
	e.processes = append(e.processes, p)
	hook := e.onStream
	e.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return p, nil
}

// MockProcess is a scripted Process.
type MockProcess struct {
	spec StreamSpec

	mu       sync.Mutex
	written  []byte
	killed   bool
	exitCode int
	once     sync.Once
	done     chan struct{}
}

// ErrProcessExited is returned by MockProcess.Write after exit.
var ErrProcessExited = errors.New("process exited")

// Spec returns the spec the process was started with.
func (p *MockProcess) Spec() StreamSpec {
	return p.spec
}

// EmitStdout delivers b to the stdout callback.
func (p *MockProcess) EmitStdout(b []byte) {
	if p.spec.Stdout != nil {
		p.spec.Stdout(b)
	}
}

// EmitStderr delivers b to the stderr callback.
func (p *MockProcess) EmitStderr(b []byte) {
	if p.spec.Stderr != nil {
		p.spec.Stderr(b)
	}
}

// Exit ends the process with code. Later calls are ignored.
func (p *MockProcess) Exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	})
}

// Write records input.
func (p *MockProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, ErrProcessExited
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

// Kill ends the process with exit code -1.
func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(-1)
	return nil
}

// Wait blocks until Exit or Kill.
func (p *MockProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

// Written returns everything written to the process.
func (p *MockProcess) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

// Killed reports whether Kill was called.
func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Done is closed when the process exits.
func (p *MockProcess) Done() <-chan struct{} {
	return p.done
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ CommandExecutor = (*MockExecutor)(nil)
var _ Process = (*MockProcess)(nil)
