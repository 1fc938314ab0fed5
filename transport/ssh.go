package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zhubert/plural-remote/exec"
)

// Host is a machine reachable over ssh.
type Host struct {
	Name         string // target name used in dialogs
	Address      string // ssh destination, e.g. "dev@10.0.0.5" or an ssh_config alias
	Port         int
	IdentityFile string
}

// SSHOptions tune the ssh client invocation.
type SSHOptions struct {
	ConnectTimeout      time.Duration
	ServerAliveInterval time.Duration
	BatchMode           bool     // fail instead of prompting for passwords
	PTY                 bool     // run interactive sessions on a pseudo-terminal
	ExtraArgs           []string // passed to ssh before the destination
}

// DefaultSSHOptions returns conservative settings for unattended use.
func DefaultSSHOptions() SSHOptions {
	return SSHOptions{
		ConnectTimeout:      10 * time.Second,
		ServerAliveInterval: 10 * time.Second,
		BatchMode:           true,
	}
}

// SSH runs commands through the system ssh binary.
type SSH struct {
	mu       sync.RWMutex
	hosts    map[string]Host
	opts     SSHOptions
	executor exec.CommandExecutor
	log      *slog.Logger
}

// NewSSH creates an SSH transport. A nil executor uses the package default.
func NewSSH(hosts []Host, opts SSHOptions, executor exec.CommandExecutor, log *slog.Logger) *SSH {
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &SSH{opts: opts, executor: executor, log: log}
	s.SetHosts(hosts)
	return s
}

// SetHosts replaces the known hosts, e.g. after a config reload. Running
// sessions are unaffected.
func (s *SSH) SetHosts(hosts []Host) {
	m := make(map[string]Host, len(hosts))
	for _, h := range hosts {
		m[h.Name] = h
	}
	s.mu.Lock()
	s.hosts = m
	s.mu.Unlock()
}

// Targets returns the names of the configured hosts.
func (s *SSH) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.hosts))
	for name := range s.hosts {
		names = append(names, name)
	}
	return names
}

// command returns the program and arguments that run command on target.
func (s *SSH) command(target, command string, interactive bool) (string, []string, error) {
	if target == LocalTarget {
		return "sh", []string{"-c", command}, nil
	}

	s.mu.RLock()
	host, ok := s.hosts[target]
	s.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}

	var args []string
	if s.opts.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if s.opts.ConnectTimeout > 0 {
		args = append(args, "-o", "ConnectTimeout="+seconds(s.opts.ConnectTimeout))
	}
	if s.opts.ServerAliveInterval > 0 {
		args = append(args,
			"-o", "ServerAliveInterval="+seconds(s.opts.ServerAliveInterval),
			"-o", "ServerAliveCountMax=3",
		)
	}
	if host.Port > 0 {
		args = append(args, "-p", strconv.Itoa(host.Port))
	}
	if host.IdentityFile != "" {
		args = append(args, "-i", host.IdentityFile)
	}
	if interactive && s.opts.PTY {
		// Force a remote tty even though our side is a pty, not a terminal.
		args = append(args, "-tt")
	} else {
		args = append(args, "-T")
	}
	args = append(args, s.opts.ExtraArgs...)
	args = append(args, host.Address, command)
	return "ssh", args, nil
}

func seconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// Exec runs a one-shot command.
func (s *SSH) Exec(ctx context.Context, target, command string, timeout time.Duration) (ExecResult, error) {
	name, args, err := s.command(target, command, false)
	if err != nil {
		return ExecResult{}, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.executor.Run(ctx, "", name, args...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec on %s: %w", target, err)
	}
	s.log.Debug("exec finished", "target", target, "exitCode", res.ExitCode, "duration", time.Since(start))
	return ExecResult{
		ExitCode: res.ExitCode,
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
	}, nil
}

// SpawnInteractiveSession starts command on target and streams its output.
func (s *SSH) SpawnInteractiveSession(ctx context.Context, target, command string, cb Callbacks, idleTimeout time.Duration) (Handle, error) {
	name, args, err := s.command(target, command, true)
	if err != nil {
		return nil, err
	}

	h := &sessionHandle{idleTimeout: idleTimeout}
	spec := exec.StreamSpec{
		Name: name,
		Args: args,
		PTY:  s.opts.PTY,
		Stdout: func(b []byte) {
			h.touch()
			if cb.OnStdout != nil {
				cb.OnStdout(b)
			}
		},
		Stderr: func(b []byte) {
			h.touch()
			if cb.OnStderr != nil {
				cb.OnStderr(b)
			}
		},
	}

	proc, err := s.executor.Stream(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("spawn on %s: %w", target, err)
	}
	h.proc = proc

	log := s.log.With("target", target)
	if idleTimeout > 0 {
		h.mu.Lock()
		h.watchdog = time.AfterFunc(idleTimeout, func() {
			log.Warn("session idle, killing", "idleTimeout", idleTimeout)
			_ = proc.Kill()
		})
		h.mu.Unlock()
	}
	log.Info("interactive session started", "pty", s.opts.PTY)

	go func() {
		code, err := proc.Wait()
		h.stopWatchdog()
		if err != nil {
			log.Warn("session wait failed", "error", err)
		}
		log.Info("interactive session exited", "exitCode", code)
		if cb.OnExit != nil {
			cb.OnExit(code)
		}
	}()

	return h, nil
}

// sessionHandle wraps a process with an idle watchdog.
type sessionHandle struct {
	proc        exec.Process
	idleTimeout time.Duration

	mu       sync.Mutex
	watchdog *time.Timer
	stopped  bool
}

func (h *sessionHandle) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchdog != nil && !h.stopped {
		h.watchdog.Reset(h.idleTimeout)
	}
}

func (h *sessionHandle) stopWatchdog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
}

func (h *sessionHandle) Write(p []byte) (int, error) {
	return h.proc.Write(p)
}

func (h *sessionHandle) Kill() error {
	return h.proc.Kill()
}

var _ Transport = (*SSH)(nil)
