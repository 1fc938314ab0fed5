// Package manager runs at most one remote interactive session per chat
// thread. It starts the process through a transport, turns both output
// streams into chunks, relays them to the thread, keeps a transcript, and
// tears the session down when the process exits.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/plural-remote/claude"
	"github.com/zhubert/plural-remote/relay"
	"github.com/zhubert/plural-remote/sanitize"
	"github.com/zhubert/plural-remote/transcript"
	"github.com/zhubert/plural-remote/transport"
)

// StderrPrefix marks relayed chunks that came from the error stream.
const StderrPrefix = "[stderr] "

// DefaultSource is reported to analyzers when Options.Source is empty.
const DefaultSource = "plural-remote"

const (
	defaultNoticeTimeout  = 10 * time.Second
	defaultAnalyzeTimeout = 2 * time.Minute
)

// SpawnRequest describes a session to start.
type SpawnRequest struct {
	ThreadKey    string
	Target       string
	Command      string
	ProjectLabel string
	Description  string
}

// Options configure a Manager.
type Options struct {
	// IdleTimeout is passed to the transport; zero disables it.
	IdleTimeout time.Duration

	// Source is reported to the analyzer.
	Source string

	NoticeTimeout  time.Duration
	AnalyzeTimeout time.Duration

	// MaxLineLength bounds each decoder's partial-line buffer.
	MaxLineLength int

	// OnRemoved, if set, is called after a session has been removed.
	OnRemoved func(*ActiveSession)

	Now    func() time.Time
	NewRef func() string
	Logger *slog.Logger
}

// Manager is the registry of active sessions, keyed by thread.
type Manager struct {
	transport transport.Transport
	relay     relay.Relay
	analyzer  transcript.Analyzer
	opts      Options
	log       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*ActiveSession
}

// New creates a Manager. analyzer may be nil.
func New(t transport.Transport, r relay.Relay, analyzer transcript.Analyzer, opts Options) *Manager {
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.NoticeTimeout <= 0 {
		opts.NoticeTimeout = defaultNoticeTimeout
	}
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = defaultAnalyzeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRef == nil {
		opts.NewRef = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		transport: t,
		relay:     r,
		analyzer:  analyzer,
		opts:      opts,
		log:       log,
		sessions:  make(map[string]*ActiveSession),
	}
}

// Spawn starts a session for req.ThreadKey. The thread slot is reserved
// before the transport is called, so a concurrent Spawn for the same thread
// fails with ErrSessionExists, and a failed start leaves nothing behind.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*ActiveSession, error) {
	switch {
	case req.ThreadKey == "":
		return nil, &SpawnError{Target: req.Target, Reason: "no thread"}
	case req.Target == "":
		return nil, &SpawnError{ThreadKey: req.ThreadKey, Reason: "no target machine"}
	case strings.TrimSpace(req.Command) == "":
		return nil, &SpawnError{ThreadKey: req.ThreadKey, Target: req.Target, Reason: "no command"}
	}

	s := &ActiveSession{
		SessionRef:   m.opts.NewRef(),
		ThreadKey:    req.ThreadKey,
		Target:       req.Target,
		Command:      req.Command,
		ProjectLabel: req.ProjectLabel,
		Description:  req.Description,
		StartedAt:    m.opts.Now(),
		state:        StateSpawning,
	}
	log := m.log.With("sessionRef", s.SessionRef, "thread", s.ThreadKey, "target", s.Target)
	decOpts := claude.DecoderOptions{
		Filter:        sanitize.CleanLine,
		MaxLineLength: m.opts.MaxLineLength,
		Logger:        log,
	}
	s.stdout = newChannel(decOpts)
	s.stderr = newChannel(decOpts)

	m.mu.Lock()
	if existing, ok := m.sessions[req.ThreadKey]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: thread %s (session %s)", ErrSessionExists, req.ThreadKey, existing.SessionRef)
	}
	m.sessions[req.ThreadKey] = s
	m.mu.Unlock()

	cb := transport.Callbacks{
		OnStdout: func(b []byte) { m.forward(s, false, s.stdout.feed(b)) },
		OnStderr: func(b []byte) { m.forward(s, true, s.stderr.feed(b)) },
		OnExit:   func(code int) { m.handleExit(s, code, log) },
	}

	handle, err := m.transport.SpawnInteractiveSession(ctx, req.Target, req.Command, cb, m.opts.IdleTimeout)
	if err != nil || handle == nil {
		m.remove(s)
		s.mu.Lock()
		s.state = StateSpawnFailed
		s.mu.Unlock()

		spawnErr := &SpawnError{ThreadKey: req.ThreadKey, Target: req.Target, Reason: "transport could not start the process", Err: err}
		log.Warn("spawn failed", "error", spawnErr)
		return nil, spawnErr
	}

	s.mu.Lock()
	s.handle = handle
	if s.state == StateSpawning {
		s.state = StateRunning
	}
	s.mu.Unlock()

	log.Info("session started", "command", req.Command, "project", req.ProjectLabel)
	return s, nil
}

// forward relays chunks and records them in the transcript.
func (m *Manager) forward(s *ActiveSession, stderr bool, chunks []claude.Chunk) {
	for _, c := range chunks {
		text := c.Render()
		if strings.TrimSpace(text) == "" {
			continue
		}
		entryType := string(c.Type)
		relayed := text
		if stderr {
			entryType = transcript.StderrPrefix + entryType
			relayed = StderrPrefix + text
		}
		m.relay.ReceiveChunk(s.SessionRef, s.ThreadKey, relayed)
		s.appendEntry(transcript.Entry{Type: entryType, Content: text, Timestamp: m.opts.Now()})
	}
}

// handleExit finalizes a session. It runs at most once per session no
// matter how often the transport reports the exit.
func (m *Manager) handleExit(s *ActiveSession, code int, log *slog.Logger) {
	s.exitOnce.Do(func() {
		m.forward(s, false, s.stdout.flush())
		m.forward(s, true, s.stderr.flush())

		now := m.opts.Now()
		s.mu.Lock()
		s.state = StateExited
		s.exitCode = code
		s.endedAt = now
		entries := append([]transcript.Entry(nil), s.transcript...)
		s.mu.Unlock()

		elapsed := now.Sub(s.StartedAt)
		log.Info("session exited", "exitCode", code, "duration", elapsed, "entries", len(entries))

		m.relay.FinalFlush(s.SessionRef)

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.NoticeTimeout)
		if err := m.relay.SendToTopic(ctx, s.ThreadKey, ExitNotice(code, elapsed)); err != nil {
			log.Warn("failed to send exit notice", "error", err)
		}
		cancel()

		meta := transcript.Meta{
			Source:      m.opts.Source,
			Project:     s.ProjectLabel,
			SessionRef:  s.SessionRef,
			ThreadKey:   s.ThreadKey,
			Target:      s.Target,
			Description: s.Description,
			Outcome:     transcript.OutcomeFor(code),
			ExitCode:    code,
			StartedAt:   s.StartedAt,
			DurationMs:  elapsed.Milliseconds(),
		}
		go m.analyze(entries, meta, log)

		m.remove(s)
		if m.opts.OnRemoved != nil {
			m.opts.OnRemoved(s)
		}
	})
}

// analyze hands a transcript to the analyzer. Failures stop here.
func (m *Manager) analyze(entries []transcript.Entry, meta transcript.Meta, log *slog.Logger) {
	if m.analyzer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("transcript analysis panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AnalyzeTimeout)
	defer cancel()
	if err := m.analyzer.Analyze(ctx, entries, meta); err != nil {
		log.Warn("transcript analysis failed", "error", err)
	}
}

// remove drops s from the registry if it still owns its thread slot.
func (m *Manager) remove(s *ActiveSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.ThreadKey] == s {
		delete(m.sessions, s.ThreadKey)
	}
}

// SendInput writes text to the session's process, adding a newline if the
// text has none.
func (m *Manager) SendInput(threadKey, text string) error {
	s, ok := m.Get(threadKey)
	if !ok {
		return fmt.Errorf("%w: thread %s", ErrNoSession, threadKey)
	}
	h := s.getHandle()
	if h == nil || s.State() != StateRunning {
		return fmt.Errorf("%w: thread %s", ErrNotRunning, threadKey)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := h.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to send input: %w", err)
	}
	return nil
}

// Stop kills the session's process. Teardown happens when the transport
// reports the exit.
func (m *Manager) Stop(threadKey string) error {
	s, ok := m.Get(threadKey)
	if !ok {
		return fmt.Errorf("%w: thread %s", ErrNoSession, threadKey)
	}
	h := s.getHandle()
	if h == nil {
		return fmt.Errorf("%w: thread %s", ErrNotRunning, threadKey)
	}
	m.log.Info("stopping session", "sessionRef", s.SessionRef, "thread", threadKey)
	return h.Kill()
}

// Get returns the session for a thread.
func (m *Manager) Get(threadKey string) (*ActiveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[threadKey]
	return s, ok
}

// List returns a summary of every session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*ActiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ThreadKey < infos[j].ThreadKey
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Transcript returns a copy of a thread's session transcript.
func (m *Manager) Transcript(threadKey string) ([]transcript.Entry, error) {
	s, ok := m.Get(threadKey)
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", ErrNoSession, threadKey)
	}
	return s.Transcript(), nil
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ExitNotice is the message posted to a thread when its session ends.
func ExitNotice(code int, elapsed time.Duration) string {
	return fmt.Sprintf("Session ended (exit code %d) after %s", code, FormatElapsed(elapsed))
}

// FormatElapsed renders a duration rounded to whole seconds.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
