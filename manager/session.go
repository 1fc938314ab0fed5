package manager

import (
	"sync"
	"time"

	"github.com/zhubert/plural-remote/claude"
	"github.com/zhubert/plural-remote/transcript"
	"github.com/zhubert/plural-remote/transport"
)

// State is the lifecycle position of an ActiveSession.
type State string

const (
	StateSpawning    State = "spawning"
	StateRunning     State = "running"
	StateExited      State = "exited"
	StateSpawnFailed State = "spawn_failed"
)

// ActiveSession is one remote interactive process bound to a thread.
//
// Thread Safety:
// The exported fields are set at spawn and never change. Everything else is
// guarded by mu and reached through the accessor methods.
type ActiveSession struct {
	SessionRef   string
	ThreadKey    string
	Target       string
	Command      string
	ProjectLabel string
	Description  string
	StartedAt    time.Time

	mu         sync.Mutex
	state      State
	handle     transport.Handle
	transcript []transcript.Entry
	exitCode   int
	endedAt    time.Time

	stdout *channel
	stderr *channel

	exitOnce sync.Once
}

// State returns the current lifecycle state.
func (s *ActiveSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the process exit code once the session has exited.
func (s *ActiveSession) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.state == StateExited
}

// Transcript returns a copy of the entries recorded so far.
func (s *ActiveSession) Transcript() []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Entry(nil), s.transcript...)
}

// Info returns a point-in-time summary of the session.
func (s *ActiveSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionRef:   s.SessionRef,
		ThreadKey:    s.ThreadKey,
		Target:       s.Target,
		ProjectLabel: s.ProjectLabel,
		State:        s.state,
		StartedAt:    s.StartedAt,
		Entries:      len(s.transcript),
	}
}

func (s *ActiveSession) appendEntry(e transcript.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, e)
}

func (s *ActiveSession) getHandle() transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Info summarizes an ActiveSession for status listings.
type Info struct {
	SessionRef   string
	ThreadKey    string
	Target       string
	ProjectLabel string
	State        State
	StartedAt    time.Time
	Entries      int
}

// channel decodes one output stream of a session. Chunks are collected
// under mu and handed back to the caller, so nothing downstream of the
// decoder runs while mu is held.
type channel struct {
	mu      sync.Mutex
	dec     *claude.Decoder
	pending []claude.Chunk
}

func newChannel(opts claude.DecoderOptions) *channel {
	c := &channel{}
	c.dec = claude.NewDecoder(func(chunk claude.Chunk) {
		c.pending = append(c.pending, chunk)
	}, opts)
	return c
}

func (c *channel) feed(b []byte) []claude.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dec.Feed(b)
	return c.take()
}

func (c *channel) flush() []claude.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dec.Flush()
	return c.take()
}

func (c *channel) take() []claude.Chunk {
	out := c.pending
	c.pending = nil
	return out
}
