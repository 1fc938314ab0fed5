// Package relay delivers session output to chat topics.
//
// Buffered batches the many small chunks a session produces into fewer,
// larger chat messages. Chunks for a session are appended to its buffer and
// sent when the buffer grows past FlushSize, when FlushInterval has passed
// since the first unsent chunk, or on FinalFlush.
package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Relay is what the session manager talks to.
type Relay interface {
	// SendToTopic sends text immediately, bypassing any buffering.
	SendToTopic(ctx context.Context, topicID, text string) error

	// ReceiveChunk queues one chunk of session output for topicID.
	ReceiveChunk(sessionRef, topicID, text string)

	// FinalFlush sends whatever is queued for the session and forgets it.
	FinalFlush(sessionRef string)
}

// Sink delivers a message to a chat topic.
type Sink interface {
	Send(ctx context.Context, topicID, text string) error
}

// Button is one choice attached to a prompt. Data is the callback token the
// chat adapter sends back when the button is pressed.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Prompter sends a message with buttons.
type Prompter interface {
	Prompt(ctx context.Context, topicID, text string, buttons []Button) error
}

// Defaults for Options.
const (
	DefaultFlushSize     = 3000
	DefaultFlushInterval = 2 * time.Second
	DefaultMaxMessageLen = 4000
	DefaultSendTimeout   = 10 * time.Second
)

// Options configure a Buffered relay.
type Options struct {
	FlushSize     int           // flush once a buffer holds this many bytes
	FlushInterval time.Duration // flush this long after the first buffered chunk
	MaxMessageLen int           // split outgoing messages longer than this
	SendTimeout   time.Duration
}

func (o *Options) setDefaults() {
	if o.FlushSize <= 0 {
		o.FlushSize = DefaultFlushSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = DefaultMaxMessageLen
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
}

// sessionBuffer is one session's pending output. sendMu is held across the
// swap-and-send so flushes for a session reach the sink in order; mu guards
// the fields and is never held during network I/O.
type sessionBuffer struct {
	sendMu sync.Mutex

	mu      sync.Mutex
	topicID string
	pending strings.Builder
	timer   *time.Timer
}

// Buffered is a Relay that batches chunks per session.
type Buffered struct {
	sink Sink
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionBuffer
}

// NewBuffered creates a Buffered relay sending through sink.
func NewBuffered(sink Sink, opts Options, log *slog.Logger) *Buffered {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Buffered{
		sink:     sink,
		opts:     opts,
		log:      log,
		sessions: make(map[string]*sessionBuffer),
	}
}

// SendToTopic sends text right away, split to the maximum message length.
func (b *Buffered) SendToTopic(ctx context.Context, topicID, text string) error {
	for _, part := range SplitMessage(text, b.opts.MaxMessageLen) {
		if err := b.sink.Send(ctx, topicID, part); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveChunk appends text to the session's buffer. Empty text is ignored.
func (b *Buffered) ReceiveChunk(sessionRef, topicID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	b.mu.Lock()
	sb, ok := b.sessions[sessionRef]
	if !ok {
		sb = &sessionBuffer{}
		b.sessions[sessionRef] = sb
	}
	b.mu.Unlock()

	sb.mu.Lock()
	sb.topicID = topicID
	if sb.pending.Len() > 0 {
		sb.pending.WriteByte('\n')
	}
	sb.pending.WriteString(text)
	full := sb.pending.Len() >= b.opts.FlushSize
	if !full && sb.timer == nil {
		sb.timer = time.AfterFunc(b.opts.FlushInterval, func() {
			b.flush(sessionRef, sb)
		})
	}
	sb.mu.Unlock()

	if full {
		b.flush(sessionRef, sb)
	}
}

// FinalFlush sends the session's pending output and drops its buffer.
func (b *Buffered) FinalFlush(sessionRef string) {
	b.mu.Lock()
	sb, ok := b.sessions[sessionRef]
	delete(b.sessions, sessionRef)
	b.mu.Unlock()

	if ok {
		b.flush(sessionRef, sb)
	}
}

// Pending reports how many bytes are buffered for a session.
func (b *Buffered) Pending(sessionRef string) int {
	b.mu.Lock()
	sb, ok := b.sessions[sessionRef]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.pending.Len()
}

func (b *Buffered) flush(sessionRef string, sb *sessionBuffer) {
	sb.sendMu.Lock()
	defer sb.sendMu.Unlock()

	sb.mu.Lock()
	if sb.timer != nil {
		sb.timer.Stop()
		sb.timer = nil
	}
	text := sb.pending.String()
	sb.pending.Reset()
	topicID := sb.topicID
	sb.mu.Unlock()

	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SendTimeout)
	defer cancel()
	if err := b.SendToTopic(ctx, topicID, text); err != nil {
		b.log.Warn("relay send failed", "sessionRef", sessionRef, "topic", topicID, "bytes", len(text), "error", err)
	}
}

// SplitMessage cuts text into pieces of at most max bytes, preferring line
// boundaries and never splitting a UTF-8 character.
func SplitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var parts []string
	for len(text) > max {
		cut := strings.LastIndexByte(text[:max], '\n')
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

var _ Relay = (*Buffered)(nil)
