package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterSink prints messages to w, one "[topic] text" block per message. It
// backs the serve command's --dry-run mode.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Send writes the message.
func (s *WriterSink) Send(_ context.Context, topicID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[%s] %s\n", topicID, text)
	return err
}

// Prompt writes the message followed by one "  [data] label" line per button.
func (s *WriterSink) Prompt(_ context.Context, topicID, text string, buttons []Button) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "[%s] %s\n", topicID, text); err != nil {
		return err
	}
	for _, b := range buttons {
		if _, err := fmt.Fprintf(s.w, "  [%s] %s\n", b.Data, b.Label); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ Sink     = (*WriterSink)(nil)
	_ Prompter = (*WriterSink)(nil)
)
