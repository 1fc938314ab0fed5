package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	topic string
	text  string
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []sent
	err  error
	got  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{got: make(chan struct{}, 100)}
}

func (s *fakeSink) Send(_ context.Context, topicID, text string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, sent{topicID, text})
	err := s.err
	s.mu.Unlock()
	s.got <- struct{}{}
	return err
}

func (s *fakeSink) messages() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

func TestBuffered_FinalFlushSendsPending(t *testing.T) {
	sink := newFakeSink()
	b := NewBuffered(sink, Options{FlushInterval: time.Hour}, testLogger())

	b.ReceiveChunk("s1", "topic-1", "first")
	b.ReceiveChunk("s1", "topic-1", "second")
	if len(sink.messages()) != 0 {
		t.Fatal("nothing should be sent before a flush")
	}
	if b.Pending("s1") != len("first\nsecond") {
		t.Errorf("unexpected pending size %d", b.Pending("s1"))
	}

	b.FinalFlush("s1")

	msgs := sink.messages()
	if len(msgs) != 1 || msgs[0].topic != "topic-1" || msgs[0].text != "first\nsecond" {
		t.Errorf("unexpected messages %+v", msgs)
	}
	if b.Pending("s1") != 0 {
		t.Error("buffer should be gone after FinalFlush")
	}

	b.FinalFlush("s1")
	if len(sink.messages()) != 1 {
		t.Error("second FinalFlush should send nothing")
	}
}

func TestBuffered_IgnoresBlankChunks(t *testing.T) {
	sink := newFakeSink()
	b := NewBuffered(sink, Options{FlushInterval: time.Hour}, testLogger())

	b.ReceiveChunk("s1", "t", "")
	b.ReceiveChunk("s1", "t", "  \n ")
	b.FinalFlush("s1")

	if len(sink.messages()) != 0 {
		t.Errorf("blank chunks should not be sent: %+v", sink.messages())
	}
}

func TestBuffered_FlushesOnSize(t *testing.T) {
	sink := newFakeSink()
	b := NewBuffered(sink, Options{FlushSize: 10, FlushInterval: time.Hour}, testLogger())

	b.ReceiveChunk("s1", "t", "12345")
	if len(sink.messages()) != 0 {
		t.Fatal("should not flush below the size threshold")
	}
	b.ReceiveChunk("s1", "t", "67890")

	msgs := sink.messages()
	if len(msgs) != 1 || msgs[0].text != "12345\n67890" {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestBuffered_FlushesOnInterval(t *testing.T) {
	sink := newFakeSink()
	b := NewBuffered(sink, Options{FlushInterval: 20 * time.Millisecond}, testLogger())

	b.ReceiveChunk("s1", "t", "tick")

	select {
	case <-sink.got:
	case <-time.After(5 * time.Second):
		t.Fatal("interval flush did not happen")
	}
	if msgs := sink.messages(); len(msgs) != 1 || msgs[0].text != "tick" {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestBuffered_SessionsAreIndependent(t *testing.T) {
	sink := newFakeSink()
	b := NewBuffered(sink, Options{FlushInterval: time.Hour}, testLogger())

	b.ReceiveChunk("s1", "t1", "from one")
	b.ReceiveChunk("s2", "t2", "from two")
	b.FinalFlush("s2")

	msgs := sink.messages()
	if len(msgs) != 1 || msgs[0].topic != "t2" {
		t.Errorf("only s2 should be flushed, got %+v", msgs)
	}
	if b.Pending("s1") == 0 {
		t.Error("s1 should still be buffered")
	}
}

func TestBuffered_PreservesOrder(t *testing.T) {
	sink := newFakeSink()
	b := NewBuffered(sink, Options{FlushSize: 1, FlushInterval: time.Hour}, testLogger())

	for i := range 50 {
		b.ReceiveChunk("s1", "t", fmt.Sprintf("line %d", i))
	}
	b.FinalFlush("s1")

	var all []string
	for _, m := range sink.messages() {
		all = append(all, strings.Split(m.text, "\n")...)
	}
	if len(all) != 50 {
		t.Fatalf("expected 50 lines, got %d", len(all))
	}
	for i, line := range all {
		if line != fmt.Sprintf("line %d", i) {
			t.Fatalf("line %d out of order: %q", i, line)
		}
	}
}

func TestBuffered_SendErrorIsLogged(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("chat down")
	var logs bytes.Buffer
	b := NewBuffered(sink, Options{FlushInterval: time.Hour}, slog.New(slog.NewTextHandler(&logs, nil)))

	b.ReceiveChunk("s1", "t", "lost")
	b.FinalFlush("s1")

	if !strings.Contains(logs.String(), "relay send failed") {
		t.Errorf("expected a warning, got %q", logs.String())
	}
}

func TestBuffered_SendToTopicSplits(t *testing.T) {
	sink := newFakeSink()
	b := NewBuffered(sink, Options{MaxMessageLen: 10}, testLogger())

	if err := b.SendToTopic(context.Background(), "t", "aaaa\nbbbb\ncccc"); err != nil {
		t.Fatalf("SendToTopic error: %v", err)
	}
	msgs := sink.messages()
	if len(msgs) != 2 || msgs[0].text != "aaaa\nbbbb" || msgs[1].text != "cccc" {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"no limit", "hello", 0, []string{"hello"}},
		{"line boundary", "abc\ndef\nghi", 8, []string{"abc\ndef", "ghi"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"multibyte", "ééé", 3, []string{"é", "é", "é"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.max)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("SplitMessage(%q, %d) = %q, want %q", tt.text, tt.max, got, tt.want)
			}
		})
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	if err := s.Send(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if buf.String() != "[42] hello\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestWriterSink_Prompt(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	err := s.Prompt(context.Background(), "42", "Pick a machine:", []Button{
		{Label: "devbox", Data: "ss:m:0"},
		{Label: "mini", Data: "ss:m:1"},
	})
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	want := "[42] Pick a machine:\n  [ss:m:0] devbox\n  [ss:m:1] mini\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestTopicSubject(t *testing.T) {
	if got := TopicSubject("plural.remote", "99"); got != "plural.remote.topic.99" {
		t.Errorf("unexpected subject %q", got)
	}
	if got := TopicSubject("p", "-100.42 x>"); got != "p.topic.-100_42_x_" {
		t.Errorf("thread key should be one subject token, got %q", got)
	}
	if got := TopicSubject("p", ""); got != "p.topic._" {
		t.Errorf("unexpected subject for empty topic %q", got)
	}
	s := NewNATSSink(nil, "")
	if got := s.Subject("7"); got != DefaultSubjectPrefix+".topic.7" {
		t.Errorf("unexpected default subject %q", got)
	}
}
