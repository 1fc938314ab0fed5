// Package transcript records what a session printed and hands the record to
// analyzers once the session ends.
package transcript

import (
	"context"
	"time"
)

// Entry is one chunk of session output. Type is the chunk type, prefixed
// with "stderr:" for chunks read from the error channel.
type Entry struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StderrPrefix marks entries that came from stderr.
const StderrPrefix = "stderr:"

// Outcomes reported in Meta.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Meta describes the session a transcript belongs to.
type Meta struct {
	Source      string    `json:"source"`
	Project     string    `json:"project,omitempty"`
	SessionRef  string    `json:"session_ref"`
	ThreadKey   string    `json:"thread_key"`
	Target      string    `json:"target"`
	Description string    `json:"description,omitempty"`
	Outcome     string    `json:"outcome"`
	ExitCode    int       `json:"exit_code"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// OutcomeFor maps an exit code to an outcome.
func OutcomeFor(exitCode int) string {
	if exitCode == 0 {
		return OutcomeSuccess
	}
	return OutcomeFailed
}

// Analyzer consumes a finished transcript.
type Analyzer interface {
	Analyze(ctx context.Context, entries []Entry, meta Meta) error
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, entries []Entry, meta Meta) error

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, entries []Entry, meta Meta) error {
	return f(ctx, entries, meta)
}
