package claude

import (
	"fmt"
	"strings"
)

// ChunkType represents the type of a parsed chunk
type ChunkType string

const (
	ChunkTypeText         ChunkType = "text"          // Assistant text
	ChunkTypePassthrough  ChunkType = "passthrough"   // Non-JSON line relayed verbatim
	ChunkTypeResult       ChunkType = "result"        // End of a turn, with cost and duration
	ChunkTypeHookResponse ChunkType = "hook_response" // Output of a configured hook
	ChunkTypeAskUser      ChunkType = "ask_user"      // The assistant is asking the user a question
)

// Chunk is one user-meaningful unit of output derived from a single line.
// Which fields are set depends on Type.
type Chunk struct {
	Type    ChunkType
	Content string // text, passthrough, hook_response

	// result
	Subtype       string
	SessionRef    string
	CostLabel     string // "$0.0123"
	DurationLabel string // "12s"

	// ask_user
	ToolRef  string
	Question string
	Options  []string
}

// Render formats the chunk as chat text. An empty string means there is
// nothing worth sending.
func (c Chunk) Render() string {
	switch c.Type {
	case ChunkTypeText, ChunkTypePassthrough:
		return c.Content
	case ChunkTypeHookResponse:
		return "[hook] " + c.Content
	case ChunkTypeResult:
		subtype := c.Subtype
		if subtype == "" {
			subtype = "done"
		}
		parts := []string{"Turn finished (" + subtype + ")"}
		if c.CostLabel != "" {
			parts = append(parts, "cost "+c.CostLabel)
		}
		if c.DurationLabel != "" {
			parts = append(parts, "took "+c.DurationLabel)
		}
		return strings.Join(parts, ", ")
	case ChunkTypeAskUser:
		var b strings.Builder
		b.WriteString(c.Question)
		for i, opt := range c.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
		}
		return b.String()
	}
	return ""
}
