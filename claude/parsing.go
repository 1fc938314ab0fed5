package claude

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// AskUserQuestionTool is the tool name whose invocation is surfaced as an
// ask_user chunk instead of being dropped.
const AskUserQuestionTool = "AskUserQuestion"

// streamMessage is one JSON line of the CLI's stream-json output
type streamMessage struct {
	Type    string `json:"type"`    // "assistant", "user", "result", "hook_response", "system", ...
	Subtype string `json:"subtype"` // "init", "success", "error_max_turns", ...
	Message struct {
		Content []struct {
			Type  string          `json:"type"` // "text", "tool_use", "tool_result"
			ID    string          `json:"id,omitempty"`
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message"`
	SessionID    string  `json:"session_id,omitempty"`
	DurationMs   float64 `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`

	// hook_response payload; hooks report through whichever of these the
	// CLI version happens to populate.
	Output   json.RawMessage `json:"output,omitempty"`
	Stdout   string          `json:"stdout,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// askUserInput is the input of an AskUserQuestion tool call
type askUserInput struct {
	Questions []struct {
		Question string `json:"question"`
		Header   string `json:"header,omitempty"`
		Options  []struct {
			Label       string `json:"label"`
			Description string `json:"description,omitempty"`
		} `json:"options"`
	} `json:"questions"`
}

// ParseLine classifies one line of CLI output and returns zero or more
// chunks. It never returns an error: undecodable JSON lines are dropped and
// logged, unknown message types produce nothing.
func ParseLine(line string, log *slog.Logger) []Chunk {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		if strings.HasPrefix(line, "{") {
			log.Debug("dropping undecodable JSON line", "error", err, "line", truncateForLog(line))
			return nil
		}
		return []Chunk{{Type: ChunkTypePassthrough, Content: line}}
	}

	switch msg.Type {
	case "assistant":
		return parseAssistant(&msg, log)

	case "user":
		// Tool results. Operational detail only.
		return nil

	case "result":
		log.Debug("result received", "subtype", msg.Subtype, "sessionRef", msg.SessionID)
		return []Chunk{{
			Type:          ChunkTypeResult,
			Subtype:       msg.Subtype,
			SessionRef:    msg.SessionID,
			CostLabel:     FormatCost(msg.TotalCostUSD),
			DurationLabel: FormatDurationMs(msg.DurationMs),
		}}

	case "hook_response":
		return hookChunk(&msg)

	case "system":
		// Newer CLI versions report hooks as system messages.
		if msg.Subtype == "hook_response" {
			return hookChunk(&msg)
		}
		if msg.Subtype == "init" {
			log.Debug("session initialized", "sessionRef", msg.SessionID)
		}
		return nil

	case "init", "hook_started", "rate_limit_event":
		return nil

	case "":
		// An object without a discriminator (or a bare "null").
		log.Debug("dropping JSON line without type", "line", truncateForLog(line))
		return nil

	default:
		log.Debug("ignoring unknown message type", "type", msg.Type)
		return nil
	}
}

func parseAssistant(msg *streamMessage, log *slog.Logger) []Chunk {
	var texts []string
	var asks []Chunk

	for _, content := range msg.Message.Content {
		switch content.Type {
		case "text":
			if strings.TrimSpace(content.Text) != "" {
				texts = append(texts, content.Text)
			}
		case "tool_use":
			if content.Name != AskUserQuestionTool {
				log.Debug("skipping tool use", "tool", content.Name, "id", content.ID)
				continue
			}
			if chunk, ok := parseAskUser(content.ID, content.Input); ok {
				asks = append(asks, chunk)
			} else {
				log.Warn("failed to parse AskUserQuestion input", "id", content.ID)
			}
		}
	}

	var chunks []Chunk
	if len(texts) > 0 {
		chunks = append(chunks, Chunk{Type: ChunkTypeText, Content: strings.Join(texts, "\n")})
	}
	return append(chunks, asks...)
}

// parseAskUser extracts the first question of an AskUserQuestion call.
func parseAskUser(toolRef string, input json.RawMessage) (Chunk, bool) {
	if len(input) == 0 {
		return Chunk{}, false
	}
	var parsed askUserInput
	if err := json.Unmarshal(input, &parsed); err != nil || len(parsed.Questions) == 0 {
		return Chunk{}, false
	}

	q := parsed.Questions[0]
	question := strings.TrimSpace(q.Question)
	if question == "" {
		return Chunk{}, false
	}

	var options []string
	for _, opt := range q.Options {
		if label := strings.TrimSpace(opt.Label); label != "" {
			options = append(options, label)
		}
	}
	if len(options) == 0 {
		options = DeriveOptions(question)
	}

	return Chunk{
		Type:     ChunkTypeAskUser,
		ToolRef:  toolRef,
		Question: question,
		Options:  options,
	}, true
}

func hookChunk(msg *streamMessage) []Chunk {
	payload := firstNonBlank(
		rawText(msg.Output),
		msg.Stdout,
		rawText(msg.Response),
		rawText(msg.Content),
	)
	if payload == "" {
		return nil
	}
	return []Chunk{{Type: ChunkTypeHookResponse, Content: payload}}
}

// rawText returns a JSON string value unquoted, and any other non-null JSON
// value as its compact source text.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// FormatCost renders a USD amount as "$" plus four decimals.
func FormatCost(usd float64) string {
	return fmt.Sprintf("$%.4f", usd)
}

// FormatDurationMs renders milliseconds as whole seconds plus "s".
func FormatDurationMs(ms float64) string {
	if ms < 0 || math.IsNaN(ms) {
		ms = 0
	}
	return fmt.Sprintf("%ds", int64(math.Round(ms/1000)))
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
