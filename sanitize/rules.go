package sanitize

import "regexp"

// Action is what a Rule does when its pattern matches.
type Action int

const (
	// Drop removes the whole line.
	Drop Action = iota
	// TrimTrailing removes the matched trailing fragment and keeps the rest.
	TrimTrailing
)

// Rule is one chrome pattern. Drop rules are matched against the trimmed
// line; TrimTrailing patterns should be anchored at the end of the line.
type Rule struct {
	Name       string
	Action     Action
	Pattern    *regexp.Regexp
	MinMatches int // Drop only: minimum number of matches required (default 1)
}

func (r Rule) matches(line string) bool {
	if r.MinMatches <= 1 {
		return r.Pattern.MatchString(line)
	}
	return len(r.Pattern.FindAllStringIndex(line, r.MinMatches)) >= r.MinMatches
}

// spinnerGlyphs are the icons interactive CLIs put in front of status words.
const spinnerGlyphs = `·✢✳✶✻✽✦✧*⏺●◆◇∗⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏`

// spinnerWord is a capitalized word immediately followed by a horizontal
// ellipsis ("Reading…", "Clauding…"). One shape covers every spinner verb.
const spinnerWord = `[A-Z][a-z]+…`

// Rules are applied in order to every non-blank line by FilterLine.
var Rules = []Rule{
	// "✻ Reading… (12s · esc to interrupt)" and friends.
	{
		Name:    "spinner",
		Action:  Drop,
		Pattern: regexp.MustCompile(`^(?:[` + spinnerGlyphs + `]\s*)?` + spinnerWord),
	},
	// "Thinking…", "(thinking)", "Thought for 3s (ctrl+o to show thinking)",
	// and the tails left behind when an escape sequence split the word, e.g.
	// "ought for 3s)" or "nking".
	{
		Name:   "thinking-status",
		Action: Drop,
		Pattern: regexp.MustCompile(`(?i)^[(\s∴✻]*(?:thinking|[a-z]{0,6}ught for \d+\s*s|(?:thi|hi|i)?nking)…?\)?` +
			`(?:\s*\((?:ctrl|esc)\+?[^)]*\))?\s*\)?$`),
	},
	// "Read 3 files (ctrl+o to expand)", "Searched for 2 patterns", "Listed 4 directories".
	{
		Name:   "tool-summary",
		Action: Drop,
		Pattern: regexp.MustCompile(`^(?:[⏺●]\s*)?(?:Read|Wrote|Edited|Updated|Searched(?: for)?|Listed|Found|Ran|Fetched)\s+\d+\s+` +
			`(?:files?|lines?|patterns?|director(?:y|ies)|results?|commands?|items?)\b`),
	},
	// "⏺ Bash(npm test)", "Update(src/main.go)".
	{
		Name:   "tool-call",
		Action: Drop,
		Pattern: regexp.MustCompile(`^(?:[⏺●]\s*)?(?:Bash|Read|Edit|MultiEdit|Write|Update|Glob|Grep|LS|Task|Agent|WebFetch|WebSearch|TodoWrite|NotebookEdit)` +
			`\(.*\)?$`),
	},
	// "⎿  Found 12 lines" tool result gutter.
	{
		Name:    "tool-result-gutter",
		Action:  Drop,
		Pattern: regexp.MustCompile(`^⎿`),
	},
	// A tool status word on its own.
	{
		Name:    "tool-status-word",
		Action:  Drop,
		Pattern: regexp.MustCompile(`^(?:Running|Waiting|Pending|Loading|Processing|Interrupted)(?:\.{3}|…)?$`),
	},
	// "~/src/app ❯", "~ $" and an empty input box prompt "❯".
	{
		Name:    "shell-prompt",
		Action:  Drop,
		Pattern: regexp.MustCompile(`^~(?:/\S*)?\s*[❯›>$%#](?:\s|$)|^[❯›>]\s*$`),
	},
	// Status bar: "Session 12m · 3.4k tokens", "Uptime: 1h 2m", "Context left until auto-compact: 12%".
	{
		Name:   "status-bar",
		Action: Drop,
		Pattern: regexp.MustCompile(`(?i)^(?:session|uptime)\b[^a-z]*\d+\s*[smh]\b|` +
			`\d+(?:\.\d+)?k?\s+tokens\b.*[·|]|context left until auto-compact|^\d+%\s+context`),
	},
	// Permission mode and keybinding hints.
	{
		Name:   "keybinding-hint",
		Action: Drop,
		Pattern: regexp.MustCompile(`(?i)shift\+tab to cycle|\? for shortcuts|esc to interrupt|ctrl\+[a-z] to |` +
			`bypass permissions|accept edits on|plan mode on|press enter to|⏵⏵`),
	},
	// Several spinner frames rendered onto one line.
	{
		Name:       "spinner-run",
		Action:     Drop,
		Pattern:    regexp.MustCompile(spinnerWord),
		MinMatches: 2,
	},
	// Real content with a spinner frame glued to the end: "Build ok ✻ Compiling…".
	{
		Name:    "trailing-spinner",
		Action:  TrimTrailing,
		Pattern: regexp.MustCompile(`\s*(?:[` + spinnerGlyphs + `]\s*)?` + spinnerWord + `(?:\s*\([^)]*\))?\s*$`),
	},
	// Real content with a prompt glyph glued to the end: "done ~/app ❯".
	{
		Name:    "trailing-prompt",
		Action:  TrimTrailing,
		Pattern: regexp.MustCompile(`\s+(?:~(?:/\S*)?\s*)?[❯›]\s*$`),
	},
}
