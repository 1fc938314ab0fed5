// Package sanitize turns raw terminal output from an interactive CLI into
// plain text worth relaying.
//
// Cleaning happens in two stages:
//
//  1. StripEscapes removes cursor/color control sequences, stray control
//     bytes and leftovers of sequences that were split across reads.
//  2. FilterNoise walks the result line by line and applies Rules, dropping
//     TUI chrome (spinners, status bars, prompts, key hints) and trimming
//     chrome fragments that leaked onto otherwise meaningful lines.
//
// Clean runs both stages. An empty result means "nothing to emit".
package sanitize

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var (
	// Control bytes other than \t, \n and \r, plus DEL and C1 controls.
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f\x{80}-\x{9f}]`)

	// The tail of a CSI sequence whose ESC byte was lost at a read boundary,
	// e.g. "[38;5;208m" or "[?25l". A read boundary is only ever at the
	// start of a line here, and only SGR, cursor, erase and mode final
	// bytes are recognised, so "buf[1a]" is left alone.
	orphanCSI = regexp.MustCompile(`(?m)^(?:\[\??\d{1,3}(?:;\d{1,3})*[A-HJKhlm])+`)

	// Three or more consecutive blank lines.
	blankRun = regexp.MustCompile(`\n(?:[ \t\r]*\n){3,}`)
)

// StripEscapes removes terminal escape sequences and non-printable control
// bytes, keeping newlines, tabs and carriage returns, and collapses runs of
// three or more blank lines into one.
func StripEscapes(s string) string {
	if s == "" {
		return s
	}
	s = ansi.Strip(s)
	s = orphanCSI.ReplaceAllString(s, "")
	s = controlChars.ReplaceAllString(s, "")
	return collapseBlankLines(s)
}

// FilterNoise drops chrome lines and trims leaked chrome fragments. The
// surviving lines are rejoined, blank runs collapsed and the result trimmed.
func FilterNoise(s string) string {
	if s == "" {
		return s
	}

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if cleaned, ok := FilterLine(line); ok {
			kept = append(kept, cleaned)
		}
	}

	return strings.TrimSpace(collapseBlankLines(strings.Join(kept, "\n")))
}

// FilterLine applies Rules to a single line. It returns the (possibly
// trimmed) line and whether it should be kept. Blank input lines are kept
// as blank lines so paragraph breaks survive.
func FilterLine(line string) (string, bool) {
	line = strings.TrimRight(line, " \t\r")
	if strings.TrimSpace(line) == "" {
		return "", true
	}

	stripped := removeBoxDrawing(line)
	if stripped != line {
		stripped = strings.TrimSpace(stripped)
	} else {
		stripped = strings.TrimRight(stripped, " \t")
	}
	if strings.TrimSpace(stripped) == "" {
		return "", false
	}

	for _, rule := range Rules {
		switch rule.Action {
		case Drop:
			if rule.matches(strings.TrimSpace(stripped)) {
				return "", false
			}
		case TrimTrailing:
			stripped = strings.TrimRight(rule.Pattern.ReplaceAllString(stripped, ""), " \t")
			if strings.TrimSpace(stripped) == "" {
				return "", false
			}
		}
	}

	return stripped, true
}

// Clean runs StripEscapes followed by FilterNoise.
func Clean(s string) string {
	return FilterNoise(StripEscapes(s))
}

// CleanLine cleans one complete line of process output. JSON object lines
// only lose real escape sequences and control bytes, so their content
// reaches the parser byte for byte. Other lines are fully cleaned.
func CleanLine(line string) string {
	s := ansi.Strip(line)
	if LooksLikeJSON(s) {
		return strings.TrimSpace(controlChars.ReplaceAllString(s, ""))
	}
	return FilterNoise(StripEscapes(line))
}

// LooksLikeJSON reports whether s (ignoring surrounding whitespace) starts
// with an opening brace.
func LooksLikeJSON(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

func collapseBlankLines(s string) string {
	return blankRun.ReplaceAllString(s, "\n\n")
}

// removeBoxDrawing removes box-drawing (U+2500-U+257F) and block element
// (U+2580-U+259F) characters.
func removeBoxDrawing(s string) string {
	if !strings.ContainsFunc(s, isBoxRune) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isBoxRune(r) {
			return -1
		}
		return r
	}, s)
}

func isBoxRune(r rune) bool {
	return r >= 0x2500 && r <= 0x259F
}
