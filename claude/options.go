package claude

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numberedDot   = regexp.MustCompile(`(?:^|\s)(\d+)\.\s+`)
	numberedParen = regexp.MustCompile(`(?:^|\s)(\d+)\)\s+`)
	slashList     = regexp.MustCompile(`\(([^()]*/[^()]*)\)`)
)

// DefaultOptions is used when a question carries no recognizable choices.
var DefaultOptions = []string{"Yes", "No"}

// DeriveOptions guesses answer options from a question's text when the
// assistant did not declare any. It recognizes, in order:
//
//   - a numbered list: "Which one? 1. Fast 2. Safe"
//   - a numbered list with parens: "1) Fast 2) Safe"
//   - a parenthetical slash list: "Continue? (yes/no)"
//
// and falls back to DefaultOptions.
func DeriveOptions(question string) []string {
	if opts := listOptions(question, numberedDot); opts != nil {
		return opts
	}
	if opts := listOptions(question, numberedParen); opts != nil {
		return opts
	}
	if opts := slashOptions(question); opts != nil {
		return opts
	}
	return append([]string(nil), DefaultOptions...)
}

// listOptions collects items of a list numbered 1, 2, 3... The list ends at
// the first out-of-sequence number.
func listOptions(q string, marker *regexp.Regexp) []string {
	locs := marker.FindAllStringSubmatchIndex(q, -1)

	var markers [][]int
	stop := len(q)
	for _, loc := range locs {
		n, err := strconv.Atoi(q[loc[2]:loc[3]])
		if err != nil || n != len(markers)+1 {
			stop = loc[0]
			break
		}
		markers = append(markers, loc)
	}
	if len(markers) < 2 {
		return nil
	}

	var options []string
	for i, loc := range markers {
		end := stop
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		if opt := cleanOption(q[loc[1]:end]); opt != "" {
			options = append(options, opt)
		}
	}
	if len(options) < 2 {
		return nil
	}
	return options
}

func slashOptions(q string) []string {
	m := slashList.FindStringSubmatch(q)
	if m == nil {
		return nil
	}
	var options []string
	for _, part := range strings.Split(m[1], "/") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil
		}
		options = append(options, part)
	}
	if len(options) < 2 {
		return nil
	}
	return options
}

// cleanOption trims an extracted list item: the item ends at a line break,
// and separators like "," or a trailing "or" are dropped.
func cleanOption(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	for _, suffix := range []string{" or", " and"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.TrimSpace(strings.TrimRight(s, ",;?"))
}
