package transport

import "strings"

// Quote makes s a single shell word.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,@+%", r)
}

// QuotePath quotes a path like Quote but keeps a leading "~/" expandable.
func QuotePath(p string) string {
	if p == "~" {
		return `"$HOME"`
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return `"$HOME"/` + Quote(rest)
	}
	return Quote(p)
}

// InDir returns a command line that runs command inside dir.
func InDir(dir, command string) string {
	if dir == "" {
		return command
	}
	return "cd " + QuotePath(dir) + " && " + command
}
