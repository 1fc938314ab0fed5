// Package cli checks that the tools plural-remote drives are available,
// locally and on each configured machine.
package cli

import (
	"context"
	"fmt"
	osexec "os/exec"
	"sort"
	"strings"
	"time"

	"github.com/zhubert/plural-remote/exec"
	"github.com/zhubert/plural-remote/transport"
)

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string   // Command name (e.g., "ssh")
	Required    bool     // Whether the service can run without it
	Description string   // Human-readable description
	VersionArgs []string // Flags tried in order to print a version
}

// DefaultPrerequisites returns the local tools plural-remote needs.
func DefaultPrerequisites() []Prerequisite {
	return []Prerequisite{
		{
			Name:        "ssh",
			Required:    true,
			Description: "OpenSSH client, used to reach machines",
			VersionArgs: []string{"-V"},
		},
		{
			Name:        "sh",
			Required:    true,
			Description: "POSIX shell, used for the local target",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Checker runs prerequisite checks.
type Checker struct {
	executor exec.CommandExecutor
	lookPath func(string) (string, error)
}

// NewChecker creates a Checker that asks executor for versions.
func NewChecker(executor exec.CommandExecutor) *Checker {
	return &Checker{executor: executor, lookPath: osexec.LookPath}
}

// Check verifies that a CLI tool is available in PATH
func (c *Checker) Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := c.lookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}
	result.Found = true
	result.Path = path
	result.Version = c.version(ctx, prereq)
	return result
}

// CheckAll verifies all prerequisites and returns results
func (c *Checker) CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = c.Check(ctx, prereq)
	}
	return results
}

// version returns the first line a version flag prints. ssh prints its
// version on stderr, so both streams are considered.
func (c *Checker) version(ctx context.Context, prereq Prerequisite) string {
	for _, flag := range prereq.VersionArgs {
		res, err := c.executor.Run(ctx, "", prereq.Name, flag)
		if err != nil || res.ExitCode != 0 {
			continue
		}
		if v := firstLine(string(res.Stdout)); v != "" {
			return v
		}
		if v := firstLine(string(res.Stderr)); v != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	line = strings.TrimSpace(line)
	// Limit length to avoid overly long version strings
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	return line
}

// ValidateRequired returns an error naming every missing required tool.
func ValidateRequired(results []CheckResult) error {
	var missing []string
	for _, r := range results {
		if r.Prerequisite.Required && !r.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)", r.Prerequisite.Name, r.Prerequisite.Description))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Local prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		if r.Found && r.Version != "" {
			fmt.Fprintf(&sb, " (%s)", r.Version)
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Remote runs one-shot commands on a machine.
type Remote interface {
	Exec(ctx context.Context, target, command string, timeout time.Duration) (transport.ExecResult, error)
}

// RemoteCheck is the result of looking for an engine on a machine.
type RemoteCheck struct {
	Machine string
	Engine  string
	Found   bool
	Path    string
	Error   error // set when the machine could not be reached
}

// CheckEngines looks up every engine command on every machine with
// "command -v". Only the program name of each engine command is looked
// up. Machines are checked in order; engines are sorted and deduplicated.
func CheckEngines(ctx context.Context, r Remote, machines, engines []string, timeout time.Duration) []RemoteCheck {
	uniq := make(map[string]bool)
	for _, e := range engines {
		if fields := strings.Fields(e); len(fields) > 0 {
			uniq[fields[0]] = true
		}
	}
	sorted := make([]string, 0, len(uniq))
	for e := range uniq {
		sorted = append(sorted, e)
	}
	sort.Strings(sorted)

	var checks []RemoteCheck
	for _, m := range machines {
		for _, engine := range sorted {
			check := RemoteCheck{Machine: m, Engine: engine}
			res, err := r.Exec(ctx, m, "command -v "+transport.Quote(engine), timeout)
			switch {
			case err != nil:
				check.Error = err
			case res.ExitCode == 0:
				check.Found = true
				check.Path = firstLine(res.Stdout)
			}
			checks = append(checks, check)
		}
	}
	return checks
}

// FormatRemoteChecks formats engine checks for display, grouped by machine.
func FormatRemoteChecks(checks []RemoteCheck) string {
	var sb strings.Builder
	current := ""
	for _, c := range checks {
		if c.Machine != current {
			current = c.Machine
			fmt.Fprintf(&sb, "%s:\n", current)
		}
		switch {
		case c.Error != nil:
			fmt.Fprintf(&sb, "  ✗ %s (%v)\n", c.Engine, c.Error)
		case c.Found:
			fmt.Fprintf(&sb, "  ✓ %s (%s)\n", c.Engine, c.Path)
		default:
			fmt.Fprintf(&sb, "  ✗ %s [not installed]\n", c.Engine)
		}
	}
	return sb.String()
}

// RemoteProblems counts checks that failed.
func RemoteProblems(checks []RemoteCheck) int {
	n := 0
	for _, c := range checks {
		if !c.Found {
			n++
		}
	}
	return n
}
