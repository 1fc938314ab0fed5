// Package directory answers the questions a setup dialog asks: which
// machines exist, which repositories live on a machine, and which
// subfolders a repository has.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-remote/transport"
)

// RootFolder is the subfolder candidate meaning "the repository itself".
const RootFolder = "."

// DefaultListTimeout bounds each remote listing command.
const DefaultListTimeout = 15 * time.Second

var (
	// ErrUnknownMachine is returned for a machine not in the directory.
	ErrUnknownMachine = errors.New("unknown machine")

	// ErrListFailed is returned when a remote listing exits non-zero.
	ErrListFailed = errors.New("remote listing failed")
)

// Machine is a target that sessions can run on.
type Machine struct {
	Name     string   // shown in dialogs and used as the transport target
	RepoRoot string   // directory holding the repositories, e.g. "~/src"
	Repos    []string // fixed repository list; empty means list RepoRoot
}

// Directory resolves dialog candidates, asking the machine itself when the
// configuration does not say.
type Directory struct {
	transport transport.Transport
	timeout   time.Duration
	log       *slog.Logger

	mu       sync.RWMutex
	machines []Machine
}

// New creates a Directory over machines.
func New(machines []Machine, t transport.Transport, timeout time.Duration, log *slog.Logger) *Directory {
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Directory{transport: t, timeout: timeout, log: log}
	d.SetMachines(machines)
	return d
}

// SetMachines replaces the machine list.
func (d *Directory) SetMachines(machines []Machine) {
	cp := make([]Machine, len(machines))
	for i, m := range machines {
		m.Repos = append([]string(nil), m.Repos...)
		cp[i] = m
	}
	d.mu.Lock()
	d.machines = cp
	d.mu.Unlock()
}

// Machines returns the machine names in configuration order.
func (d *Directory) Machines() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.machines))
	for i, m := range d.machines {
		names[i] = m.Name
	}
	return names
}

// Machine looks up a machine by name.
func (d *Directory) Machine(name string) (Machine, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.machines {
		if m.Name == name {
			return m, true
		}
	}
	return Machine{}, false
}

// Repos returns the repositories on a machine: the configured list if there
// is one, otherwise the directories under its RepoRoot.
func (d *Directory) Repos(ctx context.Context, machine string) ([]string, error) {
	m, ok := d.Machine(machine)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMachine, machine)
	}
	if len(m.Repos) > 0 {
		return append([]string(nil), m.Repos...), nil
	}
	return d.listDirs(ctx, m.Name, m.RepoRoot)
}

// Subfolders returns RootFolder followed by the top-level directories of a
// repository.
func (d *Directory) Subfolders(ctx context.Context, machine, repo string) ([]string, error) {
	m, ok := d.Machine(machine)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMachine, machine)
	}
	dirs, err := d.listDirs(ctx, m.Name, RepoPath(m, repo, ""))
	if err != nil {
		return nil, err
	}
	return append([]string{RootFolder}, dirs...), nil
}

// listDirs lists the visible subdirectories of dir on the machine.
func (d *Directory) listDirs(ctx context.Context, machine, dir string) ([]string, error) {
	if dir == "" {
		dir = "~"
	}
	cmd := "find " + transport.QuotePath(dir) + " -mindepth 1 -maxdepth 1 -type d ! -name '.*'"
	res, err := d.transport.Exec(ctx, machine, cmd, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s on %s: %w", dir, machine, err)
	}
	if res.ExitCode != 0 {
		d.log.Warn("remote listing failed", "machine", machine, "dir", dir, "exitCode", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return nil, fmt.Errorf("%w: %s on %s (exit %d)", ErrListFailed, dir, machine, res.ExitCode)
	}

	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, path.Base(line))
	}
	sort.Strings(names)
	return names, nil
}

// RepoPath joins a machine's root, a repository and a subfolder. A
// subfolder of "" or RootFolder means the repository itself.
func RepoPath(m Machine, repo, subfolder string) string {
	p := repo
	if m.RepoRoot != "" && !strings.HasPrefix(repo, "/") && !strings.HasPrefix(repo, "~") {
		p = strings.TrimSuffix(m.RepoRoot, "/") + "/" + repo
	}
	if subfolder != "" && subfolder != RootFolder {
		p = strings.TrimSuffix(p, "/") + "/" + subfolder
	}
	return p
}
