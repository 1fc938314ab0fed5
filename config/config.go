// Package config loads the YAML configuration of the relay service.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-remote/backoff"
	"github.com/zhubert/plural-remote/callback"
	"github.com/zhubert/plural-remote/directory"
	"github.com/zhubert/plural-remote/flow"
	"github.com/zhubert/plural-remote/inbox"
	"github.com/zhubert/plural-remote/paths"
	"github.com/zhubert/plural-remote/poller"
	"github.com/zhubert/plural-remote/relay"
	"github.com/zhubert/plural-remote/transport"
)

// Config holds the service configuration.
type Config struct {
	Debug    bool      `yaml:"debug,omitempty"`
	Machines []Machine `yaml:"machines"`
	Engines  Engines   `yaml:"engines"`
	Flows    Flows     `yaml:"flows"`
	Sessions Sessions  `yaml:"sessions"`
	Relay    Relay     `yaml:"relay"`
	NATS     NATS      `yaml:"nats"`
	Poller   Poller    `yaml:"poller"`
	Archive  Archive   `yaml:"archive"`

	filePath string
}

// Machine is a target offered in setup dialogs.
type Machine struct {
	Name         string   `yaml:"name"`
	Host         string   `yaml:"host,omitempty"` // ssh destination; defaults to Name
	Port         int      `yaml:"port,omitempty"`
	IdentityFile string   `yaml:"identity_file,omitempty"`
	RepoRoot     string   `yaml:"repo_root,omitempty"`
	Repos        []string `yaml:"repos,omitempty"` // listed under RepoRoot when empty
}

// Engines maps the one-letter codes carried by start buttons to commands.
type Engines struct {
	Default  string            `yaml:"default"`
	Commands map[string]string `yaml:"commands"`
}

// Flows configures setup dialogs.
type Flows struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Sessions configures remote processes.
type Sessions struct {
	IdleTimeout         Duration `yaml:"idle_timeout"` // 0 disables the watchdog
	PTY                 bool     `yaml:"pty"`
	BatchMode           bool     `yaml:"batch_mode"`
	ConnectTimeout      Duration `yaml:"connect_timeout"`
	ServerAliveInterval Duration `yaml:"server_alive_interval"`
	SSHArgs             []string `yaml:"ssh_args,omitempty"`
	ListTimeout         Duration `yaml:"list_timeout"`
	AnalyzeTimeout      Duration `yaml:"analyze_timeout"`
	MaxLineLength       int      `yaml:"max_line_length,omitempty"`
}

// Relay configures output batching.
type Relay struct {
	FlushSize     int      `yaml:"flush_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	MaxMessageLen int      `yaml:"max_message_len"`
	SendTimeout   Duration `yaml:"send_timeout"`
}

// NATS configures the chat bus.
type NATS struct {
	URL      string   `yaml:"url"`
	User     string   `yaml:"user,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Prefix   string   `yaml:"prefix"`
	Stream   string   `yaml:"stream"`
	Durable  string   `yaml:"durable"`
	Batch    int      `yaml:"batch"`
	MaxWait  Duration `yaml:"max_wait"`
}

// Poller configures the inbox loop and its recovery.
type Poller struct {
	Interval       Duration `yaml:"interval"`
	InitialDelay   Duration `yaml:"initial_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	Factor         float64  `yaml:"factor"`
	Jitter         float64  `yaml:"jitter"`
	MaxFailures    int      `yaml:"max_failures"`
	MaxRetryWindow Duration `yaml:"max_retry_window"`
}

// Archive configures transcript archiving.
type Archive struct {
	Dir      string `yaml:"dir,omitempty"` // defaults to the data directory
	Disabled bool   `yaml:"disabled,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	engines := callback.DefaultEngineTable()
	ssh := transport.DefaultSSHOptions()
	bo := backoff.DefaultConfig()
	return &Config{
		Machines: []Machine{},
		Engines:  Engines{Default: engines.Default, Commands: engines.Engines},
		Flows: Flows{
			TTL:           D(flow.DefaultTTL),
			SweepInterval: D(time.Minute),
		},
		Sessions: Sessions{
			IdleTimeout:         D(30 * time.Minute),
			BatchMode:           ssh.BatchMode,
			ConnectTimeout:      D(ssh.ConnectTimeout),
			ServerAliveInterval: D(ssh.ServerAliveInterval),
			ListTimeout:         D(directory.DefaultListTimeout),
			AnalyzeTimeout:      D(2 * time.Minute),
		},
		Relay: Relay{
			FlushSize:     relay.DefaultFlushSize,
			FlushInterval: D(relay.DefaultFlushInterval),
			MaxMessageLen: relay.DefaultMaxMessageLen,
			SendTimeout:   D(relay.DefaultSendTimeout),
		},
		NATS: NATS{
			URL:     "nats://127.0.0.1:4222",
			Prefix:  relay.DefaultSubjectPrefix,
			Stream:  "PLURAL_REMOTE",
			Durable: "plural-remote-inbox",
			Batch:   64,
			MaxWait: D(500 * time.Millisecond),
		},
		Poller: Poller{
			Interval:       D(poller.DefaultInterval),
			InitialDelay:   D(bo.InitialDelay),
			MaxDelay:       D(bo.MaxDelay),
			Factor:         bo.Factor,
			Jitter:         bo.JitterRatio,
			MaxFailures:    poller.DefaultMaxConsecutiveFailures,
			MaxRetryWindow: D(poller.DefaultMaxRetryWindow),
		},
	}
}

// Load reads the config at path, or the default location when path is
// empty. A missing file yields the defaults; keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := DefaultConfig()
	cfg.filePath = path

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	defer f.Close()

	defaults := cfg.Engines.Commands
	cfg.Engines.Commands = nil

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if len(cfg.Engines.Commands) == 0 {
		cfg.Engines.Commands = defaults
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks that the config is internally consistent. All problems
// are reported, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	seen := make(map[string]bool)
	for i, m := range c.Machines {
		field := fmt.Sprintf("machines[%d]", i)
		switch {
		case strings.TrimSpace(m.Name) == "":
			add(field+".name", "name is required")
		case seen[m.Name]:
			add(field+".name", "duplicate machine %q", m.Name)
		}
		seen[m.Name] = true
		if m.Port < 0 || m.Port > 65535 {
			add(field+".port", "port %d out of range", m.Port)
		}
		for j, r := range m.Repos {
			if strings.TrimSpace(r) == "" {
				add(fmt.Sprintf("%s.repos[%d]", field, j), "empty repository")
			}
		}
	}

	if strings.TrimSpace(c.Engines.Default) == "" {
		add("engines.default", "default engine is required")
	}
	for code, cmd := range c.Engines.Commands {
		if code == "" || strings.ContainsAny(code, ".: ") {
			add("engines.commands", "invalid engine code %q", code)
		}
		if strings.TrimSpace(cmd) == "" {
			add("engines.commands."+code, "command is required")
		}
	}

	durations := map[string]Duration{
		"flows.ttl":                      c.Flows.TTL,
		"flows.sweep_interval":           c.Flows.SweepInterval,
		"sessions.idle_timeout":          c.Sessions.IdleTimeout,
		"sessions.connect_timeout":       c.Sessions.ConnectTimeout,
		"sessions.server_alive_interval": c.Sessions.ServerAliveInterval,
		"sessions.list_timeout":          c.Sessions.ListTimeout,
		"sessions.analyze_timeout":       c.Sessions.AnalyzeTimeout,
		"relay.flush_interval":           c.Relay.FlushInterval,
		"relay.send_timeout":             c.Relay.SendTimeout,
		"nats.max_wait":                  c.NATS.MaxWait,
		"poller.interval":                c.Poller.Interval,
		"poller.initial_delay":           c.Poller.InitialDelay,
		"poller.max_delay":               c.Poller.MaxDelay,
		"poller.max_retry_window":        c.Poller.MaxRetryWindow,
	}
	for field, d := range durations {
		if d.Duration < 0 {
			add(field, "must not be negative")
		}
	}
	if c.Poller.Jitter < 0 || c.Poller.Jitter > 1 {
		add("poller.jitter", "must be between 0 and 1")
	}
	if c.Poller.Factor != 0 && c.Poller.Factor < 1 {
		add("poller.factor", "must be at least 1")
	}
	if strings.ContainsAny(c.NATS.Prefix, "*> ") {
		add("nats.prefix", "must not contain wildcards or spaces")
	}

	return errors.Join(errs...)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.filePath
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.filePath = path
}

// Save writes the config to its file.
func (c *Config) Save() error {
	if c.filePath == "" {
		return errors.New("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	// May hold the NATS password.
	return os.WriteFile(c.filePath, data, 0600)
}

// Hosts returns the ssh destinations of the configured machines.
func (c *Config) Hosts() []transport.Host {
	hosts := make([]transport.Host, 0, len(c.Machines))
	for _, m := range c.Machines {
		addr := m.Host
		if addr == "" {
			addr = m.Name
		}
		hosts = append(hosts, transport.Host{Name: m.Name, Address: addr, Port: m.Port, IdentityFile: m.IdentityFile})
	}
	return hosts
}

// DirectoryMachines returns the machines offered in setup dialogs.
func (c *Config) DirectoryMachines() []directory.Machine {
	machines := make([]directory.Machine, 0, len(c.Machines))
	for _, m := range c.Machines {
		machines = append(machines, directory.Machine{
			Name:     m.Name,
			RepoRoot: m.RepoRoot,
			Repos:    append([]string(nil), m.Repos...),
		})
	}
	return machines
}

// EngineTable returns the engine codes.
func (c *Config) EngineTable() callback.EngineTable {
	engines := make(map[string]string, len(c.Engines.Commands))
	for code, cmd := range c.Engines.Commands {
		engines[code] = cmd
	}
	return callback.EngineTable{Engines: engines, Default: c.Engines.Default}
}

// SSHOptions returns the ssh client settings.
func (c *Config) SSHOptions() transport.SSHOptions {
	return transport.SSHOptions{
		ConnectTimeout:      c.Sessions.ConnectTimeout.Duration,
		ServerAliveInterval: c.Sessions.ServerAliveInterval.Duration,
		BatchMode:           c.Sessions.BatchMode,
		PTY:                 c.Sessions.PTY,
		ExtraArgs:           append([]string(nil), c.Sessions.SSHArgs...),
	}
}

// RelayOptions returns the output batching settings.
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		FlushSize:     c.Relay.FlushSize,
		FlushInterval: c.Relay.FlushInterval.Duration,
		MaxMessageLen: c.Relay.MaxMessageLen,
		SendTimeout:   c.Relay.SendTimeout.Duration,
	}
}

// InboxOptions returns the NATS connection settings.
func (c *Config) InboxOptions() inbox.Options {
	return inbox.Options{
		URL:      c.NATS.URL,
		User:     c.NATS.User,
		Password: c.NATS.Password,
		Prefix:   c.NATS.Prefix,
		Stream:   c.NATS.Stream,
		Durable:  c.NATS.Durable,
		Batch:    c.NATS.Batch,
		MaxWait:  c.NATS.MaxWait.Duration,
	}
}

// PollerOptions returns the inbox loop settings.
func (c *Config) PollerOptions() poller.Options {
	return poller.Options{
		Interval: c.Poller.Interval.Duration,
		Backoff: backoff.Config{
			InitialDelay: c.Poller.InitialDelay.Duration,
			MaxDelay:     c.Poller.MaxDelay.Duration,
			Factor:       c.Poller.Factor,
			JitterRatio:  c.Poller.Jitter,
		},
		MaxConsecutiveFailures: c.Poller.MaxFailures,
		MaxRetryWindow:         c.Poller.MaxRetryWindow.Duration,
	}
}

// ArchiveDir returns where transcripts are archived, with a leading "~/"
// expanded. It returns "" when archiving is disabled.
func (c *Config) ArchiveDir() (string, error) {
	if c.Archive.Disabled {
		return "", nil
	}
	dir := c.Archive.Dir
	if dir == "" {
		return paths.ArchiveDir()
	}
	if rest, ok := strings.CutPrefix(dir, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, rest)
	}
	return dir, nil
}
