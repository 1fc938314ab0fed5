package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/plural-remote/paths"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	if cfg.Flows.TTL.Duration != 10*time.Minute || cfg.Relay.FlushSize != 3000 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Engines.Default != "itachi" || cfg.Engines.Commands["c"] != "itachic" {
		t.Errorf("unexpected engines %+v", cfg.Engines)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_DefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join(home, ".plural-remote", "config.yaml"); cfg.Path() != want {
		t.Errorf("Path() = %q, want %q", cfg.Path(), want)
	}
	dir, err := cfg.ArchiveDir()
	if err != nil || dir != filepath.Join(home, ".plural-remote", "transcripts") {
		t.Errorf("ArchiveDir() = %q, %v", dir, err)
	}
}

func TestLoad_OverridesKeepOtherDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
machines:
  - name: devbox
    host: dev@10.0.0.5
    port: 2222
    repo_root: ~/src
  - name: mini
    repos: [api, web]
engines:
  default: claude
  commands:
    x: claude
flows:
  ttl: 15m
sessions:
  pty: true
  ssh_args: ["-o", "StrictHostKeyChecking=accept-new"]
nats:
  url: nats://bus:4222
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Flows.TTL.Duration != 15*time.Minute || cfg.Flows.SweepInterval.Duration != time.Minute {
		t.Errorf("unexpected flows %+v", cfg.Flows)
	}
	if len(cfg.Engines.Commands) != 1 || cfg.Engines.Commands["x"] != "claude" {
		t.Errorf("engine commands should be replaced, got %v", cfg.Engines.Commands)
	}

	hosts := cfg.Hosts()
	if len(hosts) != 2 || hosts[0].Address != "dev@10.0.0.5" || hosts[0].Port != 2222 || hosts[1].Address != "mini" {
		t.Errorf("unexpected hosts %+v", hosts)
	}
	machines := cfg.DirectoryMachines()
	if machines[0].RepoRoot != "~/src" || strings.Join(machines[1].Repos, ",") != "api,web" {
		t.Errorf("unexpected machines %+v", machines)
	}

	ssh := cfg.SSHOptions()
	if !ssh.PTY || !ssh.BatchMode || len(ssh.ExtraArgs) != 2 || ssh.ConnectTimeout != 10*time.Second {
		t.Errorf("unexpected ssh options %+v", ssh)
	}
	in := cfg.InboxOptions()
	if in.URL != "nats://bus:4222" || in.Prefix != "plural.remote" || in.MaxWait != 500*time.Millisecond {
		t.Errorf("unexpected inbox options %+v", in)
	}
	table := cfg.EngineTable()
	if table.Lookup("x") != "claude" || table.Lookup("unknown") != "claude" {
		t.Errorf("unexpected engine table %+v", table)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "machnes: []\n", "machnes"},
		{"bad duration", "flows:\n  ttl: soon\n", "invalid duration"},
		{"not yaml", "machines: [\n", "failed to parse"},
		{"duplicate machine", "machines:\n  - name: a\n  - name: a\n", "duplicate machine"},
		{"missing name", "machines:\n  - host: x\n", "name is required"},
		{"bad port", "machines:\n  - name: a\n    port: 70000\n", "out of range"},
		{"bad engine code", "engines:\n  commands:\n    a.b: x\n", "invalid engine code"},
		{"negative duration", "relay:\n  flush_interval: -1s\n", "relay.flush_interval"},
		{"wildcard prefix", "nats:\n  prefix: a.*\n", "nats.prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Engines.Commands) != 3 {
		t.Errorf("expected default engines, got %v", cfg.Engines.Commands)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Machines = []Machine{{Name: ""}, {Name: "a", Port: -1}}
	cfg.Poller.Jitter = 2

	err := cfg.Validate()
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	for _, want := range []string{"machines[0].name", "machines[1].port", "poller.jitter"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.SetFilePath(path)
	cfg.Machines = []Machine{{Name: "devbox", RepoRoot: "/work", Repos: []string{"api"}}}
	cfg.Sessions.IdleTimeout = D(45 * time.Minute)
	cfg.NATS.Password = "secret"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config should be private, got %v", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "idle_timeout: 45m0s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Sessions.IdleTimeout.Duration != 45*time.Minute || loaded.Machines[0].Repos[0] != "api" || loaded.NATS.Password != "secret" {
		t.Errorf("unexpected round trip %+v", loaded)
	}
}

func TestSave_NoPath(t *testing.T) {
	if err := DefaultConfig().Save(); err == nil {
		t.Error("expected an error without a file path")
	}
}

func TestArchiveDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()
	cfg.Archive.Dir = "~/archive"
	if dir, err := cfg.ArchiveDir(); err != nil || dir != filepath.Join(home, "archive") {
		t.Errorf("ArchiveDir() = %q, %v", dir, err)
	}
	cfg.Archive.Disabled = true
	if dir, err := cfg.ArchiveDir(); err != nil || dir != "" {
		t.Errorf("disabled ArchiveDir() = %q, %v", dir, err)
	}
}

func TestPollerOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts := cfg.PollerOptions()
	if opts.Interval != time.Second || opts.Backoff.MaxDelay != time.Minute || opts.MaxConsecutiveFailures != 10 {
		t.Errorf("unexpected poller options %+v", opts)
	}
	r := cfg.RelayOptions()
	if r.FlushInterval != 2*time.Second || r.MaxMessageLen != 4000 {
		t.Errorf("unexpected relay options %+v", r)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	old := WatchDebounce
	WatchDebounce = 20 * time.Millisecond
	t.Cleanup(func() { WatchDebounce = old })

	dir := t.TempDir()
	path := writeConfig(t, dir, "machines: []\n")

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *Config, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, testLogger(), func(c *Config) { reloaded <- c })
	}()

	// Keep writing until the watcher, which starts asynchronously, sees it.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	var got *Config
	for got == nil || len(got.Machines) == 0 {
		select {
		case got = <-reloaded:
		case <-tick.C:
			writeConfig(t, dir, "machines:\n  - name: devbox\n")
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
	if got.Machines[0].Name != "devbox" {
		t.Errorf("unexpected reloaded config %+v", got.Machines)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_SkipsInvalidFile(t *testing.T) {
	old := WatchDebounce
	WatchDebounce = 100 * time.Millisecond
	t.Cleanup(func() { WatchDebounce = old })

	dir := t.TempDir()
	path := writeConfig(t, dir, "machines: []\n")

	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()
	reloaded := make(chan *Config, 10)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(path, []byte("machines: [\n"), 0644)
	}()
	if err := Watch(ctx, path, testLogger(), func(c *Config) { reloaded <- c }); err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	if len(reloaded) != 0 {
		t.Error("an invalid file must not be delivered")
	}
}
