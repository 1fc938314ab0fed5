package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhubert/plural-remote/paths"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) string {
	t.Helper()
	Reset()

	logPath := filepath.Join(t.TempDir(), "test.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	t.Cleanup(Reset)
	return logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return string(content)
}

func TestGet_StructuredLogging(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Info("update handled", "thread", "42", "entries", 3)

	content := readLog(t, logPath)
	for _, want := range []string{"update handled", "thread=42", "entries=3", "logger initialized"} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q", want)
		}
	}
	if Path() != logPath {
		t.Errorf("Path() = %q, want %q", Path(), logPath)
	}
}

func TestInit_OnlyOnce(t *testing.T) {
	logPath := setupTestLogger(t)
	other := filepath.Join(t.TempDir(), "other.log")

	if err := Init(other); err != nil {
		t.Fatalf("second Init returned error: %v", err)
	}
	if Path() != logPath {
		t.Error("second Init should be ignored")
	}
	if _, err := os.Stat(other); !os.IsNotExist(err) {
		t.Error("second Init should not create a file")
	}
}

func TestInitWriter(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	var buf bytes.Buffer
	InitWriter(&buf)
	WithThread("-1001").Info("relayed")

	if !strings.Contains(buf.String(), "thread=-1001") {
		t.Errorf("unexpected output %q", buf.String())
	}
	if Path() != "" {
		t.Errorf("Path() = %q, want empty", Path())
	}
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	log1 := filepath.Join(dir, "log1.log")
	log2 := filepath.Join(dir, "log2.log")

	Reset()
	if err := Init(log1); err != nil {
		t.Fatal(err)
	}
	Get().Info("message to log1")

	Reset()
	if err := Init(log2); err != nil {
		t.Fatal(err)
	}
	Get().Info("message to log2")
	Reset()

	c1, c2 := readLog(t, log1), readLog(t, log2)
	if !strings.Contains(c1, "message to log1") || strings.Contains(c1, "message to log2") {
		t.Errorf("unexpected log1 content %q", c1)
	}
	if !strings.Contains(c2, "message to log2") || strings.Contains(c2, "message to log1") {
		t.Errorf("unexpected log2 content %q", c2)
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Debug("debug-filtered")
	SetDebug(true)
	Get().Debug("debug-visible")
	SetDebug(false)
	Get().Debug("debug-filtered-again")

	content := readLog(t, logPath)
	if strings.Contains(content, "debug-filtered") {
		t.Error("debug should be filtered at info level")
	}
	if !strings.Contains(content, "debug-visible") || !strings.Contains(content, "level=DEBUG") {
		t.Error("debug should be visible after SetDebug(true)")
	}
}

func TestScopedLoggers(t *testing.T) {
	logPath := setupTestLogger(t)

	WithComponent("inbox").Info("inbox connected")
	WithSession("sess-123").With("target", "devbox").Info("session started")
	WithThread("42").Info("flow started")

	content := readLog(t, logPath)
	for _, want := range []string{"component=inbox", "session=sess-123", "target=devbox", "thread=42"} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q", want)
		}
	}
}

func TestDefaultPathAndClearLogs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)
	Reset()
	t.Cleanup(Reset)

	Get().Info("default path test")

	want := filepath.Join(home, ".plural-remote", "logs", "plural-remote.log")
	if Path() != want {
		t.Fatalf("Path() = %q, want %q", Path(), want)
	}
	if err := os.WriteFile(filepath.Join(home, ".plural-remote", "logs", "plural-remote.1.log"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	Close()

	n, err := ClearLogs()
	if err != nil {
		t.Fatalf("ClearLogs error: %v", err)
	}
	if n != 2 {
		t.Errorf("ClearLogs removed %d files, want 2", n)
	}
}

func TestConcurrent_InitAndGet(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	paths.Reset()
	t.Cleanup(paths.Reset)

	for range 5 {
		Reset()
		logPath := filepath.Join(t.TempDir(), "concurrent.log")

		done := make(chan struct{}, 20)
		for range 5 {
			go func() { _ = Init(logPath); done <- struct{}{} }()
			go func() { Get().Info("concurrent get"); done <- struct{}{} }()
			go func() { WithSession("s").Info("concurrent session"); done <- struct{}{} }()
			go func() { WithComponent("c").Info("concurrent component"); done <- struct{}{} }()
		}
		for range 20 {
			<-done
		}
	}
	Reset()
}
