// Package paths resolves where plural-remote keeps its files.
//
//   - Config: config.yaml
//   - Data: transcripts/ (compressed session archives)
//   - State: logs/
//
// If ~/.plural-remote/ exists, or no XDG variable is set, everything lives
// there. Otherwise the XDG base directories are used, each with a
// plural-remote subdirectory.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// AppName names the per-application directories.
const AppName = "plural-remote"

var (
	mu       sync.Mutex
	resolved *layout
)

type layout struct {
	config string
	data   string
	state  string
	flat   bool
}

func resolve() (*layout, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	flatDir := filepath.Join(home, "."+AppName)

	if info, err := os.Stat(flatDir); err == nil && info.IsDir() {
		resolved = &layout{config: flatDir, data: flatDir, state: flatDir, flat: true}
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		resolved = &layout{config: flatDir, data: flatDir, state: flatDir, flat: true}
		return resolved, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &layout{
		config: filepath.Join(xdgConfig, AppName),
		data:   filepath.Join(xdgData, AppName),
		state:  filepath.Join(xdgState, AppName),
	}
	return resolved, nil
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.config, nil
}

// DataDir returns the directory for persistent data.
func DataDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.data, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.state, nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ArchiveDir returns the default directory for session transcript archives.
func ArchiveDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "transcripts"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsFlatLayout reports whether everything lives under ~/.plural-remote/.
func IsFlatLayout() bool {
	l, err := resolve()
	if err != nil {
		return true
	}
	return l.flat
}

// Reset clears the cached resolution. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
