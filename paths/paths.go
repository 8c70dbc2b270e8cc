// Package paths resolves where toolgate keeps its configuration, durable data
// and logs.
//
// Layout selection:
//  1. ~/.toolgate/ exists → every path lives under it
//  2. any XDG_*_HOME variable is set → XDG layout, one "toolgate" dir per kind
//  3. otherwise → ~/.toolgate/
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const appName = "toolgate"

var (
	mu     sync.Mutex
	cached *layout
)

type layout struct {
	config string
	data   string
	state  string
	legacy bool
}

func current() (*layout, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	flat := filepath.Join(home, "."+appName)
	if info, err := os.Stat(flat); err == nil && info.IsDir() {
		cached = &layout{config: flat, data: flat, state: flat, legacy: true}
		return cached, nil
	}

	xdg := func(env string, fallback ...string) (string, bool) {
		if v := os.Getenv(env); v != "" {
			return v, true
		}
		return filepath.Join(append([]string{home}, fallback...)...), false
	}
	cfg, cfgSet := xdg("XDG_CONFIG_HOME", ".config")
	data, dataSet := xdg("XDG_DATA_HOME", ".local", "share")
	state, stateSet := xdg("XDG_STATE_HOME", ".local", "state")

	if !cfgSet && !dataSet && !stateSet {
		cached = &layout{config: flat, data: flat, state: flat, legacy: true}
		return cached, nil
	}

	cached = &layout{
		config: filepath.Join(cfg, appName),
		data:   filepath.Join(data, appName),
		state:  filepath.Join(state, appName),
	}
	return cached, nil
}

// ConfigDir returns the directory holding toolgate.yaml and .env.
func ConfigDir() (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return l.config, nil
}

// DataDir returns the directory for durable data such as file backups.
func DataDir() (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return l.data, nil
}

// StateDir returns the directory for runtime state.
func StateDir() (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return l.state, nil
}

// ConfigFilePath returns the default gateway configuration file.
func ConfigFilePath() (string, error) {
	return join(ConfigDir, "toolgate.yaml")
}

// EnvFilePath returns the optional .env overlay read at config load.
func EnvFilePath() (string, error) {
	return join(ConfigDir, ".env")
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	return join(StateDir, "logs")
}

// BackupsDir returns the directory the filesystem backend uses when backups
// are not kept next to the original file.
func BackupsDir() (string, error) {
	return join(DataDir, "backups")
}

func join(base func() (string, error), name string) (string, error) {
	dir, err := base()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// IsLegacyLayout reports whether the flat ~/.toolgate/ layout is in use.
func IsLegacyLayout() bool {
	l, err := current()
	if err != nil {
		return true
	}
	return l.legacy
}

// Reset drops the cached layout. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}
