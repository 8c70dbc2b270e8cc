// Package logger owns the process-wide slog logger. Everything is written to a
// file because stdout is reserved for protocol traffic when a backend runs as a
// child process.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/toolgate/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	logPath  string
	initDone bool
)

// DefaultLogPath returns the gateway's main log file.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "toolgate.log"), nil
}

// BackendLogPath returns the log file used by a backend served as a child process.
func BackendLogPath(backend string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("backend-%s.log", backend)), nil
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init opens path for appending and installs it as the log destination.
// Calling Init again without Reset is a no-op.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}
	return openLocked(path)
}

// openLocked opens the log file and builds the root logger. Caller must hold mu.
func openLocked(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	logPath = path
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	initDone = true

	root.Info("logger initialized", "path", path)
	return nil
}

// ensureInit falls back to the default log path. Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}

	path, err := DefaultLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to get default log path: %v\n", err)
		return
	}
	if err := openLocked(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// Path returns the file currently receiving log output, or "" before Init.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

func with(args ...any) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	base := root
	if base == nil {
		base = slog.Default()
	}
	if len(args) == 0 {
		return base
	}
	return base.With(args...)
}

// Get returns the root logger instance.
func Get() *slog.Logger {
	return with()
}

// WithComponent returns a logger tagged with the emitting component.
//
// Example:
//
//	log := logger.WithComponent("registry")
//	log.Info("server connected", "server", name)
//	// Output: level=INFO msg="server connected" component=registry server=shell
func WithComponent(component string) *slog.Logger {
	return with("component", component)
}

// WithCall returns a logger carrying a tool call's correlation ID, so every
// line written while the call is in flight can be grepped out of the log.
func WithCall(callID string) *slog.Logger {
	return with("callID", callID)
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	logPath = ""
	root = nil
	levelVar = new(slog.LevelVar)
}
