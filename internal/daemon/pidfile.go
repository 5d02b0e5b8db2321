package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning means another daemon owns the pid file and is alive.
var ErrAlreadyRunning = errors.New("daemon: already running")

// CheckSingleton claims the pid file. A file pointing at a live process
// fails with ErrAlreadyRunning; a stale or garbage file is overwritten.
func CheckSingleton(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if syscall.Kill(pid, 0) == nil {
				return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
		}
		slog.Info("stale pid file, taking over", "path", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RemovePIDFile deletes the pid file. A missing file is fine.
func RemovePIDFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove pid file", "path", path, "error", err)
	}
}
