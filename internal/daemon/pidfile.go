package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loomstudio/loom/internal/config"
	"github.com/loomstudio/loom/internal/procutil"
)

// WritePIDFile records the daemon pid with owner-only permissions.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return errors.New("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RemovePIDFile deletes the pidfile, tolerating its absence.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to remove pid file: %v\n", err)
	}
}

// ReadPIDFile returns the recorded pid, or 0 when the file is missing or
// holds garbage.
func ReadPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// IsRunning reports whether a daemon for the default instance is alive,
// judging by its pidfile. A stale pidfile (dead pid) counts as not running.
func IsRunning() bool {
	paths := config.GetInstancePaths("")
	pid := ReadPIDFile(paths.PIDFile)
	return pid != 0 && procutil.Alive(pid)
}
