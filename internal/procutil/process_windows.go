//go:build windows

package procutil

import (
	"os"
)

// Alive reports whether a process with the given pid exists. On Windows
// FindProcess fails for dead pids, which is signal enough.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer proc.Release()
	return true
}

// Terminate kills the process; Windows has no SIGTERM equivalent for
// arbitrary pids.
func Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer proc.Release()
	return proc.Kill()
}
