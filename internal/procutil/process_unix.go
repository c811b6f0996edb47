//go:build !windows

// Package procutil answers liveness questions about other processes, used by
// the CLI and daemon to interpret a stale pidfile.
package procutil

import (
	"os"
	"syscall"
)

// Alive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate asks the process to shut down with SIGTERM.
func Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
