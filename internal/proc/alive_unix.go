//go:build !windows

package proc

import (
	"errors"
	"os"
	"syscall"
)

// Alive reports whether a process with the given pid is still running.
// On Unix, signal 0 probes for existence without touching the process.
func Alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else;
	// ESRCH means no such process.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}
