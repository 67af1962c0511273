//go:build !windows

package proc

import (
	"syscall"
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
)

// terminate sends SIGTERM and schedules a SIGKILL follow-up.
// This is the Unix implementation. Children are spawned in their own
// process group, so the negative pid signals the whole tree; if the group
// is already gone we fall back to the pid itself.
func terminate(pid int) error {
	if err := signalTree(pid, syscall.SIGTERM); err != nil {
		// ESRCH means the child already exited, which is the common case.
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}

	time.AfterFunc(termGracePeriod, func() {
		if !Alive(pid) {
			return
		}
		log.Debug(log.CatProc, "Child survived SIGTERM, sending SIGKILL", "pid", pid)
		_ = signalTree(pid, syscall.SIGKILL)
	})
	return nil
}

// signalTree signals the child's process group, falling back to the child
// alone when no group exists under its pid.
func signalTree(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
