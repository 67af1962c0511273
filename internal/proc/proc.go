// Package proc holds the platform-portable process termination primitives
// used to stop Worker CLI children. Termination is best-effort: every error
// is swallowed and logged at debug, because the child may already be gone.
package proc

import (
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
)

// termGracePeriod is how long a child gets to exit after the graceful
// signal before it is killed outright. Windows has no graceful phase.
const termGracePeriod = 5 * time.Second

// Kill terminates the process with the given pid and its descendants.
//
// On POSIX the child receives SIGTERM immediately and SIGKILL after
// termGracePeriod if it is still alive. On Windows the process tree is
// terminated synchronously via taskkill. A pid of zero or an already
// exited child is a no-op.
func Kill(pid int) {
	if pid <= 0 {
		return
	}
	if err := terminate(pid); err != nil {
		log.Debug(log.CatProc, "Terminate failed", "pid", pid, "error", err)
	}
}
