//go:build windows

package runner

import "os/exec"

// exitSignal has no meaningful answer on Windows; terminated children
// surface an exit code instead, so this path is effectively unreachable.
func exitSignal(_ *exec.ExitError) string {
	return "unknown"
}
