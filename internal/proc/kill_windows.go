//go:build windows

package proc

import (
	"os/exec"
	"strconv"
)

// terminate kills the whole process tree synchronously.
// This is the Windows implementation; there is no graceful phase because
// Windows has no SIGTERM equivalent for console children.
func terminate(pid int) error {
	// #nosec G204 -- pid is an integer formatted by us, not user input
	return exec.Command("taskkill", "/pid", strconv.Itoa(pid), "/T", "/F").Run()
}
