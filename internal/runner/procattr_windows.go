//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup gives the child its own process group. Tree termination
// itself goes through taskkill, which walks descendants on its own.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags = syscall.CREATE_NEW_PROCESS_GROUP
}
