//go:build windows

package proc

import (
	"golang.org/x/sys/windows"
)

// Alive reports whether a process with the given pid is still running.
// On Windows, OpenProcess plus the exit code tells us.
func Alive(pid int) bool {
	// PROCESS_QUERY_LIMITED_INFORMATION is the minimum access right needed
	// to ask about a process we did not spawn.
	const processQueryLimitedInformation = 0x1000

	handle, err := windows.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}

	// STILL_ACTIVE (259) means the process is still running.
	return exitCode == 259
}
