package log

import (
	"runtime/debug"
)

// SafeGo launches fn on a new goroutine with panic recovery.
// A panic is logged with its stack trace instead of crashing the process;
// name identifies the goroutine in the log entry.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error("panic", "Recovered panic in goroutine",
					"name", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
