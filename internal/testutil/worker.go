// Package testutil builds executable stand-ins for the Worker CLI.
// Runner and server tests script a worker's stdout line by line instead
// of invoking a real opencode binary.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Worker accumulates shell fragments for a scripted Worker CLI stand-in.
// Fragments run in order; Build writes the script and returns its path.
type Worker struct {
	t       *testing.T
	session string
	ts      int64
	part    int
	lines   []string
}

// NewWorker creates a builder for a scripted worker. The stand-ins are
// POSIX shell, so tests using one are skipped on Windows.
func NewWorker(t *testing.T) *Worker {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker stand-ins are POSIX shell scripts")
	}
	return &Worker{t: t, session: "ses_test", ts: 1700000000000}
}

// WithSession sets the session ID stamped on subsequent event lines.
func (w *Worker) WithSession(id string) *Worker {
	w.session = id
	return w
}

// StepStart emits a step_start event.
func (w *Worker) StepStart() *Worker {
	ts, part := w.next()
	return w.Emit(fmt.Sprintf(`{"type":"step_start","timestamp":%d,"sessionID":"%s","part":{"id":"prt_%d","snapshot":"snap"}}`, ts, w.session, part))
}

// Text emits a text event. Lines pass through single quotes in the
// script, so keep fixture text apostrophe-free.
func (w *Worker) Text(text string) *Worker {
	ts, part := w.next()
	return w.Emit(fmt.Sprintf(`{"type":"text","timestamp":%d,"sessionID":"%s","part":{"id":"prt_%d","text":%q}}`, ts, w.session, part, text))
}

// FinishStop emits a step_finish event with reason "stop" and the given
// token counts.
func (w *Worker) FinishStop(input, output int) *Worker {
	ts, part := w.next()
	return w.Emit(fmt.Sprintf(`{"type":"step_finish","timestamp":%d,"sessionID":"%s","part":{"id":"prt_%d","reason":"stop","tokens":{"input":%d,"output":%d,"reasoning":0},"cost":0.002}}`, ts, w.session, part, input, output))
}

// CompletesWith scripts the minimal successful run: step_start, one text
// part, then a stop finish carrying 10 input and 4 output tokens.
func (w *Worker) CompletesWith(text string) *Worker {
	return w.StepStart().Text(text).FinishStop(10, 4)
}

// Emit prints one raw line on stdout, valid JSON or not.
func (w *Worker) Emit(line string) *Worker {
	w.lines = append(w.lines, fmt.Sprintf(`printf '%%s\n' '%s'`, line))
	return w
}

// Version prints a bare version string, the worker's --version behavior.
func (w *Worker) Version(v string) *Worker {
	w.lines = append(w.lines, fmt.Sprintf("echo '%s'", v))
	return w
}

// Run appends an arbitrary shell fragment.
func (w *Worker) Run(fragment string) *Worker {
	w.lines = append(w.lines, fragment)
	return w
}

// Exit ends the script with the given code.
func (w *Worker) Exit(code int) *Worker {
	w.lines = append(w.lines, fmt.Sprintf("exit %d", code))
	return w
}

// Build writes the executable script and returns its path.
func (w *Worker) Build() string {
	w.t.Helper()
	path := filepath.Join(w.t.TempDir(), "opencode")
	script := "#!/bin/sh\n" + strings.Join(w.lines, "\n") + "\n"
	require.NoError(w.t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func (w *Worker) next() (int64, int) {
	w.part++
	ts := w.ts
	w.ts++
	return ts, w.part
}
