package runner

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/zjrosen/ocmcp/internal/event"
	"github.com/zjrosen/ocmcp/internal/log"
)

// pumpStdout consumes the child's NDJSON stream line by line until EOF.
//
// Each parsed event is handed to the task manager first and then appended
// to the persistence log best-effort; a persistence failure never stalls
// the stream. Malformed and unknown-type lines are logged at warn and
// dropped, leaving the stream alive.
func (r *Runner) pumpStdout(taskID string, stdout io.Reader) {
	sessionSaved := false

	scanner := bufio.NewScanner(stdout)
	// Large text events can be long lines (64KB initial, 1MB max).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		ev, err := event.Parse(line)
		if err != nil {
			log.Warn(log.CatRunner, "Dropping bad event line",
				"taskID", taskID, "error", err)
			continue
		}

		if !sessionSaved && ev.SessionID != "" {
			if err := r.store.SaveSessionMapping(ev.SessionID, taskID); err != nil {
				log.Warn(log.CatRunner, "Failed to save session mapping",
					"taskID", taskID, "sessionID", ev.SessionID, "error", err)
			}
			sessionSaved = true
		}

		if err := r.manager.HandleEvent(taskID, ev); err != nil {
			// The task was purged mid-run; keep draining so the child
			// is not blocked on a full pipe.
			log.Debug(log.CatRunner, "Event for unknown task",
				"taskID", taskID, "error", err)
		}

		if err := r.store.AppendEvent(taskID, ev.Raw); err != nil {
			log.Warn(log.CatRunner, "Failed to append event",
				"taskID", taskID, "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatRunner, "Stdout scanner error", "taskID", taskID, "error", err)
	}
}

// pumpStderr drains stderr for diagnostics. Content never influences task
// state, with one escalation: rate-limit complaints are logged at error so
// operators can spot them without debug logging enabled.
func (r *Runner) pumpStderr(taskID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if isRateLimitLine(line) {
			log.Error(log.CatRunner, "Worker reported rate limiting",
				"taskID", taskID, "line", line)
			continue
		}
		log.Debug(log.CatRunner, "STDERR", "taskID", taskID, "line", line)
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatRunner, "Stderr scanner error", "taskID", taskID, "error", err)
	}
}

func isRateLimitLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate-limit") ||
		strings.Contains(lower, "too many requests") || strings.Contains(lower, "429")
}
