// Package task implements the supervisor's task registry and lifecycle
// state machine. The manager owns all in-memory task state; the worker
// runner feeds it parsed events and the control tools query it.
package task

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/ocmcp/internal/event"
	"github.com/zjrosen/ocmcp/internal/log"
)

// ErrTaskNotFound is returned for operations on unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Defaults for Config fields left zero.
const (
	DefaultIdleThreshold   = 30 * time.Second
	DefaultIdleSuffix      = "?"
	DefaultMaxTextBytes    = 1 << 20 // 1 MiB accumulated output cap per task
	DefaultCompletedMaxAge = time.Hour
	DefaultPurgeInterval   = 10 * time.Minute

	// idleStatusMessage is surfaced on tasks parked waiting for a reply.
	idleStatusMessage = "Waiting for user input"

	// cancelledStatusMessage is surfaced on externally cancelled tasks.
	cancelledStatusMessage = "Task cancelled"
)

// Config tunes manager behavior. Zero values take the defaults above.
type Config struct {
	// IdleThreshold is how long a trailing question must sit unanswered
	// before the task transitions to input_required.
	IdleThreshold time.Duration

	// IdleSuffix is the punctuation that marks a question. Workers writing
	// in languages with other conventions can override it.
	IdleSuffix string

	// MaxTextBytes caps the accumulated text buffer per task.
	MaxTextBytes int

	// CompletedMaxAge is how long finished tasks stay in the registry.
	CompletedMaxAge time.Duration

	// PurgeInterval is the sweep cadence for expiring finished tasks.
	PurgeInterval time.Duration

	// OnStatusChange, when set, receives every status transition.
	OnStatusChange StatusSink
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.IdleSuffix == "" {
		c.IdleSuffix = DefaultIdleSuffix
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = DefaultMaxTextBytes
	}
	if c.CompletedMaxAge <= 0 {
		c.CompletedMaxAge = DefaultCompletedMaxAge
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	return c
}

// Manager is the canonical in-memory registry of tasks.
// All mutation goes through its methods; a single mutex guards the map and
// every task record behind it.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*state
	cfg   Config
}

// NewManager creates a task manager. Call Start to run the purge sweep.
func NewManager(cfg Config) *Manager {
	return &Manager{
		tasks: make(map[string]*state),
		cfg:   cfg.withDefaults(),
	}
}

// Start launches the periodic sweep that drops finished tasks older than
// CompletedMaxAge from the registry. On-disk artifacts are untouched.
// The sweep stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	log.SafeGo("task.purge", func() {
		ticker := time.NewTicker(m.cfg.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.purgeFinished(time.Now()); n > 0 {
					log.Debug(log.CatTask, "Purged finished tasks", "count", n)
				}
			}
		}
	})
}

// CreateTaskInput names a new task.
type CreateTaskInput struct {
	Title string
	Model string
	Agent Agent
}

// CreateTask registers a new task in working status and returns its ID.
// It never fails: IDs are random and the registry is unbounded.
func (m *Manager) CreateTask(in CreateTaskInput) string {
	now := time.Now()
	t := &state{
		taskID:      NewTaskID(),
		title:       in.Title,
		model:       in.Model,
		agent:       in.Agent,
		status:      StatusWorking,
		createdAt:   now,
		lastEventAt: now,
	}

	m.mu.Lock()
	m.tasks[t.taskID] = t
	m.mu.Unlock()

	log.Info(log.CatTask, "Task created", "taskID", t.taskID, "model", in.Model, "agent", in.Agent)
	return t.taskID
}

// HandleEvent applies one parsed worker event to the task's state machine.
//
// Events on terminal tasks are dropped. Otherwise the event refreshes
// lastEventAt, disarms any pending idle timer, wakes an input_required task
// back to working, and then applies its variant: text appends to the
// bounded buffer and may arm the idle timer, step_finish(stop) completes
// the task, step_start / tool_use / step_finish(tool-calls) keep it
// working.
func (m *Manager) HandleEvent(taskID string, ev event.Event) error {
	now := time.Now()

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.status.IsTerminal() {
		status := t.status
		m.mu.Unlock()
		log.Debug(log.CatTask, "Dropped event for terminal task",
			"taskID", taskID, "status", status, "eventType", ev.Type)
		return nil
	}

	var changes []StatusChange

	if t.sessionID == "" && ev.SessionID != "" {
		t.sessionID = ev.SessionID
	}
	t.lastEventAt = now
	t.disarmIdleLocked()

	if t.status == StatusInputRequired {
		m.setStatusLocked(t, StatusWorking, "", &changes)
	}

	switch ev.Type {
	case event.TypeStepStart, event.TypeToolUse:
		// No state beyond the bookkeeping above.
	case event.TypeText:
		m.appendTextLocked(t, ev.Part.Text)
		t.lastTextEventAt = now
		if endsWith(t.accumulated, m.cfg.IdleSuffix) {
			m.armIdleLocked(t)
		}
	case event.TypeStepFinish:
		t.usage.AddStep(ev)
		if ev.Part.Reason == event.ReasonStop {
			m.setStatusLocked(t, StatusCompleted, "", &changes)
		}
	}
	m.mu.Unlock()

	m.emit(changes)
	return nil
}

// FailTask moves a task to failed with the given message.
// Unknown IDs error; terminal tasks are left untouched.
func (m *Manager) FailTask(taskID, message string) error {
	return m.finish(taskID, StatusFailed, message)
}

// CancelTask moves a task to cancelled.
// Unknown IDs error; terminal tasks are left untouched.
func (m *Manager) CancelTask(taskID string) error {
	return m.finish(taskID, StatusCancelled, cancelledStatusMessage)
}

func (m *Manager) finish(taskID string, status Status, message string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}

	var changes []StatusChange
	t.disarmIdleLocked()
	m.setStatusLocked(t, status, message, &changes)
	m.mu.Unlock()

	m.emit(changes)
	return nil
}

// TaskStatus returns the task's current status.
func (m *Manager) TaskStatus(taskID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return "", ErrTaskNotFound
	}
	return t.status, nil
}

// TaskMetadata returns a defensive copy of the task's metadata projection.
func (m *Manager) TaskMetadata(taskID string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Metadata{}, ErrTaskNotFound
	}
	return t.metadataLocked(), nil
}

// TaskState returns a defensive copy of the full task state, including the
// accumulated text buffer.
func (m *Manager) TaskState(taskID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return t.snapshotLocked(), nil
}

// ListActive returns tasks in working or input_required status,
// newest activity first.
func (m *Manager) ListActive() []Snapshot {
	return m.list(func(t *state) bool { return t.status.IsActive() })
}

// ListAll returns every known task, newest activity first.
func (m *Manager) ListAll() []Snapshot {
	return m.list(func(*state) bool { return true })
}

func (m *Manager) list(keep func(*state) bool) []Snapshot {
	m.mu.Lock()
	var out []Snapshot
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.snapshotLocked())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastEventAt.Equal(out[j].LastEventAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].LastEventAt.After(out[j].LastEventAt)
	})
	return out
}

// Counts returns the number of tasks per status.
func (m *Manager) Counts() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int)
	for _, t := range m.tasks {
		counts[t.status]++
	}
	return counts
}

// RemoveTask drops a task from the registry, disarming any pending timer.
// Returns false if the ID is unknown.
func (m *Manager) RemoveTask(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	t.disarmIdleLocked()
	delete(m.tasks, taskID)
	return true
}

// Cleanup disarms every pending timer and empties the registry.
// Used at shutdown and in tests.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		t.disarmIdleLocked()
	}
	m.tasks = make(map[string]*state)
}

// purgeFinished removes terminal tasks whose terminal transition is older
// than CompletedMaxAge. Returns the number removed.
func (m *Manager) purgeFinished(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.status.IsTerminal() && now.Sub(t.terminalAt) > m.cfg.CompletedMaxAge {
			t.disarmIdleLocked()
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// appendTextLocked appends text to the bounded buffer. On overflow the
// excess is discarded and a one-shot warning recorded on the task.
func (m *Manager) appendTextLocked(t *state, text string) {
	if text == "" {
		return
	}
	room := m.cfg.MaxTextBytes - len(t.accumulated)
	if room <= 0 {
		m.noteTruncatedLocked(t)
		return
	}
	if len(text) > room {
		t.accumulated = append(t.accumulated, text[:room]...)
		m.noteTruncatedLocked(t)
		return
	}
	t.accumulated = append(t.accumulated, text...)
}

func (m *Manager) noteTruncatedLocked(t *state) {
	if t.textTruncated {
		return
	}
	t.textTruncated = true
	log.Warn(log.CatTask, "Accumulated text cap reached, discarding further text",
		"taskID", t.taskID, "capBytes", m.cfg.MaxTextBytes)
}

// armIdleLocked schedules the one-shot idle-input timer.
// Any previously pending timer was disarmed by the caller.
func (m *Manager) armIdleLocked(t *state) {
	taskID := t.taskID
	t.idleTimer = time.AfterFunc(m.cfg.IdleThreshold, func() {
		m.onIdleTimer(taskID)
	})
}

// onIdleTimer fires after IdleThreshold of silence following a trailing
// question. It re-verifies every condition under the lock: the task must
// still be working, the trimmed buffer must still end with the idle suffix,
// and no text can have arrived in the meantime.
func (m *Manager) onIdleTimer(taskID string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if t.status != StatusWorking ||
		!endsWith(t.accumulated, m.cfg.IdleSuffix) ||
		time.Since(t.lastTextEventAt) < m.cfg.IdleThreshold {
		m.mu.Unlock()
		return
	}

	var changes []StatusChange
	t.idleTimer = nil
	m.setStatusLocked(t, StatusInputRequired, idleStatusMessage, &changes)
	m.mu.Unlock()

	m.emit(changes)
}

// setStatusLocked records a transition and queues the change for emission.
// No-op when the status is unchanged.
func (m *Manager) setStatusLocked(t *state, status Status, message string, changes *[]StatusChange) {
	if t.status == status {
		return
	}
	t.status = status
	t.statusMessage = message
	if status.IsTerminal() {
		t.terminalAt = time.Now()
	}
	*changes = append(*changes, StatusChange{TaskID: t.taskID, Status: status, Message: message})
	log.Info(log.CatTask, "Task status changed", "taskID", t.taskID, "status", status, "message", message)
}

// emit delivers queued transitions to the sink outside the lock.
func (m *Manager) emit(changes []StatusChange) {
	if m.cfg.OnStatusChange == nil {
		return
	}
	for _, c := range changes {
		m.cfg.OnStatusChange(c)
	}
}

// endsWith reports whether buf, ignoring trailing whitespace, ends with
// suffix. Avoids copying the buffer, which can be up to MaxTextBytes.
func endsWith(buf []byte, suffix string) bool {
	return bytes.HasSuffix(bytes.TrimRight(buf, " \t\r\n"), []byte(suffix))
}
