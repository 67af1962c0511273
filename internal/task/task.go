package task

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/ocmcp/internal/metrics"
)

// taskIDPrefix tags every identifier this supervisor allocates, so task IDs
// are distinguishable from the worker's own session IDs in logs and on disk.
const taskIDPrefix = "task_"

// NewTaskID allocates a fresh task identifier: the constant prefix followed
// by 24 hex characters drawn from a random UUID.
func NewTaskID() string {
	u := uuid.New()
	return taskIDPrefix + hex.EncodeToString(u[:12])
}

// state is the manager-owned mutable record for one task.
// All fields are guarded by the manager's mutex.
type state struct {
	taskID    string
	sessionID string
	title     string
	model     string
	agent     Agent

	status        Status
	statusMessage string

	createdAt       time.Time
	lastEventAt     time.Time
	lastTextEventAt time.Time
	terminalAt      time.Time

	accumulated   []byte
	textTruncated bool

	usage metrics.Usage

	idleTimer *time.Timer
}

// disarmIdleLocked stops any pending idle-input timer.
// Caller holds the manager mutex.
func (t *state) disarmIdleLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

// Snapshot is a defensive copy of a task's externally visible state.
type Snapshot struct {
	TaskID        string    `json:"taskId"`
	SessionID     string    `json:"sessionId"`
	Title         string    `json:"title"`
	Model         string    `json:"model"`
	Agent         Agent     `json:"agent,omitempty"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastEventAt   time.Time `json:"lastEventAt"`

	LastTextEventAt time.Time     `json:"lastTextEventAt,omitzero"`
	AccumulatedText string        `json:"accumulatedText"`
	TextTruncated   bool          `json:"textTruncated,omitempty"`
	Usage           metrics.Usage `json:"usage,omitzero"`
}

// Metadata is the lightweight projection used by listings and persistence
// checkpoints: everything in Snapshot except the accumulated output buffer.
type Metadata struct {
	TaskID        string    `json:"taskId"`
	SessionID     string    `json:"sessionId"`
	Title         string    `json:"title"`
	Model         string    `json:"model"`
	Agent         Agent     `json:"agent,omitempty"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastEventAt   time.Time `json:"lastEventAt"`

	Usage metrics.Usage `json:"usage,omitzero"`
}

func (t *state) snapshotLocked() Snapshot {
	return Snapshot{
		TaskID:          t.taskID,
		SessionID:       t.sessionID,
		Title:           t.title,
		Model:           t.model,
		Agent:           t.agent,
		Status:          t.status,
		StatusMessage:   t.statusMessage,
		CreatedAt:       t.createdAt,
		LastEventAt:     t.lastEventAt,
		LastTextEventAt: t.lastTextEventAt,
		AccumulatedText: string(t.accumulated),
		TextTruncated:   t.textTruncated,
		Usage:           t.usage,
	}
}

func (t *state) metadataLocked() Metadata {
	return Metadata{
		TaskID:        t.taskID,
		SessionID:     t.sessionID,
		Title:         t.title,
		Model:         t.model,
		Agent:         t.agent,
		Status:        t.status,
		StatusMessage: t.statusMessage,
		CreatedAt:     t.createdAt,
		LastEventAt:   t.lastEventAt,
		Usage:         t.usage,
	}
}

// StatusChange describes one externally visible status transition.
type StatusChange struct {
	TaskID  string
	Status  Status
	Message string
}

// StatusSink receives status transitions. The manager invokes it after
// releasing its mutex, exactly once per transition, in transition order for
// a given call. Sinks must return promptly; slow side effects belong on
// their own goroutine.
type StatusSink func(change StatusChange)
