package store

import "time"

// sessionsFileVersion is the only schema version the supervisor writes.
const sessionsFileVersion = 1

// PersistedTaskMetadata is the checkpointed task record in <taskId>.json.
// It mirrors the in-memory task minus the accumulated output buffer, and is
// overwritten whole on every checkpoint.
type PersistedTaskMetadata struct {
	TaskID        string    `json:"taskId"`
	SessionID     string    `json:"sessionId"`
	Title         string    `json:"title"`
	Model         string    `json:"model"`
	Agent         string    `json:"agent,omitempty"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastEventAt   time.Time `json:"lastEventAt"`

	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	TotalCostUSD float64 `json:"totalCostUsd,omitempty"`
}

// TaskResult is written once, on the task's terminal transition.
type TaskResult struct {
	TaskID        string    `json:"taskId"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	Output        string    `json:"output"`
	CompletedAt   time.Time `json:"completedAt"`
	DurationMs    int64     `json:"durationMs"`
}

// SessionMapping records which task owns a worker session.
// Duplicate session keys are last-write-wins.
type SessionMapping struct {
	TaskID    string    `json:"taskId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionsFile is the on-disk session→task index.
type SessionsFile struct {
	Version  int                       `json:"version"`
	Mappings map[string]SessionMapping `json:"mappings"`
}
