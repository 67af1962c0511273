package runner

import (
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/store"
	"github.com/zjrosen/ocmcp/internal/task"
)

// CheckpointTask writes the task's metadata checkpoint. Best-effort: a
// failure is logged and in-memory state stays authoritative.
func (r *Runner) CheckpointTask(taskID string) {
	snap, err := r.manager.TaskState(taskID)
	if err != nil {
		log.Debug(log.CatRunner, "Checkpoint for unknown task", "taskID", taskID)
		return
	}
	if err := r.store.SaveTaskMetadata(metadataFromSnapshot(snap)); err != nil {
		log.Warn(log.CatRunner, "Failed to checkpoint task metadata",
			"taskID", taskID, "error", err)
	}
}

// PersistStatusChange is the manager's status sink. Every transition
// refreshes the metadata checkpoint; a terminal transition additionally
// writes the one-shot result record and closes the event log.
func (r *Runner) PersistStatusChange(change task.StatusChange) {
	snap, err := r.manager.TaskState(change.TaskID)
	if err != nil {
		log.Debug(log.CatRunner, "Status change for unknown task", "taskID", change.TaskID)
		return
	}

	if err := r.store.SaveTaskMetadata(metadataFromSnapshot(snap)); err != nil {
		log.Warn(log.CatRunner, "Failed to checkpoint task metadata",
			"taskID", change.TaskID, "error", err)
	}

	if !change.Status.IsTerminal() {
		return
	}

	now := time.Now()
	res := store.TaskResult{
		TaskID:        snap.TaskID,
		Status:        string(snap.Status),
		StatusMessage: snap.StatusMessage,
		Output:        snap.AccumulatedText,
		CompletedAt:   now,
		DurationMs:    now.Sub(snap.CreatedAt).Milliseconds(),
	}
	if err := r.store.SaveResult(res); err != nil {
		log.Warn(log.CatRunner, "Failed to save task result",
			"taskID", change.TaskID, "error", err)
	}
	if err := r.store.CloseEventLog(change.TaskID); err != nil {
		log.Debug(log.CatRunner, "Closing event log", "taskID", change.TaskID, "error", err)
	}
}

func metadataFromSnapshot(snap task.Snapshot) store.PersistedTaskMetadata {
	return store.PersistedTaskMetadata{
		TaskID:        snap.TaskID,
		SessionID:     snap.SessionID,
		Title:         snap.Title,
		Model:         snap.Model,
		Agent:         string(snap.Agent),
		Status:        string(snap.Status),
		StatusMessage: snap.StatusMessage,
		CreatedAt:     snap.CreatedAt,
		LastEventAt:   snap.LastEventAt,
		InputTokens:   snap.Usage.InputTokens,
		OutputTokens:  snap.Usage.OutputTokens,
		TotalCostUSD:  snap.Usage.TotalCostUSD,
	}
}
