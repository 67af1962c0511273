package archive

import (
	"sync/atomic"
	"time"

	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/task"
)

// Recorder turns terminal status changes into history records. A write
// failure disables archiving for the rest of the session so a broken disk
// cannot stall task completion.
type Recorder struct {
	archive  *Archive
	lookup   func(taskID string) (task.Metadata, error)
	disabled atomic.Bool
}

// NewRecorder wires an archive to a metadata lookup, typically
// Manager.TaskMetadata.
func NewRecorder(a *Archive, lookup func(taskID string) (task.Metadata, error)) *Recorder {
	return &Recorder{archive: a, lookup: lookup}
}

// StatusChanged archives the run when it reaches a terminal status.
// Non-terminal transitions are ignored.
func (r *Recorder) StatusChanged(change task.StatusChange) {
	if r.archive == nil || r.disabled.Load() {
		return
	}
	if !change.Status.IsTerminal() {
		return
	}

	meta, err := r.lookup(change.TaskID)
	if err != nil {
		log.Warn(log.CatArchive, "Task metadata unavailable; skipping history record",
			"taskID", change.TaskID, "error", err.Error())
		return
	}

	endedAt := time.Now()
	rec := Record{
		TaskID:          change.TaskID,
		Title:           meta.Title,
		Model:           meta.Model,
		Agent:           string(meta.Agent),
		Status:          string(change.Status),
		StatusMessage:   change.Message,
		InputTokens:     meta.Usage.InputTokens,
		OutputTokens:    meta.Usage.OutputTokens,
		ReasoningTokens: meta.Usage.ReasoningTokens,
		CostUSD:         meta.Usage.TotalCostUSD,
		CreatedAt:       meta.CreatedAt,
		EndedAt:         endedAt,
		Duration:        endedAt.Sub(meta.CreatedAt),
	}

	if err := r.archive.Save(rec); err != nil {
		r.disabled.Store(true)
		log.ErrorErr(log.CatArchive, "History insert failed; archiving disabled for this session", err,
			"taskID", change.TaskID)
		return
	}
	log.Debug(log.CatArchive, "Task archived",
		"taskID", change.TaskID, "status", string(change.Status))
}
