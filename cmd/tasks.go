package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ocmcp/internal/archive"
	"github.com/zjrosen/ocmcp/internal/store"
	"github.com/zjrosen/ocmcp/internal/task"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect persisted task artifacts",
	Long: `Inspect the supervisor's on-disk records without a running server:
checkpointed metadata, per-task event logs, result records and the history
database. Output is JSON for piping into jq.`,
}

var (
	tasksListLimit int
	historyLimit   int
	purgeOlderThan time.Duration
	purgeHistory   bool
	showOutput     bool
)

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpointed tasks, most recently active first",
	RunE: func(_ *cobra.Command, _ []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		metas, err := loadAllMetadata(st)
		if err != nil {
			return err
		}
		sort.Slice(metas, func(i, j int) bool {
			return metas[i].LastEventAt.After(metas[j].LastEventAt)
		})
		if len(metas) > tasksListLimit {
			metas = metas[:tasksListLimit]
		}
		return printJSON(metas)
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <taskId>",
	Short: "Show one task's checkpoint and result record",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		meta, err := st.LoadTaskMetadata(args[0])
		if err != nil {
			return fmt.Errorf("reading checkpoint for %s: %w", args[0], err)
		}
		if meta == nil {
			return fmt.Errorf("no checkpoint for %s", args[0])
		}
		// Result records only exist for finished tasks; a missing one is fine.
		res, err := st.LoadResult(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: result unreadable for %s: %v\n", args[0], err)
			res = nil
		}
		if !showOutput && res != nil {
			res.Output = fmt.Sprintf("(%d bytes; rerun with --output)", len(res.Output))
		}
		return printJSON(struct {
			Metadata *store.PersistedTaskMetadata `json:"metadata"`
			Result   *store.TaskResult            `json:"result"`
		}{meta, res})
	},
}

var tasksEventsCmd = &cobra.Command{
	Use:   "events <taskId>",
	Short: "Print a task's event log as NDJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		events, err := st.LoadEvents(args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s\n", ev.Raw)
		}
		return nil
	},
}

// historyEntry is one archived run as printed by tasks history.
type historyEntry struct {
	TaskID          string  `json:"taskId"`
	Title           string  `json:"title"`
	Model           string  `json:"model"`
	Agent           string  `json:"agent,omitempty"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"statusMessage,omitempty"`
	InputTokens     int     `json:"inputTokens"`
	OutputTokens    int     `json:"outputTokens"`
	ReasoningTokens int     `json:"reasoningTokens"`
	CostUSD         float64 `json:"costUsd"`
	CreatedAt       string  `json:"createdAt"`
	EndedAt         string  `json:"endedAt"`
	DurationMs      int64   `json:"durationMs"`
}

var tasksHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived task runs, most recently ended first",
	RunE: func(_ *cobra.Command, _ []string) error {
		arc, err := openArchiveIfPresent()
		if err != nil {
			return err
		}
		if arc == nil {
			return printJSON([]historyEntry{})
		}
		defer func() { _ = arc.Close() }()

		recs, err := arc.Recent(historyLimit)
		if err != nil {
			return err
		}
		entries := make([]historyEntry, len(recs))
		for i, r := range recs {
			entries[i] = historyEntry{
				TaskID:          r.TaskID,
				Title:           r.Title,
				Model:           r.Model,
				Agent:           r.Agent,
				Status:          r.Status,
				StatusMessage:   r.StatusMessage,
				InputTokens:     r.InputTokens,
				OutputTokens:    r.OutputTokens,
				ReasoningTokens: r.ReasoningTokens,
				CostUSD:         r.CostUSD,
				CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
				EndedAt:         r.EndedAt.UTC().Format(time.RFC3339),
				DurationMs:      r.Duration.Milliseconds(),
			}
		}
		return printJSON(entries)
	},
}

var tasksPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete on-disk artifacts of old finished tasks",
	Long: `Delete checkpoint, event log and result files for terminal tasks whose
last activity is older than --older-than. Active tasks are never touched.
With --history, matching rows are also removed from the history database.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-purgeOlderThan)
		metas, err := loadAllMetadata(st)
		if err != nil {
			return err
		}

		removed := 0
		for _, meta := range metas {
			if !purgeEligible(meta, cutoff) {
				continue
			}
			if err := st.DeleteTask(meta.TaskID); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %s: %v\n", meta.TaskID, err)
				continue
			}
			removed++
		}
		fmt.Printf("Removed %d task(s) older than %s\n", removed, purgeOlderThan)

		if !purgeHistory {
			return nil
		}
		arc, err := openArchiveIfPresent()
		if err != nil {
			return err
		}
		if arc == nil {
			return nil
		}
		defer func() { _ = arc.Close() }()

		n, err := arc.PurgeOlderThan(cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d history record(s)\n", n)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().IntVar(&tasksListLimit, "limit", 20, "maximum number of tasks to print")
	tasksShowCmd.Flags().BoolVar(&showOutput, "output", false, "include the full accumulated output text")
	tasksHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of records to print")
	tasksPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "age threshold for deletion")
	tasksPurgeCmd.Flags().BoolVar(&purgeHistory, "history", false, "also purge matching history database rows")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksEventsCmd)
	tasksCmd.AddCommand(tasksHistoryCmd)
	tasksCmd.AddCommand(tasksPurgeCmd)
	rootCmd.AddCommand(tasksCmd)
}

// openStore opens the persistence root for offline reads. Missing
// directories read as empty; nothing is created.
func openStore() (*store.Store, error) {
	baseDir, err := resolveBaseDir(cfg)
	if err != nil {
		return nil, err
	}
	return store.New(baseDir), nil
}

// openArchiveIfPresent opens the history database only when the file
// already exists, so inspection commands never create an empty one.
func openArchiveIfPresent() (*archive.Archive, error) {
	baseDir, err := resolveBaseDir(cfg)
	if err != nil {
		return nil, err
	}
	path := effectiveArchivePath(cfg, baseDir)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return archive.Open(path)
}

// loadAllMetadata reads every checkpoint under the tasks dir. Unreadable
// files are skipped with a warning; one corrupt checkpoint should not hide
// the rest.
func loadAllMetadata(st *store.Store) ([]store.PersistedTaskMetadata, error) {
	ids, err := st.ListTasks()
	if err != nil {
		return nil, err
	}
	metas := make([]store.PersistedTaskMetadata, 0, len(ids))
	for _, id := range ids {
		meta, err := st.LoadTaskMetadata(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", id, err)
			continue
		}
		if meta == nil {
			// Event log without a checkpoint; nothing to project.
			continue
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// purgeEligible reports whether a checkpoint is old enough and finished.
func purgeEligible(meta store.PersistedTaskMetadata, cutoff time.Time) bool {
	return task.Status(meta.Status).IsTerminal() && meta.LastEventAt.Before(cutoff)
}

// printJSON renders v indented on stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
