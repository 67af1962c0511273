package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMetadata(taskID string) PersistedTaskMetadata {
	return PersistedTaskMetadata{
		TaskID:      taskID,
		SessionID:   "ses_abc",
		Title:       "Fix flaky test",
		Model:       "anthropic/claude-sonnet-4-5",
		Agent:       "build",
		Status:      "working",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		LastEventAt: time.Now().UTC().Truncate(time.Second),
	}
}

func rawEvent(i int) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"text","timestamp":%d,"sessionID":"ses_abc","part":{"id":"prt_%d","text":"chunk %d"}}`,
		time.Now().UnixMilli(), i, i))
}

func TestInit_Idempotent(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	require.NoError(t, s.Init())
	require.NoError(t, s.Init())

	data, err := os.ReadFile(filepath.Join(base, "sessions.json"))
	require.NoError(t, err)

	var file SessionsFile
	require.NoError(t, json.Unmarshal(data, &file))
	require.Equal(t, 1, file.Version)
	require.Empty(t, file.Mappings)
}

func TestInit_PreservesExistingSessions(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	require.NoError(t, s.Init())
	require.NoError(t, s.SaveSessionMapping("ses_keep", "task_1"))

	// A second instance on the same directory must not blank the index.
	s2 := New(base)
	require.NoError(t, s2.Init())
	taskID, ok := s2.TaskIDBySession("ses_keep")
	require.True(t, ok)
	require.Equal(t, "task_1", taskID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	require.NoError(t, s.Init())

	meta := sampleMetadata("task_aaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, s.SaveTaskMetadata(meta))

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.AppendEvent(meta.TaskID, rawEvent(i)))
	}

	res := TaskResult{
		TaskID:      meta.TaskID,
		Status:      "completed",
		Output:      "all done",
		CompletedAt: time.Now().UTC().Truncate(time.Second),
		DurationMs:  1234,
	}
	require.NoError(t, s.SaveResult(res))
	require.NoError(t, s.Close())

	// A fresh instance over the same directory sees everything.
	s2 := New(base)
	require.NoError(t, s2.Init())
	defer s2.Close()

	gotMeta, err := s2.LoadTaskMetadata(meta.TaskID)
	require.NoError(t, err)
	require.NotNil(t, gotMeta)
	require.Equal(t, meta, *gotMeta)

	events, err := s2.LoadEvents(meta.TaskID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		require.Equal(t, fmt.Sprintf("chunk %d", i+1), ev.Part.Text)
	}

	gotRes, err := s2.LoadResult(meta.TaskID)
	require.NoError(t, err)
	require.NotNil(t, gotRes)
	require.Equal(t, res, *gotRes)

	ids, err := s2.ListTasks()
	require.NoError(t, err)
	require.Equal(t, []string{meta.TaskID}, ids, "three artifact files, one task ID")
}

func TestLoadTaskMetadata_MissingIsNil(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.LoadTaskMetadata("task_nope")
	require.NoError(t, err)
	require.Nil(t, meta)

	res, err := s.LoadResult("task_nope")
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestLoadEvents_SkipsBadLines(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendEvent("task_x", rawEvent(1)))
	require.NoError(t, s.AppendEvent("task_x", []byte("{not json")))
	require.NoError(t, s.AppendEvent("task_x", rawEvent(2)))

	events, err := s.LoadEvents("task_x")
	require.NoError(t, err)
	require.Len(t, events, 2, "the corrupt line is skipped, its neighbors survive")
}

func TestLoadEvents_MissingLogIsEmpty(t *testing.T) {
	s := newTestStore(t)
	events, err := s.LoadEvents("task_never_ran")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestAppendEvent_ConcurrentTasksDoNotInterleave(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	errCh := make(chan error, 4*50)
	for i := 0; i < 4; i++ {
		taskID := fmt.Sprintf("task_%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := s.AppendEvent(taskID, rawEvent(j)); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		events, err := s.LoadEvents(fmt.Sprintf("task_%d", i))
		require.NoError(t, err)
		require.Len(t, events, 50)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)

	meta := sampleMetadata("task_gone")
	require.NoError(t, s.SaveTaskMetadata(meta))
	require.NoError(t, s.AppendEvent(meta.TaskID, rawEvent(1)))
	require.NoError(t, s.SaveResult(TaskResult{TaskID: meta.TaskID, Status: "completed"}))

	require.NoError(t, s.DeleteTask(meta.TaskID))

	ids, err := s.ListTasks()
	require.NoError(t, err)
	require.Empty(t, ids)

	// Deleting again tolerates the missing files.
	require.NoError(t, s.DeleteTask(meta.TaskID))
}

func TestListTasks_EmptyDir(t *testing.T) {
	s := newTestStore(t)
	ids, err := s.ListTasks()
	require.NoError(t, err)
	require.Empty(t, ids)
}

// ============================================================================
// Session index
// ============================================================================

func TestSessionMapping_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSessionMapping("ses_1", "task_1"))
	require.NoError(t, s.SaveSessionMapping("ses_2", "task_2"))

	taskID, ok := s.TaskIDBySession("ses_1")
	require.True(t, ok)
	require.Equal(t, "task_1", taskID)

	_, ok = s.TaskIDBySession("ses_unknown")
	require.False(t, ok)
}

func TestSessionMapping_LastWriteWins(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSessionMapping("ses_dup", "task_old"))
	require.NoError(t, s.SaveSessionMapping("ses_dup", "task_new"))

	taskID, ok := s.TaskIDBySession("ses_dup")
	require.True(t, ok)
	require.Equal(t, "task_new", taskID)
}

func TestSessionMapping_Remove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSessionMapping("ses_rm", "task_rm"))
	require.NoError(t, s.RemoveSessionMapping("ses_rm"))

	_, ok := s.TaskIDBySession("ses_rm")
	require.False(t, ok)

	// Removing an unknown session is a no-op.
	require.NoError(t, s.RemoveSessionMapping("ses_rm"))
}

func TestSessionMapping_ConcurrentWritersLoseNothing(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SaveSessionMapping(fmt.Sprintf("ses_%d", i), fmt.Sprintf("task_%d", i)); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// Read through a fresh instance so the LRU cache cannot mask lost writes.
	s2 := New(s.BaseDir())
	require.NoError(t, s2.Init())
	for i := 0; i < 20; i++ {
		taskID, ok := s2.TaskIDBySession(fmt.Sprintf("ses_%d", i))
		require.True(t, ok, "mapping ses_%d must survive concurrent writes", i)
		require.Equal(t, fmt.Sprintf("task_%d", i), taskID)
	}
}

func TestSessionsFile_CorruptFileStartsEmpty(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	require.NoError(t, s.Init())
	require.NoError(t, os.WriteFile(filepath.Join(base, "sessions.json"), []byte("{{{"), 0o600))

	_, ok := s.TaskIDBySession("ses_any")
	require.False(t, ok)

	// The next write repairs the file.
	require.NoError(t, s.SaveSessionMapping("ses_new", "task_new"))
	taskID, ok := s.TaskIDBySession("ses_new")
	require.True(t, ok)
	require.Equal(t, "task_new", taskID)
}

// ============================================================================
// Properties
// ============================================================================

// TestProperty_SaveLoadDeleteConsistency drives random metadata, result and
// delete sequences against an in-memory model of the directory.
func TestProperty_SaveLoadDeleteConsistency(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New(t.TempDir())
		require.NoError(rt, s.Init())
		defer s.Close()

		ids := []string{"task_alpha", "task_beta", "task_gamma"}
		metas := map[string]PersistedTaskMetadata{}
		results := map[string]TaskResult{}

		numOps := rapid.IntRange(1, 25).Draw(rt, "numOps")
		for i := 0; i < numOps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, fmt.Sprintf("id-%d", i))
			op := rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("op-%d", i))
			switch op {
			case 0:
				meta := sampleMetadata(id)
				meta.Status = rapid.SampledFrom([]string{"working", "completed", "failed"}).Draw(rt, fmt.Sprintf("status-%d", i))
				require.NoError(rt, s.SaveTaskMetadata(meta))
				metas[id] = meta
			case 1:
				res := TaskResult{
					TaskID:      id,
					Status:      "completed",
					Output:      fmt.Sprintf("output %d", i),
					CompletedAt: time.Now().UTC().Truncate(time.Second),
					DurationMs:  int64(i),
				}
				require.NoError(rt, s.SaveResult(res))
				results[id] = res
			case 2:
				require.NoError(rt, s.DeleteTask(id))
				delete(metas, id)
				delete(results, id)
			case 3:
				got, err := s.LoadTaskMetadata(id)
				require.NoError(rt, err)
				if want, ok := metas[id]; ok {
					require.NotNil(rt, got)
					require.Equal(rt, want, *got)
				} else {
					require.Nil(rt, got)
				}
			}
		}

		// The directory agrees with the model: every surviving artifact is
		// listed, nothing else is, and contents match the last write.
		listed, err := s.ListTasks()
		require.NoError(rt, err)
		want := map[string]struct{}{}
		for id := range metas {
			want[id] = struct{}{}
		}
		for id := range results {
			want[id] = struct{}{}
		}
		require.Len(rt, listed, len(want))
		for _, id := range listed {
			_, ok := want[id]
			require.True(rt, ok, "unexpected id %s on disk", id)
		}
		for id, meta := range metas {
			got, err := s.LoadTaskMetadata(id)
			require.NoError(rt, err)
			require.NotNil(rt, got)
			require.Equal(rt, meta, *got)
		}
		for id, res := range results {
			got, err := s.LoadResult(id)
			require.NoError(rt, err)
			require.NotNil(rt, got)
			require.Equal(rt, res, *got)
		}
	})
}
