// Package store is the durable record of every task: checkpointed metadata,
// an append-only event log per task, a one-shot result record, and the
// session→task index. In-memory state stays authoritative while the
// supervisor runs; this layer exists for inspection and crash recovery.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zjrosen/ocmcp/internal/event"
	"github.com/zjrosen/ocmcp/internal/log"
)

const (
	tasksDirName     = "tasks"
	sessionsFileName = "sessions.json"

	metadataSuffix = ".json"
	eventLogSuffix = ".output.jsonl"
	resultSuffix   = ".result.json"

	// sessionCacheSize bounds the in-memory session→task lookup cache.
	sessionCacheSize = 512
)

// DefaultBaseDir returns the per-user persistence root, ~/.opencode-mcp.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".opencode-mcp"), nil
}

// Store persists task artifacts under a base directory.
//
// Per-task files never share writers, so event logs cannot interleave.
// sessions.json is shared by all tasks; its read-modify-write cycle is
// serialized through a single mutex.
type Store struct {
	baseDir  string
	tasksDir string

	sessionsMu sync.Mutex

	writersMu sync.Mutex
	writers   map[string]*BufferedWriter

	// sessionCache short-circuits repeated session→task lookups so the
	// respond path does not reread sessions.json on every call.
	sessionCache *lru.Cache[string, string]
}

// New creates a store rooted at baseDir. Call Init before first use.
func New(baseDir string) *Store {
	cache, _ := lru.New[string, string](sessionCacheSize)
	return &Store{
		baseDir:      baseDir,
		tasksDir:     filepath.Join(baseDir, tasksDirName),
		writers:      make(map[string]*BufferedWriter),
		sessionCache: cache,
	}
}

// Init creates the directory layout and an empty sessions.json if absent.
// Idempotent.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.tasksDir, 0o700); err != nil {
		return fmt.Errorf("creating tasks directory: %w", err)
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	path := filepath.Join(s.baseDir, sessionsFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking sessions file: %w", err)
	}
	return s.writeSessionsLocked(SessionsFile{Version: sessionsFileVersion, Mappings: map[string]SessionMapping{}})
}

// BaseDir returns the persistence root.
func (s *Store) BaseDir() string { return s.baseDir }

// TasksDir returns the per-task artifact directory.
func (s *Store) TasksDir() string { return s.tasksDir }

// ============================================================================
// Task metadata
// ============================================================================

// SaveTaskMetadata overwrites <taskId>.json with the given checkpoint.
func (s *Store) SaveTaskMetadata(meta PersistedTaskMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling task metadata: %w", err)
	}
	path := filepath.Join(s.tasksDir, meta.TaskID+metadataSuffix)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing task metadata: %w", err)
	}
	return nil
}

// LoadTaskMetadata reads <taskId>.json. A missing file returns (nil, nil);
// any other failure is an error.
func (s *Store) LoadTaskMetadata(taskID string) (*PersistedTaskMetadata, error) {
	path := filepath.Join(s.tasksDir, taskID+metadataSuffix)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is rooted in our tasks dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading task metadata: %w", err)
	}
	var meta PersistedTaskMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshaling task metadata: %w", err)
	}
	return &meta, nil
}

// ============================================================================
// Event log
// ============================================================================

// AppendEvent appends one raw event line to <taskId>.output.jsonl.
// The write is buffered; each line reaches the file in a single write call
// so lines never interleave.
func (s *Store) AppendEvent(taskID string, raw []byte) error {
	w, err := s.writerFor(taskID)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(raw)+1)
	line = append(line, raw...)
	line = append(line, '\n')
	return w.Write(line)
}

// FlushEvents forces the task's buffered event log to disk.
func (s *Store) FlushEvents(taskID string) error {
	s.writersMu.Lock()
	w, ok := s.writers[taskID]
	s.writersMu.Unlock()
	if !ok {
		return nil
	}
	return w.Flush()
}

// CloseEventLog flushes and closes the task's event log writer.
// Safe to call for tasks that never logged an event.
func (s *Store) CloseEventLog(taskID string) error {
	s.writersMu.Lock()
	w, ok := s.writers[taskID]
	if ok {
		delete(s.writers, taskID)
	}
	s.writersMu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// LoadEvents replays <taskId>.output.jsonl. Unparseable lines are skipped
// with a warning; a missing file yields an empty slice.
func (s *Store) LoadEvents(taskID string) ([]event.Event, error) {
	_ = s.FlushEvents(taskID)

	path := filepath.Join(s.tasksDir, taskID+eventLogSuffix)
	f, err := os.Open(path) //nolint:gosec // G304: path is rooted in our tasks dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	var events []event.Event
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := event.Parse(line)
		if err != nil {
			log.Warn(log.CatStore, "Skipping unparseable event log line",
				"taskID", taskID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scanning event log: %w", err)
	}
	return events, nil
}

// newLineScanner sizes a scanner for event-log lines (64KB initial, 1MB max).
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return scanner
}

// writerFor lazily opens the task's append-only event log.
func (s *Store) writerFor(taskID string) (*BufferedWriter, error) {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()

	if w, ok := s.writers[taskID]; ok {
		return w, nil
	}
	path := filepath.Join(s.tasksDir, taskID+eventLogSuffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path is rooted in our tasks dir
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	w := NewBufferedWriter(f)
	s.writers[taskID] = w
	return w, nil
}

// ============================================================================
// Result records
// ============================================================================

// SaveResult writes <taskId>.result.json. Called once per task, on its
// terminal transition.
func (s *Store) SaveResult(res TaskResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling task result: %w", err)
	}
	path := filepath.Join(s.tasksDir, res.TaskID+resultSuffix)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing task result: %w", err)
	}
	return nil
}

// LoadResult reads <taskId>.result.json. A missing file returns (nil, nil).
func (s *Store) LoadResult(taskID string) (*TaskResult, error) {
	path := filepath.Join(s.tasksDir, taskID+resultSuffix)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is rooted in our tasks dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading task result: %w", err)
	}
	var res TaskResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshaling task result: %w", err)
	}
	return &res, nil
}

// ============================================================================
// Directory listing and deletion
// ============================================================================

// ListTasks returns every task ID with at least one artifact file, sorted.
func (s *Store) ListTasks() ([]string, error) {
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tasks directory: %w", err)
	}

	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		// Order matters: ".output.jsonl" and ".result.json" both also end
		// in the plain metadata suffix.
		var id string
		switch {
		case strings.HasSuffix(name, eventLogSuffix):
			id = strings.TrimSuffix(name, eventLogSuffix)
		case strings.HasSuffix(name, resultSuffix):
			id = strings.TrimSuffix(name, resultSuffix)
		case strings.HasSuffix(name, metadataSuffix):
			id = strings.TrimSuffix(name, metadataSuffix)
		default:
			continue
		}
		if id != "" {
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteTask removes all three artifact files for a task.
// Missing files are fine; the first real error wins.
func (s *Store) DeleteTask(taskID string) error {
	_ = s.CloseEventLog(taskID)

	var firstErr error
	for _, suffix := range []string{metadataSuffix, eventLogSuffix, resultSuffix} {
		path := filepath.Join(s.tasksDir, taskID+suffix)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("removing %s: %w", filepath.Base(path), err)
			}
		}
	}
	return firstErr
}

// Close flushes and closes every open event log writer.
func (s *Store) Close() error {
	s.writersMu.Lock()
	writers := s.writers
	s.writers = make(map[string]*BufferedWriter)
	s.writersMu.Unlock()

	var firstErr error
	for taskID, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing event log for %s: %w", taskID, err)
		}
	}
	return firstErr
}

// ============================================================================
// Session index
// ============================================================================

// SaveSessionMapping records sessionID→taskID in sessions.json.
// Duplicate keys are last-write-wins.
func (s *Store) SaveSessionMapping(sessionID, taskID string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	file := s.loadSessionsLocked()
	file.Mappings[sessionID] = SessionMapping{TaskID: taskID, CreatedAt: time.Now()}
	if err := s.writeSessionsLocked(file); err != nil {
		return err
	}
	s.sessionCache.Add(sessionID, taskID)
	return nil
}

// TaskIDBySession resolves a worker session to its owning task.
func (s *Store) TaskIDBySession(sessionID string) (string, bool) {
	if taskID, ok := s.sessionCache.Get(sessionID); ok {
		return taskID, true
	}

	s.sessionsMu.Lock()
	file := s.loadSessionsLocked()
	s.sessionsMu.Unlock()

	mapping, ok := file.Mappings[sessionID]
	if !ok {
		return "", false
	}
	s.sessionCache.Add(sessionID, mapping.TaskID)
	return mapping.TaskID, true
}

// RemoveSessionMapping drops a session from the index. Unknown sessions
// are a no-op.
func (s *Store) RemoveSessionMapping(sessionID string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	file := s.loadSessionsLocked()
	if _, ok := file.Mappings[sessionID]; !ok {
		return nil
	}
	delete(file.Mappings, sessionID)
	if err := s.writeSessionsLocked(file); err != nil {
		return err
	}
	s.sessionCache.Remove(sessionID)
	return nil
}

// loadSessionsLocked reads sessions.json, tolerating absence and
// corruption: either way the caller gets a usable (possibly empty) index.
// Caller holds sessionsMu.
func (s *Store) loadSessionsLocked() SessionsFile {
	fresh := SessionsFile{Version: sessionsFileVersion, Mappings: map[string]SessionMapping{}}

	path := filepath.Join(s.baseDir, sessionsFileName)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is rooted in our base dir
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn(log.CatStore, "Failed to read sessions file, starting empty", "error", err)
		}
		return fresh
	}

	var file SessionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Warn(log.CatStore, "Corrupt sessions file, starting empty", "error", err)
		return fresh
	}
	if file.Mappings == nil {
		file.Mappings = map[string]SessionMapping{}
	}
	file.Version = sessionsFileVersion
	return file
}

// writeSessionsLocked writes sessions.json atomically via temp-and-rename,
// so a crash mid-write cannot corrupt the index. Caller holds sessionsMu.
func (s *Store) writeSessionsLocked(file SessionsFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sessions file: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp sessions file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp sessions file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp sessions file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp sessions file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.baseDir, sessionsFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming sessions file: %w", err)
	}
	return nil
}
