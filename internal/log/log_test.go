package log

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// resetForTest swaps in a fresh logger writing to the given file.
// The package-level once guard makes Init single-shot, so tests
// construct the logger directly.
func resetForTest(t *testing.T, path string) {
	t.Helper()
	l, err := newLogger(path)
	require.NoError(t, err)
	old := defaultLogger
	defaultLogger = l
	t.Cleanup(func() {
		_ = l.file.Close()
		defaultLogger = old
	})
}

func TestLog_WritesFormattedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	resetForTest(t, path)

	Info(CatTask, "Task created", "taskID", "task_abc", "status", "working")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	require.Contains(t, line, "[INFO]")
	require.Contains(t, line, "[task]")
	require.Contains(t, line, "Task created")
	require.Contains(t, line, "taskID=task_abc")
	require.Contains(t, line, "status=working")
}

func TestLog_OddFieldCountMarksMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	resetForTest(t, path)

	Warn(CatCodec, "Dropped line", "orphan")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "orphan=<missing>")
}

func TestLog_MinLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	resetForTest(t, path)

	SetMinLevel(LevelWarn)
	defer SetMinLevel(LevelDebug)

	Debug(CatPool, "below threshold")
	Error(CatPool, "above threshold")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "below threshold")
	require.Contains(t, string(data), "above threshold")
}

func TestLog_ErrorErrAppendsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	resetForTest(t, path)

	ErrorErr(CatStore, "Write failed", os.ErrPermission, "path", "/x")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "error="+os.ErrPermission.Error())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelInfo, ParseLevel("info"))
	require.Equal(t, LevelWarn, ParseLevel("warn"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel("error"))
	require.Equal(t, LevelDebug, ParseLevel("debug"))
	require.Equal(t, LevelDebug, ParseLevel("garbage"))
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	resetForTest(t, path)

	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo("exploding", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	// The recover handler runs after wg.Done's defer unwinds; give it a beat.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "boom")
	}, time.Second, 10*time.Millisecond)
}
