package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, bufferSize int, flushInterval time.Duration) (*BufferedWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	return NewBufferedWriterWithConfig(f, bufferSize, flushInterval), path
}

func TestBufferedWriter_TickerFlush(t *testing.T) {
	w, path := newTestWriter(t, 100, 10*time.Millisecond)
	defer w.Close()

	require.NoError(t, w.Write([]byte("line one\n")))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == "line one\n"
	}, 2*time.Second, 5*time.Millisecond, "background ticker should flush the buffer")
}

func TestBufferedWriter_ThresholdFlushesInline(t *testing.T) {
	// Threshold for size 4 is 3 lines; keep the ticker effectively off.
	w, path := newTestWriter(t, 4, time.Hour)
	defer w.Close()

	require.NoError(t, w.Write([]byte("a\n")))
	require.NoError(t, w.Write([]byte("b\n")))
	data, _ := os.ReadFile(path)
	require.Empty(t, data, "below the threshold nothing is on disk yet")

	require.NoError(t, w.Write([]byte("c\n")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "a\nb\nc\n", string(data))
	require.Zero(t, w.Len())
}

func TestBufferedWriter_CloseDrains(t *testing.T) {
	w, path := newTestWriter(t, 100, time.Hour)

	require.NoError(t, w.Write([]byte("pending\n")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "pending\n", string(data))

	require.ErrorIs(t, w.Write([]byte("late\n")), os.ErrClosed)
	require.ErrorIs(t, w.Close(), os.ErrClosed)
}

func TestBufferedWriter_WriteCopiesData(t *testing.T) {
	w, path := newTestWriter(t, 100, time.Hour)
	defer w.Close()

	buf := []byte("original\n")
	require.NoError(t, w.Write(buf))
	copy(buf, []byte("clobbere"))

	require.NoError(t, w.Flush())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "original\n", string(data), "writer must not alias the caller's slice")
}

func TestBufferedWriter_TracksWriteErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	w := NewBufferedWriterWithConfig(f, 100, time.Hour)

	// Sabotage the fd so flushes fail.
	require.NoError(t, f.Close())

	require.NoError(t, w.Write([]byte("doomed\n")))
	require.Error(t, w.Flush())
	require.Equal(t, int64(1), w.ErrorCount())
	require.Error(t, w.LastError())

	_ = w.Close()
}
