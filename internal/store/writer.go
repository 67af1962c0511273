package store

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the ring buffer capacity in lines.
	DefaultBufferSize = 256

	// DefaultFlushInterval is how often the background goroutine flushes.
	DefaultFlushInterval = 100 * time.Millisecond

	// FlushThresholdPercent is the fill percentage that triggers an
	// immediate flush instead of waiting for the ticker.
	FlushThresholdPercent = 75
)

// BufferedWriter decouples event-log appends from disk I/O.
//
// Appends land in a ring buffer; a background goroutine flushes it every
// DefaultFlushInterval, and a write that fills the buffer past
// FlushThresholdPercent flushes inline. Write errors never panic; they are
// counted and the most recent one retained for diagnostics.
type BufferedWriter struct {
	file *os.File

	buffer         [][]byte
	bufferSize     int
	flushThreshold int
	flushInterval  time.Duration

	mu sync.Mutex

	writeErrors atomic.Int64
	lastError   atomic.Value

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewBufferedWriter starts a writer over an already opened file.
// The writer owns the file from here on; Close closes it.
func NewBufferedWriter(file *os.File) *BufferedWriter {
	return NewBufferedWriterWithConfig(file, DefaultBufferSize, DefaultFlushInterval)
}

// NewBufferedWriterWithConfig is NewBufferedWriter with custom buffer size
// and flush interval, for tests and tuning.
func NewBufferedWriterWithConfig(file *os.File, bufferSize int, flushInterval time.Duration) *BufferedWriter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	w := &BufferedWriter{
		file:           file,
		buffer:         make([][]byte, 0, bufferSize),
		bufferSize:     bufferSize,
		flushThreshold: (bufferSize * FlushThresholdPercent) / 100,
		flushInterval:  flushInterval,
		done:           make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w
}

// Write buffers one line. The data is copied, so callers may reuse the
// slice. Crossing the flush threshold flushes inline.
func (w *BufferedWriter) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	w.buffer = append(w.buffer, dataCopy)

	if len(w.buffer) >= w.flushThreshold {
		return w.flushLocked()
	}
	return nil
}

// Flush writes all buffered lines to disk.
func (w *BufferedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	return w.flushLocked()
}

// flushLocked drains the buffer to the file. Caller holds w.mu.
// A failed line is counted and skipped; the rest still go out.
func (w *BufferedWriter) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	var writeErr error
	for _, data := range w.buffer {
		if _, err := w.file.Write(data); err != nil {
			writeErr = err
			w.writeErrors.Add(1)
			w.lastError.Store(err)
		}
	}
	w.buffer = w.buffer[:0]
	return writeErr
}

func (w *BufferedWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			_ = w.Flush()
		}
	}
}

// Close stops the flush goroutine, drains the buffer, and closes the file.
func (w *BufferedWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	flushErr := w.flushLocked()
	w.mu.Unlock()

	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ErrorCount returns the total number of write errors so far.
func (w *BufferedWriter) ErrorCount() int64 {
	return w.writeErrors.Load()
}

// LastError returns the most recent write error, or nil.
func (w *BufferedWriter) LastError() error {
	if err := w.lastError.Load(); err != nil {
		return err.(error)
	}
	return nil
}

// Len returns the number of buffered, unflushed lines.
func (w *BufferedWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}
