package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/ctxrevival/internal/storage"
)

const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second
)

// ErrWriterClosed is returned by Submit after Close.
var ErrWriterClosed = errors.New("writer closed")

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("write queue full")

// RecordWriter persists one record.
type RecordWriter interface {
	Put(ctx context.Context, r storage.Record) (int64, bool, error)
}

// PutFunc adapts a function to RecordWriter.
type PutFunc func(ctx context.Context, r storage.Record) (int64, bool, error)

// Put calls f.
func (f PutFunc) Put(ctx context.Context, r storage.Record) (int64, bool, error) {
	return f(ctx, r)
}

// WriterStats counts what happened to submitted records.
type WriterStats struct {
	Submitted  uint64 `json:"submitted"`
	Written    uint64 `json:"written"`
	Duplicates uint64 `json:"duplicates"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Queued     int    `json:"queued"`
}

// Writer persists turn outcomes off the caller's goroutine through a bounded
// queue. Failures are logged and dropped; they never reach the submitter.
type Writer struct {
	dst     RecordWriter
	queue   chan storage.Record
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	submitted, written, duplicates, failed, dropped atomic.Uint64
}

// NewWriter creates a Writer. If queueSize <= 0 it defaults to 64; if
// writeTimeout <= 0 it defaults to 5s.
func NewWriter(dst RecordWriter, queueSize int, writeTimeout time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Writer{
		dst:     dst,
		queue:   make(chan storage.Record, queueSize),
		timeout: writeTimeout,
		logger:  slog.Default().With("component", "writer"),
		done:    make(chan struct{}),
	}
}

// Submit enqueues r without blocking.
func (w *Writer) Submit(r storage.Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return ErrWriterClosed
	}
	select {
	case w.queue <- r:
		w.submitted.Add(1)
		return nil
	default:
		w.dropped.Add(1)
		w.logger.Warn("write queue full, dropping record", "session_id", r.SessionID)
		return ErrQueueFull
	}
}

// Run writes queued records until Close is called and the queue is drained,
// or until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-w.queue:
			if !ok {
				return
			}
			w.RunOnce(ctx, r)
		}
	}
}

// RunOnce writes a single record and reports whether it was stored.
func (w *Writer) RunOnce(ctx context.Context, r storage.Record) bool {
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	id, created, err := w.dst.Put(wctx, r)
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn("async write failed", "session_id", r.SessionID, "error", err)
		return false
	}
	if !created {
		w.duplicates.Add(1)
		w.logger.Debug("async write was a duplicate", "id", id)
		return true
	}
	w.written.Add(1)
	return true
}

// Close stops accepting records and waits up to timeout for Run to drain
// the queue. A timeout <= 0 does not wait.
func (w *Writer) Close(timeout time.Duration) {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	if timeout <= 0 {
		return
	}

	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Warn("writer did not drain before timeout", "pending", len(w.queue))
	}
}

// Stats returns the writer counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Submitted:  w.submitted.Load(),
		Written:    w.written.Load(),
		Duplicates: w.duplicates.Load(),
		Failed:     w.failed.Load(),
		Dropped:    w.dropped.Load(),
		Queued:     len(w.queue),
	}
}
