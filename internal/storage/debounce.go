// internal/storage/debounce.go
package storage

import (
	"sync"
	"time"
)

// DebouncedWriter coalesces rapid writes to one path into a single
// atomic write per flush interval. The last write wins.
//
// Pending data is flushed on the interval tick, on Flush, and on Close.
type DebouncedWriter struct {
	store    *Store
	rel      string
	interval time.Duration

	mu      sync.Mutex
	pending []byte
	dirty   bool
	lastErr error
	timer   *time.Timer
	closed  bool
}

// NewDebouncedWriter creates a writer for rel flushing at most once per
// interval.
func NewDebouncedWriter(store *Store, rel string, interval time.Duration) *DebouncedWriter {
	return &DebouncedWriter{
		store:    store,
		rel:      rel,
		interval: interval,
	}
}

// Write schedules data to be written. Returns the error of the most
// recent flush, if any, so persistent failures surface to callers.
func (w *DebouncedWriter) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.store.WriteFile(w.rel, data)
	}

	w.pending = append(w.pending[:0], data...)
	w.dirty = true

	if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.flushTimer)
	}
	return w.lastErr
}

// flushTimer runs on the timer goroutine.
func (w *DebouncedWriter) flushTimer() {
	w.mu.Lock()
	w.timer = nil
	w.flushLocked()
	w.mu.Unlock()
}

// Flush forces any pending data to disk immediately.
func (w *DebouncedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.flushLocked()
	return w.lastErr
}

// flushLocked writes pending data; caller holds the mutex.
func (w *DebouncedWriter) flushLocked() {
	if !w.dirty {
		return
	}
	w.lastErr = w.store.WriteFile(w.rel, w.pending)
	if w.lastErr == nil {
		w.dirty = false
	}
}

// Close flushes pending data and stops the writer. Subsequent writes
// bypass debouncing and go straight to disk.
func (w *DebouncedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.lastErr
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.flushLocked()
	return w.lastErr
}
