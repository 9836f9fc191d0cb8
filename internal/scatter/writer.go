// Package scatter writes a single output file out of order: segments
// arrive as whichever connection finishes first, and each is placed at
// its byte offset in a file pre-allocated to its final size.
package scatter

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Writer owns one output file for the lifetime of a download. All
// methods are safe for concurrent use by multiple segment fetchers.
type Writer struct {
	path string
	mu   sync.Mutex
	file *os.File

	segmentsOK     int64
	segmentsFailed int64
	bytesWritten   int64
}

// Create opens (or truncates) the file at path and pre-allocates it to
// size bytes. On Linux/Unix this produces a sparse file: Truncate
// updates the metadata size without writing zeroed blocks.
func Create(path string, size int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("scatter: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("scatter: preallocate %s to %d bytes: %w", path, size, err)
	}
	return &Writer{path: path, file: f}, nil
}

// WriteAt places one decoded segment at its byte offset. Positional
// writes to the same *os.File from multiple goroutines are safe on
// Unix; the mutex keeps writes from overlapping Finalize or Abort, and
// the ok/bytes counters are atomics updated outside it.
// A failed write is not counted here -- the caller decides whether the
// segment is retried or recorded as failed via MarkFailed, so each
// segment lands in exactly one counter.
func (w *Writer) WriteAt(data []byte, offset int64) error {
	w.mu.Lock()
	_, err := w.file.WriteAt(data, offset)
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("scatter: write %s at %d: %w", w.path, offset, err)
	}
	atomic.AddInt64(&w.segmentsOK, 1)
	atomic.AddInt64(&w.bytesWritten, int64(len(data)))
	return nil
}

// MarkFailed records a segment that could not be fetched, decoded, or
// written.
func (w *Writer) MarkFailed() {
	atomic.AddInt64(&w.segmentsFailed, 1)
}

// Stats is a point-in-time snapshot of a file's write progress.
type Stats struct {
	SegmentsOK     int64
	SegmentsFailed int64
	BytesWritten   int64
}

func (w *Writer) Stats() Stats {
	return Stats{
		SegmentsOK:     atomic.LoadInt64(&w.segmentsOK),
		SegmentsFailed: atomic.LoadInt64(&w.segmentsFailed),
		BytesWritten:   atomic.LoadInt64(&w.bytesWritten),
	}
}

// Finalize truncates the file to its true decoded size -- removing any
// slack from the original pre-allocation, which is sized from the NZB's
// per-segment byte counts and can be a few bytes larger than the actual
// payload --
// syncs it to disk, and closes the handle.
func (w *Writer) Finalize(finalSize int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if finalSize > 0 {
		if err := w.file.Truncate(finalSize); err != nil {
			return fmt.Errorf("scatter: truncate %s to final size: %w", w.path, err)
		}
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("scatter: sync %s: %w", w.path, err)
	}
	return w.file.Close()
}

// Abort closes the handle without truncating, leaving whatever was
// written on disk for a future resume attempt.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
