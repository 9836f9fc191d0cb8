package gonzb

import (
	"sync/atomic"

	"github.com/nzbcore/gonzb/internal/scheduler"
)

// Progress is the handle returned alongside a DownloadNZB run. It is
// safe for concurrent use: the scheduler reports into it from many
// file/batch goroutines while the caller polls Snapshot from another.
type Progress struct {
	filesTotal     int64
	filesDone      int64
	segmentsTotal  int64
	segmentsOK     int64
	segmentsFailed int64
	bytesTotal     int64
	bytesDone      int64
	done           int32
}

func newProgress(filesTotal int, segmentsTotal int, bytesTotal int64) *Progress {
	return &Progress{
		filesTotal:    int64(filesTotal),
		segmentsTotal: int64(segmentsTotal),
		bytesTotal:    bytesTotal,
	}
}

// SegmentDone implements scheduler.ProgressSink. Called once per
// segment, against the segment's expected byte size -- never the
// decoded size, which may differ slightly.
func (p *Progress) SegmentDone(fileIndex int, expectedBytes int64, ok bool) {
	atomic.AddInt64(&p.bytesDone, expectedBytes)
	if ok {
		atomic.AddInt64(&p.segmentsOK, 1)
	} else {
		atomic.AddInt64(&p.segmentsFailed, 1)
	}
}

// FileDone implements scheduler.ProgressSink. Per-file detail lives in
// the FileResult slice the run ultimately returns; here only the
// counter advances.
func (p *Progress) FileDone(int, scheduler.FileResult) {
	atomic.AddInt64(&p.filesDone, 1)
}

func (p *Progress) markComplete() {
	atomic.StoreInt32(&p.done, 1)
}

// Snapshot is a point-in-time read of progress counters.
type Snapshot struct {
	FilesTotal     int
	FilesDone      int
	SegmentsTotal  int
	SegmentsOK     int
	SegmentsFailed int
	BytesTotal     int64
	BytesDone      int64
	Complete       bool
}

// Snapshot reads the current progress state.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		FilesTotal:     int(atomic.LoadInt64(&p.filesTotal)),
		FilesDone:      int(atomic.LoadInt64(&p.filesDone)),
		SegmentsTotal:  int(atomic.LoadInt64(&p.segmentsTotal)),
		SegmentsOK:     int(atomic.LoadInt64(&p.segmentsOK)),
		SegmentsFailed: int(atomic.LoadInt64(&p.segmentsFailed)),
		BytesTotal:     atomic.LoadInt64(&p.bytesTotal),
		BytesDone:      atomic.LoadInt64(&p.bytesDone),
		Complete:       atomic.LoadInt32(&p.done) != 0,
	}
}
