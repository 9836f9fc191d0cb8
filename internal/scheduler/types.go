package scheduler

import "time"

// Config tunes the fetch scheduler. Zero-value fields are treated as
// "use the default" -- see DefaultConfig.
type Config struct {
	// PipelineSize is the number of BODY requests written to one
	// connection before any of their responses are read.
	PipelineSize int
	// ConnectionWaitBudget is the total time a batch is willing to
	// spend retrying a connection lease before giving up on that batch.
	ConnectionWaitBudget time.Duration
	// ForceRedownload disables the resume check: every file is
	// fetched from scratch regardless of what's already on disk.
	ForceRedownload bool
	// Progress, if non-nil, receives per-segment and per-file progress
	// events as the run proceeds. Optional -- a nil Progress means no
	// one is watching.
	Progress ProgressSink
}

// ProgressSink receives incremental progress as the scheduler works
// through a manifest. Segments are reported against their expected
// size, not the decoded size, since the manifest's layout is what
// drives write offsets. Implementations must be safe for concurrent
// use: segments across different files (and different batches of the
// same file) report concurrently.
type ProgressSink interface {
	SegmentDone(fileIndex int, expectedBytes int64, ok bool)
	FileDone(fileIndex int, result FileResult)
}

// DefaultConfig returns the scheduler's out-of-the-box tuning values.
func DefaultConfig() Config {
	return Config{
		PipelineSize:         50,
		ConnectionWaitBudget: 300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.PipelineSize <= 0 {
		c.PipelineSize = 50
	}
	if c.ConnectionWaitBudget <= 0 {
		c.ConnectionWaitBudget = 300 * time.Second
	}
	return c
}

// FileResult is the outcome of fetching one manifest file.
type FileResult struct {
	Subject            string
	Path               string
	ExpectedSize       int64
	ActualBytesWritten int64
	SegmentsOK         int
	SegmentsFailed     int
	FailedMessageIDs   []string
	Elapsed            time.Duration
}
