// Package scheduler is the fetch coordinator: for one manifest it
// orders files, chunks each file's segments into pipelined batches,
// dispatches them across a connection pool, and aggregates per-file
// results in manifest order.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nzbcore/gonzb/internal/layout"
	"github.com/nzbcore/gonzb/internal/logger"
	"github.com/nzbcore/gonzb/internal/nntp"
	"github.com/nzbcore/gonzb/internal/nntppool"
	"github.com/nzbcore/gonzb/internal/nzb"
	"github.com/nzbcore/gonzb/internal/scatter"
)

const (
	minFileConcurrency = 2
	fileConcurrencyDiv = 5

	leaseAttemptTimeout = 30 * time.Second
	initialLeaseBackoff = 500 * time.Millisecond
	maxLeaseBackoff     = 8 * time.Second

	// maxSegmentRetries bounds the retry-with-backoff pass a file runs
	// once its batches have completed: a segment that failed to fetch
	// gets up to this many tries against each server in priority order
	// (a definitive miss moves on to the next server at once) before
	// it's counted as permanently failed. This
	// is what gives a multi-server configuration its failover property
	// -- a segment missing on the primary is a retry, not yet a miss.
	maxSegmentRetries = 3
)

// Scheduler drives the fetch of whole manifests. pools is the ordered
// list of server connection pools this run may use: pools[0] is the
// primary server every batch tries first; the rest are failover
// candidates a segment only reaches after the primary fails or
// reports the article missing. A single-pool configuration (the
// common case) degenerates to "no failover".
type Scheduler struct {
	pools  []*nntppool.Pool
	cfg    Config
	outDir string
	log    logger.Logger
}

// New builds a Scheduler that writes assembled files under outDir.
// pools must contain at least one pool; pools[0] is the primary
// server, any further entries are tried as failover candidates for a
// segment the primary fails to deliver.
func New(pools []*nntppool.Pool, cfg Config, outDir string, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard
	}
	return &Scheduler{pools: pools, cfg: cfg.withDefaults(), outDir: outDir, log: log}
}

// Run fetches every file in the manifest and returns their FileResults
// in manifest order (not completion order).
func (s *Scheduler) Run(ctx context.Context, manifest *nzb.Manifest) ([]FileResult, error) {
	if manifest == nil || len(manifest.Files) == 0 {
		return nil, nzb.ErrEmptyManifest
	}

	order := longestJobFirst(manifest.Files)

	fileConcurrency := s.pools[0].MaxSize() / fileConcurrencyDiv
	if fileConcurrency < minFileConcurrency {
		fileConcurrency = minFileConcurrency
	}

	results := make([]FileResult, len(manifest.Files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fileConcurrency)

	for _, idx := range order {
		idx := idx
		file := manifest.Files[idx]
		g.Go(func() error {
			result := s.runFile(gctx, idx, file)
			results[idx] = result
			if s.cfg.Progress != nil {
				s.cfg.Progress.FileDone(idx, result)
			}
			return nil
		})
	}
	// g.Wait only ever returns an error if a goroutine returns one, and
	// ours never do -- per-file failures live inside FileResult.
	_ = g.Wait()

	return results, nil
}

// longestJobFirst returns manifest file indices sorted by descending
// segment count -- the "longest job first" ordering that keeps one big
// file from straggling alone against an idle pool at the tail of a run.
func longestJobFirst(files []nzb.File) []int {
	order := make([]int, len(files))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(files[order[a]].Segments) > len(files[order[b]].Segments)
	})
	return order
}

// failedSeg is a segment a batch could not fetch, carried forward into
// the file's retry-with-backoff pass instead of being counted as
// permanently failed immediately.
type failedSeg struct {
	seg    nzb.Segment
	offset int64
	// missing is true when the failure is a definitive "this server
	// doesn't have this article" (430/423) rather than a transport
	// hiccup, decode error, or lease failure. The retry pass uses this
	// to decide whether it's worth trying the same server again before
	// moving on to the next one in priority order.
	missing bool
}

func (s *Scheduler) runFile(ctx context.Context, fileIndex int, file nzb.File) FileResult {
	start := time.Now()
	cleanName := layout.SanitizeFileName(file.Subject)
	path := layout.OutputPath(s.outDir, cleanName)
	expectedSize := file.TotalSize()

	result := FileResult{
		Subject:      file.Subject,
		Path:         path,
		ExpectedSize: expectedSize,
	}

	if !s.cfg.ForceRedownload {
		if resumable, err := scatter.CheckResumable(path, expectedSize); err == nil && resumable {
			s.log.Debug("skipping complete file %s", cleanName)
			result.SegmentsOK = len(file.Segments)
			result.ActualBytesWritten = expectedSize
			result.Elapsed = time.Since(start)
			if s.cfg.Progress != nil {
				for _, seg := range file.Segments {
					s.cfg.Progress.SegmentDone(fileIndex, seg.ExpectedBytes, true)
				}
			}
			return result
		}
	}

	writer, err := scatter.Create(path, expectedSize)
	if err != nil {
		s.log.Error("could not create output for %s: %v", cleanName, err)
		result.SegmentsFailed = len(file.Segments)
		for _, seg := range file.Segments {
			result.FailedMessageIDs = append(result.FailedMessageIDs, seg.MessageID)
		}
		result.Elapsed = time.Since(start)
		if s.cfg.Progress != nil {
			for _, seg := range file.Segments {
				s.cfg.Progress.SegmentDone(fileIndex, seg.ExpectedBytes, false)
			}
		}
		return result
	}

	var failedMu sync.Mutex
	var failedIDs []string
	var pendingRetry []failedSeg
	appendFailedIDs := func(segs []nzb.Segment) {
		failedMu.Lock()
		for _, seg := range segs {
			failedIDs = append(failedIDs, seg.MessageID)
		}
		failedMu.Unlock()
	}
	// recordFailure is for segments that have exhausted every retry
	// attempt (or failed for a reason retrying can't help, like a local
	// write error): it both updates the writer's failure counter and
	// records the id.
	recordFailure := func(segs []nzb.Segment) {
		appendFailedIDs(segs)
		for _, seg := range segs {
			writer.MarkFailed()
			if s.cfg.Progress != nil {
				s.cfg.Progress.SegmentDone(fileIndex, seg.ExpectedBytes, false)
			}
		}
	}
	reportOK := func(seg nzb.Segment) {
		if s.cfg.Progress != nil {
			s.cfg.Progress.SegmentDone(fileIndex, seg.ExpectedBytes, true)
		}
	}
	// queueRetry defers a fetch failure to the file's retry-with-backoff
	// pass instead of counting it as failed right away.
	queueRetry := func(segs []failedSeg) {
		failedMu.Lock()
		pendingRetry = append(pendingRetry, segs...)
		failedMu.Unlock()
	}

	batches := batchSegments(file.Segments, s.cfg.PipelineSize)

	var wg sync.WaitGroup
	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runBatch(ctx, file, batch, writer, queueRetry, recordFailure, reportOK)
		}()
	}
	wg.Wait()

	if len(pendingRetry) > 0 {
		s.retrySegments(ctx, file, pendingRetry, writer, recordFailure, reportOK)
	}

	if err := writer.Finalize(expectedSize); err != nil {
		s.log.Error("finalize failed for %s: %v", cleanName, err)
	}

	stats := writer.Stats()
	failedMu.Lock()
	result.FailedMessageIDs = failedIDs
	failedMu.Unlock()
	result.SegmentsOK = int(stats.SegmentsOK)
	result.SegmentsFailed = int(stats.SegmentsFailed)
	result.ActualBytesWritten = stats.BytesWritten
	result.Elapsed = time.Since(start)
	return result
}

// segmentBatch pairs a contiguous slice of a file's segments with the
// index each occupies in the file's original segment order, so its
// pre-computed offset can be looked up after the fact.
type segmentBatch struct {
	segments    []nzb.Segment
	firstOffset int
}

func batchSegments(segments []nzb.Segment, size int) []segmentBatch {
	var batches []segmentBatch
	for start := 0; start < len(segments); start += size {
		end := start + size
		if end > len(segments) {
			end = len(segments)
		}
		batches = append(batches, segmentBatch{segments: segments[start:end], firstOffset: start})
	}
	return batches
}

// runBatch fetches one pipelined batch against the primary pool. A
// segment the batch can't deliver is handed to queueRetry rather than
// recorded as failed outright -- the file-level retry-with-backoff
// pass decides whether it's eventually a permanent failure.
func (s *Scheduler) runBatch(ctx context.Context, file nzb.File, batch segmentBatch, writer *scatter.Writer, queueRetry func([]failedSeg), recordFailure func([]nzb.Segment), reportOK func(nzb.Segment)) {
	asFailed := func(segs []nzb.Segment, firstIdx int, missing bool) []failedSeg {
		out := make([]failedSeg, len(segs))
		for i, seg := range segs {
			out[i] = failedSeg{seg: seg, offset: file.Offset(batch.firstOffset + firstIdx + i), missing: missing}
		}
		return out
	}

	if ctx.Err() != nil {
		queueRetry(asFailed(batch.segments, 0, false))
		return
	}

	primary := s.pools[0]
	conn, err := leaseConnection(ctx, primary, s.cfg.ConnectionWaitBudget)
	if err != nil {
		s.log.Warn("lease failed for %s batch: %v", file.Subject, err)
		queueRetry(asFailed(batch.segments, 0, false))
		return
	}

	reqs := make([]nntp.SegmentRequest, len(batch.segments))
	for i, seg := range batch.segments {
		reqs[i] = nntp.SegmentRequest{SegmentNumber: seg.Number, MessageID: seg.MessageID}
	}

	outcomes, err := conn.DownloadSegmentsPipelined(ctx, file.Group, reqs)
	if err != nil {
		primary.Discard(conn)
		queueRetry(asFailed(batch.segments, 0, false))
		return
	}

	for i, outcome := range outcomes {
		seg := batch.segments[i]
		if outcome.Data == nil {
			queueRetry(asFailed([]nzb.Segment{seg}, i, outcome.ArticleMissing))
			continue
		}
		offset := file.Offset(batch.firstOffset + i)
		if err := writer.WriteAt(outcome.Data, offset); err != nil {
			// A local I/O error isn't something retrying against
			// another server fixes, so it's a permanent failure, not
			// a retry candidate.
			s.log.Error("write failed for %s segment %d: %v", file.Subject, seg.Number, err)
			recordFailure([]nzb.Segment{seg})
			continue
		}
		reportOK(seg)
	}

	if conn.Broken() {
		primary.Discard(conn)
	} else {
		primary.Release(conn)
	}
}

// retrySegments implements the retry-with-backoff pass: each segment
// still outstanding after its batch is tried again, once per attempt,
// cycling through the configured server pools in priority order so a
// segment missing on the primary gets a real chance on a failover
// server rather than being declared missing after one try. Only once
// every pool has failed to deliver a segment across maxSegmentRetries
// attempts is it counted as permanently failed.
func (s *Scheduler) retrySegments(ctx context.Context, file nzb.File, segs []failedSeg, writer *scatter.Writer, recordFailure func([]nzb.Segment), reportOK func(nzb.Segment)) {
	var wg sync.WaitGroup
	for _, fs := range segs {
		fs := fs
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.retryOne(ctx, file, fs, writer, recordFailure, reportOK)
		}()
	}
	wg.Wait()
}

// retryOne walks the pool list in priority order: a definitive miss
// (430/423) on the current pool moves on to the next pool immediately,
// while a
// transient failure (lease error, transport error, any other non-miss
// Data==nil outcome) gets up to maxSegmentRetries attempts against that
// same pool, with backoff between attempts, before giving up on it too.
// fs.missing (set from the batch's own attempt against pools[0]) skips
// straight past the primary pool, since it's already had its one try.
func (s *Scheduler) retryOne(ctx context.Context, file nzb.File, fs failedSeg, writer *scatter.Writer, recordFailure func([]nzb.Segment), reportOK func(nzb.Segment)) {
	startPool := 0
	if fs.missing {
		startPool = 1
	}

	for poolIdx := startPool; poolIdx < len(s.pools); poolIdx++ {
		pool := s.pools[poolIdx]
		backoff := initialLeaseBackoff

		for attempt := 0; attempt < maxSegmentRetries; attempt++ {
			if ctx.Err() != nil {
				recordFailure([]nzb.Segment{fs.seg})
				return
			}
			if attempt > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					recordFailure([]nzb.Segment{fs.seg})
					return
				}
				backoff *= 2
				if backoff > maxLeaseBackoff {
					backoff = maxLeaseBackoff
				}
			}

			conn, err := leaseConnection(ctx, pool, s.cfg.ConnectionWaitBudget)
			if err != nil {
				s.log.Warn("retry lease failed for %s segment %d: %v", file.Subject, fs.seg.Number, err)
				continue
			}

			outcomes, err := conn.DownloadSegmentsPipelined(ctx, file.Group, []nntp.SegmentRequest{
				{SegmentNumber: fs.seg.Number, MessageID: fs.seg.MessageID},
			})
			if err != nil || conn.Broken() {
				pool.Discard(conn)
			} else {
				pool.Release(conn)
			}

			if err != nil || len(outcomes) == 0 {
				continue
			}
			if outcomes[0].Data != nil {
				if werr := writer.WriteAt(outcomes[0].Data, fs.offset); werr != nil {
					s.log.Error("retry write failed for %s segment %d: %v", file.Subject, fs.seg.Number, werr)
					recordFailure([]nzb.Segment{fs.seg})
					return
				}
				reportOK(fs.seg)
				return
			}
			if outcomes[0].ArticleMissing {
				// Definitive on this server -- stop spending retries
				// here and move on to the next pool.
				break
			}
			// Transient: keep retrying this same pool.
		}
	}

	recordFailure([]nzb.Segment{fs.seg})
}

// leaseConnection applies a patient-retry policy around a single pool
// lease: bounded per-attempt wait, exponential backoff between
// attempts, capped total budget.
func leaseConnection(ctx context.Context, pool *nntppool.Pool, budget time.Duration) (*nntp.Conn, error) {
	deadline := time.Now().Add(budget)
	backoff := initialLeaseBackoff

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, leaseAttemptTimeout)
		conn, err := pool.Acquire(attemptCtx)
		cancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("scheduler: exhausted %s connection lease budget: %w", budget, err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > maxLeaseBackoff {
			backoff = maxLeaseBackoff
		}
	}
}
