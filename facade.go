// Package gonzb is the module's public surface: the two entry points
// every collaborator (CLI, PAR2/unrar post-processing) calls into --
// DownloadNZB and CheckAvailability.
package gonzb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nzbcore/gonzb/internal/logger"
	"github.com/nzbcore/gonzb/internal/nntp"
	"github.com/nzbcore/gonzb/internal/nntppool"
	"github.com/nzbcore/gonzb/internal/nzb"
	"github.com/nzbcore/gonzb/internal/scheduler"
	"github.com/nzbcore/gonzb/internal/store"
)

// availabilitySampleFiles caps an availability check to the first N
// files of the manifest -- enough to gauge availability without
// STATing every segment up front.
const availabilitySampleFiles = 20

// Handle is returned immediately by DownloadNZB. Progress can be
// polled while the run is in flight; Wait blocks for the final,
// manifest-ordered FileResult list.
type Handle struct {
	Progress *Progress

	resultsCh chan []scheduler.FileResult
	errCh     chan error
}

// Wait blocks until the run finishes (or ctx is cancelled) and returns
// the FileResults in manifest order.
func (h *Handle) Wait(ctx context.Context) ([]scheduler.FileResult, error) {
	select {
	case results := <-h.resultsCh:
		return results, nil
	case err := <-h.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DownloadNZB fetches every file in manifest against pools, returning a
// Handle immediately so the caller can observe Progress while the run
// proceeds in the background. pools is the ordered list of server
// connection pools this run may use: pools[0] is every batch's primary
// server, the rest are failover candidates a segment reaches only
// after the primary can't deliver it (see scheduler's retry-with-
// backoff pass). A single-pool slice is the common single-server case.
// An empty manifest or an empty pools slice is rejected here, before
// the run starts; Handle.Wait returns an error only when its ctx ends
// first.
func DownloadNZB(ctx context.Context, manifest *nzb.Manifest, pools []*nntppool.Pool, cfg scheduler.Config, outDir string, log logger.Logger) (*Handle, error) {
	if manifest == nil || len(manifest.Files) == 0 {
		return nil, nzb.ErrEmptyManifest
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("gonzb: download requires at least one server pool")
	}

	var totalSegments int
	var totalBytes int64
	for _, f := range manifest.Files {
		totalSegments += len(f.Segments)
		totalBytes += f.TotalSize()
	}

	progress := newProgress(len(manifest.Files), totalSegments, totalBytes)
	cfg.Progress = progress

	sched := scheduler.New(pools, cfg, outDir, log)

	h := &Handle{
		Progress:  progress,
		resultsCh: make(chan []scheduler.FileResult, 1),
		errCh:     make(chan error, 1),
	}

	go func() {
		results, err := sched.Run(ctx, manifest)
		if err != nil {
			h.errCh <- err
			return
		}
		progress.markComplete()
		h.resultsCh <- results
	}()

	return h, nil
}

// Availability is the result of a CheckAvailability sample.
type Availability struct {
	Available  int
	Missing    int
	SampleSize int
}

// ManifestID derives a stable identifier for a manifest from its
// files' first segment message-ids, so repeated CheckAvailability
// calls against the same NZB can share one cache row key in the
// resume/availability ledger without the caller having to invent and
// thread an id of its own.
func ManifestID(manifest *nzb.Manifest) string {
	h := sha256.New()
	for _, f := range manifest.Files {
		if len(f.Segments) == 0 {
			continue
		}
		h.Write([]byte(f.Segments[0].MessageID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAvailability samples the first segment of up to the first 20
// files in manifest via STAT against the primary pool, giving the
// caller a cheap pre-flight signal before committing to a full fetch:
// zero availability should abort, partial availability is a
// warn-and-proceed. cache may be nil; when given, previously recorded
// results for the same manifest id are reused instead of re-STATing,
// and any fresh results are recorded back into it.
func CheckAvailability(ctx context.Context, manifest *nzb.Manifest, pool *nntppool.Pool, cache *store.Store, log logger.Logger) (Availability, error) {
	if manifest == nil || len(manifest.Files) == 0 {
		return Availability{}, nzb.ErrEmptyManifest
	}
	if log == nil {
		log = logger.Discard
	}

	sampleCount := len(manifest.Files)
	if sampleCount > availabilitySampleFiles {
		sampleCount = availabilitySampleFiles
	}

	manifestID := ManifestID(manifest)
	var result Availability
	var reqs []nntp.ExistRequest

	for _, f := range manifest.Files[:sampleCount] {
		if len(f.Segments) == 0 {
			continue
		}
		messageID := f.Segments[0].MessageID
		result.SampleSize++

		if cache != nil {
			if available, found, err := cache.Lookup(ctx, manifestID, messageID); err == nil && found {
				if available {
					result.Available++
				} else {
					result.Missing++
				}
				continue
			}
		}
		reqs = append(reqs, nntp.ExistRequest{MessageID: messageID})
	}

	if len(reqs) == 0 {
		return result, nil
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return Availability{}, fmt.Errorf("gonzb: check availability: %w", err)
	}

	statCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	outcomes, err := conn.CheckArticlesExist(statCtx, reqs)
	if err != nil || conn.Broken() {
		log.Warn("availability check: connection broken mid-sample: %v", err)
		pool.Discard(conn)
	} else {
		pool.Release(conn)
	}

	fresh := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		fresh[o.MessageID] = o.Exists
		if o.Exists {
			result.Available++
		} else {
			result.Missing++
		}
	}
	// Any request the connection never got to (broken mid-batch) is
	// neither confirmed present nor absent; count it as missing so a
	// transport hiccup reads as a conservative availability signal
	// rather than a silently optimistic one.
	result.Missing += len(reqs) - len(outcomes)

	if cache != nil && len(fresh) > 0 {
		if err := cache.Record(ctx, manifestID, fresh, time.Now().Unix()); err != nil {
			log.Warn("availability check: could not record cache results: %v", err)
		}
	}

	return result, nil
}
