package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/nzbcore/gonzb"
	"github.com/nzbcore/gonzb/internal/archive"
	"github.com/nzbcore/gonzb/internal/config"
	"github.com/nzbcore/gonzb/internal/logger"
	"github.com/nzbcore/gonzb/internal/nntp"
	"github.com/nzbcore/gonzb/internal/nntppool"
	"github.com/nzbcore/gonzb/internal/nzb"
	"github.com/nzbcore/gonzb/internal/repair"
	"github.com/nzbcore/gonzb/internal/scheduler"
	"github.com/nzbcore/gonzb/internal/store"
)

var (
	nzbPath    string
	configPath string
	checkOnly  bool
)

var rootCmd = &cobra.Command{
	Use:   "gonzb",
	Short: "gonzb is a concurrent Usenet NZB downloader",
	Long:  "gonzb fetches the articles listed in an NZB manifest, reassembles them, and repairs/extracts the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if nzbPath == "" {
			return errors.New("--file is required")
		}
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&nzbPath, "file", "f", "", "path to the NZB file (required)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml")
	rootCmd.Flags().BoolVar(&checkOnly, "check", false, "only check article availability, don't download")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	runID := ksuid.New().String()
	log.Info("starting run %s for %s", runID, nzbPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Warn("interrupt received, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	f, err := os.Open(nzbPath)
	if err != nil {
		return fmt.Errorf("open nzb: %w", err)
	}
	defer f.Close()

	manifest, err := nzb.NewParser().Parse(f)
	if err != nil {
		return fmt.Errorf("parse nzb: %w", err)
	}

	servers := orderedServers(cfg.Servers)

	pools := make([]*nntppool.Pool, len(servers))
	for i, server := range servers {
		nntpCfg := nntp.Config{
			Host:               server.Host,
			Port:               server.Port,
			TLS:                server.TLS,
			InsecureSkipVerify: !server.VerifySSLCerts,
			Username:           server.Username,
			Password:           server.Password,
		}
		// The pool builds the shared TLS connector from the server
		// config; one connector per pool keeps session resumption
		// working across every connection it dials.
		pools[i] = nntppool.New(nntpCfg, server.Connections, nil, nntp.DefaultTimeouts())
	}
	defer func() {
		for _, p := range pools {
			p.Close()
		}
	}()

	ledger, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer ledger.Close()

	// Availability is sampled against the primary server only: it's a
	// quick pre-flight signal, not the full fetch, and a server further
	// down the failover order gets its chance during the real run.
	avail, err := gonzb.CheckAvailability(ctx, manifest, pools[0], ledger, log)
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}
	log.Info("availability: %d/%d sampled segments present", avail.Available, avail.SampleSize)
	if avail.SampleSize > 0 && avail.Available == 0 {
		return errors.New("none of the sampled segments are available on this server, aborting")
	}

	if checkOnly {
		return nil
	}

	if err := os.MkdirAll(cfg.Download.OutDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	schedCfg := scheduler.Config{
		PipelineSize:         cfg.Download.PipelineSize,
		ConnectionWaitBudget: cfg.Download.ConnectionWaitTimeout,
		ForceRedownload:      cfg.Download.ForceRedownload,
	}

	handle, err := gonzb.DownloadNZB(ctx, manifest, pools, schedCfg, cfg.Download.OutDir, log)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	reportProgress(ctx, handle.Progress, log)

	results, err := handle.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("download cancelled by user")
			return nil
		}
		return fmt.Errorf("download: %w", err)
	}

	log.Info("run %s fetched %d files, post-processing", runID, len(results))
	postProcess(ctx, results, log)
	return nil
}

// orderedServers sorts the configured servers by ascending Priority:
// index 0 is the primary every batch tries first, the rest are the
// failover order the scheduler's retry pass works through when the
// primary can't deliver a segment.
func orderedServers(servers []config.ServerConfig) []config.ServerConfig {
	sorted := make([]config.ServerConfig, len(servers))
	copy(sorted, servers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted
}

// reportProgress logs a coarse summary every couple seconds until the
// run completes. A full progress UI lives outside this module; this is
// the minimal collaborator needed to make a run usable from a terminal.
func reportProgress(ctx context.Context, p *gonzb.Progress, log logger.Logger) {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := p.Snapshot()
				if snap.Complete {
					return
				}
				log.Info("progress: %d/%d files, %d/%d segments ok, %d bytes of %d",
					snap.FilesDone, snap.FilesTotal, snap.SegmentsOK, snap.SegmentsTotal, snap.BytesDone, snap.BytesTotal)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// postProcess runs PAR2 verify/repair and RAR extraction over every
// written file, fed from the FileResult list the facade returned.
func postProcess(ctx context.Context, results []scheduler.FileResult, log logger.Logger) {
	par2, err := repair.NewCLIPar2()
	if err != nil {
		log.Warn("par2 not available, skipping repair pass: %v", err)
		par2 = nil
	}

	unrar, err := archive.NewCLIUnrar("")
	if err != nil {
		log.Warn("unrar not available, skipping extraction: %v", err)
		unrar = nil
	}

	for _, r := range results {
		if r.SegmentsFailed > 0 {
			log.Warn("%s: %d/%d segments failed, failed ids: %v", r.Path, r.SegmentsFailed, r.SegmentsFailed+r.SegmentsOK, r.FailedMessageIDs)
		}

		if par2 != nil {
			if healthy, err := par2.VerifyAndRepair(ctx, r.Path); err != nil {
				log.Error("par2 verify/repair %s: %v", r.Path, err)
			} else if !healthy {
				log.Warn("%s: failed par2 verification and could not be repaired", r.Path)
			}
		}

		if unrar == nil {
			continue
		}
		ok, err := unrar.CanExtract(r.Path)
		if err != nil || !ok {
			continue
		}
		destDir := filepath.Dir(r.Path)
		extracted, err := unrar.Extract(ctx, r.Path, destDir)
		if err != nil {
			log.Error("extract %s: %v", r.Path, err)
			continue
		}
		log.Info("%s: extracted %d file(s)", r.Path, len(extracted))
	}
}
