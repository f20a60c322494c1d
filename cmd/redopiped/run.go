package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/redopipe/redopipe/internal/blocksource"
	"github.com/redopipe/redopipe/internal/checkpoint"
	"github.com/redopipe/redopipe/internal/pool"
	"github.com/redopipe/redopipe/internal/reader"
	"github.com/redopipe/redopipe/internal/replicator"
	"github.com/redopipe/redopipe/internal/types"
	"github.com/redopipe/redopipe/internal/writer"
	"github.com/redopipe/redopipe/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture pipeline and block until shutdown",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func onlineGroups(c *onlineGroupsCfg) []replicator.OnlineGroup {
	groups := make([]replicator.OnlineGroup, 0, c.count)
	for g := 1; g <= c.count; g++ {
		groups = append(groups, replicator.OnlineGroup{
			Group: g,
			Path:  fmt.Sprintf(c.pattern, g),
		})
	}
	return groups
}

// onlineGroupsCfg is the pair of config knobs onlineGroups renders paths
// from; kept as its own type only so the rendering helper doesn't need the
// whole *config.Cfg.
type onlineGroupsCfg struct {
	pattern string
	count   int
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pool.New(cfg.PoolChunks, cfg.ChunkSizeBytes)

	src := blocksource.NewLocalFileSource()

	cpStore, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return fmt.Errorf("redopiped: checkpoint store: %w", err)
	}
	defer cpStore.Close()

	resume := types.Position{}
	if cp, ok, err := cpStore.Load(cfg.InstanceID); err != nil {
		return fmt.Errorf("redopiped: load checkpoint: %w", err)
	} else if ok {
		resume = cp.Position()
		logger.Infof("redopiped: resuming %s from %+v", cfg.InstanceID, resume)
	}

	w, err := writer.Open(writer.Config{
		Pattern:          cfg.OutputPattern,
		Format:           writer.Format(cfg.OutputFormat),
		MaxFileSize:      cfg.MaxFileSize,
		NewlineBytes:     cfg.NewlineBytes,
		FlushThreshold:   cfg.FlushThreshold,
		SequenceBoundary: true,
	})
	if err != nil {
		return fmt.Errorf("redopiped: output writer: %w", err)
	}
	defer w.Close()

	rcfg := replicator.Config{
		Reader: reader.Config{
			RingChunks:      cfg.RingBufferChunks,
			ChunkSize:       cfg.ChunkSizeBytes,
			DisableChecksum: cfg.DisableChecks,
			VerifyDelay:     time.Duration(cfg.VerifyDelayMs) * time.Millisecond,
			ReadSleep:       time.Duration(cfg.ReadSleepMs) * time.Millisecond,
			CopyPath:        cfg.CopyPath,
			Database:        cfg.Database,
		},
		ArchiveReadLoop: time.Duration(cfg.ReadSleepMs) * time.Millisecond,
		OnlineReadLoop:  time.Duration(cfg.ReadSleepMs) * time.Millisecond,
		MaxRecordLen:    cfg.ChunkSizeBytes,
		Instance:        cfg.InstanceID,
	}

	lister := replicator.NewDirLister(cfg.ArchivePath)
	groups := onlineGroups(&onlineGroupsCfg{pattern: filepath.Join(cfg.SourcePath, cfg.OnlineLogPattern), count: cfg.OnlineGroupCount})

	rp := replicator.New(rcfg, src, p, lister, groups, w, cpStore, resume)
	if cfg.StopLogSwitches > 0 {
		rp.SetStopLogSwitches(int32(cfg.StopLogSwitches))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		logger.Infof("redopiped: signal received, stopping soft")
		rp.StopSoft()
		<-sig
		logger.Warnf("redopiped: second signal received, stopping hard")
		rp.StopHard()
	}()

	if err := rp.Run(ctx); err != nil {
		return fmt.Errorf("redopiped: %w", err)
	}
	return nil
}
