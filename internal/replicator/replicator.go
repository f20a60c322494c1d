// Package replicator implements the orchestrator of spec.md section 4.6:
// it drives the set of Readers (archive and online), the priority queue of
// archived logs, and the live online parser set through one iteration
// state machine per spec.md section 4.6's five numbered steps.
package replicator

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redopipe/redopipe/internal/blocksource"
	"github.com/redopipe/redopipe/internal/builder"
	"github.com/redopipe/redopipe/internal/checkpoint"
	"github.com/redopipe/redopipe/internal/parser"
	"github.com/redopipe/redopipe/internal/pool"
	"github.com/redopipe/redopipe/internal/reader"
	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/txn"
	"github.com/redopipe/redopipe/internal/types"
	"github.com/redopipe/redopipe/logger"
)

// ArchiveEntry names one discovered archived redo file.
type ArchiveEntry struct {
	Path      string
	Sequence  types.Seq
	Resetlogs types.Resetlogs
}

// ArchiveLister discovers archived redo files, grounded on the original's
// archGetLog directory scan against the configured log_archive_format
// pattern. The discovery mechanics themselves (filesystem glob, ASM RPC,
// object storage listing) are an external collaborator; only the ordering
// contract matters here.
type ArchiveLister interface {
	List(ctx context.Context) ([]ArchiveEntry, error)
}

// OnlineGroup is one online log group's member path plus its group id.
type OnlineGroup struct {
	Group int
	Path  string
}

// Incarnation names one resetlogs branch and the incarnation it succeeds,
// per spec.md section 4.6 step 1: "if the current (resetlogs, next-SCN)
// matches a known incarnation whose prior incarnation is the current one,
// switch resetlogs and reset sequence to zero."
type Incarnation struct {
	Resetlogs types.Resetlogs
	Prior     types.Resetlogs
	NextScn   types.Scn
}

// Config bounds the orchestrator's timing and output knobs.
type Config struct {
	Reader          reader.Config
	ArchiveReadLoop time.Duration // sleep between empty archive-queue polls
	OnlineReadLoop  time.Duration // sleep between empty online-queue polls
	MaxRecordLen    int
	Instance        string
}

// archiveHeap is a min-heap of ArchiveEntry ordered by ascending sequence,
// grounded on the original's std::priority_queue<Parser*> archiveRedoQueue.
type archiveHeap []ArchiveEntry

func (h archiveHeap) Len() int            { return len(h) }
func (h archiveHeap) Less(i, j int) bool  { return h[i].Sequence < h[j].Sequence }
func (h archiveHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *archiveHeap) Push(x interface{}) { *h = append(*h, x.(ArchiveEntry)) }
func (h *archiveHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Replicator is one pipeline instance: it owns the shared memory pool,
// transaction buffer, builder and writer, and drives readers/parsers for
// both archive and online logs per spec.md section 4.6's state machine.
type Replicator struct {
	cfg  Config
	src  blocksource.Source
	pool *pool.Pool

	archiveLister ArchiveLister
	onlineGroups  []OnlineGroup
	incarnations  []Incarnation

	txnBuf  *txn.Buffer
	bld     *builder.Builder
	sink    builder.Sink
	cpStore *checkpoint.Store

	resetlogs       types.Resetlogs
	sequence        types.Seq
	stopLogSwitches int32 // <0 disables the countdown

	hardShutdown atomic.Bool
	softShutdown atomic.Bool
}

// New creates a Replicator starting at resume.Sequence (0 meaning "start
// from the oldest archived log", per the original's "when no metadata,
// start from the first file").
func New(cfg Config, src blocksource.Source, p *pool.Pool, lister ArchiveLister, online []OnlineGroup,
	sink builder.Sink, cpStore *checkpoint.Store, resume types.Position) *Replicator {

	ctx := context.Background()
	txnBuf := txn.New(ctx, p, 256)
	bld := builder.New(txnBuf.Released(), sink, resume.Resetlogs)

	return &Replicator{
		cfg:             cfg,
		src:             src,
		pool:            p,
		archiveLister:   lister,
		onlineGroups:    online,
		txnBuf:          txnBuf,
		bld:             bld,
		sink:            sink,
		cpStore:         cpStore,
		resetlogs:       resume.Resetlogs,
		sequence:        resume.Sequence,
		stopLogSwitches: -1,
	}
}

// SetIncarnations installs the known resetlogs branch list consulted by
// updateResetlogs.
func (rp *Replicator) SetIncarnations(incs []Incarnation) { rp.incarnations = incs }

// SetStopLogSwitches arms the soft-shutdown countdown of spec.md section
// 4.6 step 5: after n further log switches the replicator stops cleanly.
func (rp *Replicator) SetStopLogSwitches(n int32) { rp.stopLogSwitches = n }

// StopSoft requests a soft shutdown: in-flight records flush through to
// the last confirmed checkpoint before the pipeline exits.
func (rp *Replicator) StopSoft() { rp.softShutdown.Store(true) }

// StopHard requests an immediate shutdown: every suspension point wakes
// and exits without waiting for in-flight work to flush. Errors from the
// pipeline's goroutines do not go through StopHard: they end Run through
// its errgroup.
func (rp *Replicator) StopHard() { rp.hardShutdown.Store(true) }

// Run drives the iteration loop until ctx is canceled, a fatal error
// occurs, or a soft/hard shutdown completes. The builder runs as its own
// supervised goroutine so a stalled writer naturally backpressures through
// txn.Buffer.Commit without the orchestrator loop needing to know about it.
func (rp *Replicator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	bctx, stopBuilder := context.WithCancel(gctx)
	defer stopBuilder()
	g.Go(func() error { return rp.bld.Run(bctx) })
	g.Go(func() error {
		// driveLoop returns nil on a soft/hard shutdown, which does not
		// cancel gctx; stop the builder here so Wait can return.
		defer stopBuilder()
		return rp.driveLoop(gctx)
	})
	return g.Wait()
}

func (rp *Replicator) shuttingDown(ctx context.Context) bool {
	return ctx.Err() != nil || rp.hardShutdown.Load() || rp.softShutdown.Load()
}

// driveLoop runs spec.md section 4.6's five-step iteration until shutdown.
func (rp *Replicator) driveLoop(ctx context.Context) error {
	for !rp.shuttingDown(ctx) {
		rp.updateResetlogs()

		if err := rp.drainArchive(ctx); err != nil {
			return err
		}
		if rp.shuttingDown(ctx) {
			break
		}

		res, err := rp.processOnline(ctx)
		if err != nil {
			return err
		}
		if res == reader.Overwritten {
			continue // step 4: fall back to archive immediately, no sleep
		}

		if rp.stopLogSwitches == 0 {
			rp.StopSoft()
			break
		}
		if rp.stopLogSwitches > 0 {
			rp.stopLogSwitches--
		}
	}
	return nil
}

// updateResetlogs implements step 1: switch branches when the current
// (resetlogs, next-SCN) names a known incarnation whose prior incarnation
// is the one currently active.
func (rp *Replicator) updateResetlogs() {
	for _, inc := range rp.incarnations {
		if inc.Prior == rp.resetlogs {
			rp.resetlogs = inc.Resetlogs
			rp.sequence = 0
			logger.Infof("replicator: resetlogs advanced to %d, sequence reset to 0", rp.resetlogs)
			return
		}
	}
}

// drainArchive implements step 2: drain the priority queue of archived
// logs in sequence order; gaps provoke bounded waits and re-discovery;
// out-of-range items (sequence below the current cursor) are dropped.
func (rp *Replicator) drainArchive(ctx context.Context) error {
	for !rp.shuttingDown(ctx) {
		entries, err := rp.archiveLister.List(ctx)
		if err != nil {
			return rerr.Wrap(err, rerr.Runtime, 900, "replicator: list archived logs")
		}

		q := make(archiveHeap, 0, len(entries))
		for _, e := range entries {
			if e.Resetlogs == rp.resetlogs {
				q = append(q, e)
			}
		}
		heap.Init(&q)

		if q.Len() == 0 {
			return nil // nothing archived pending: fall through to online processing
		}

		progressed := false
		for q.Len() > 0 && !rp.shuttingDown(ctx) {
			next := q[0]
			if rp.sequence == 0 {
				rp.sequence = next.Sequence
			}
			if next.Sequence < rp.sequence {
				heap.Pop(&q)
				continue
			}
			if next.Sequence > rp.sequence {
				logger.Warnf("replicator: missing archive log for seq %d, found %d, waiting", rp.sequence, next.Sequence)
				rp.sleep(ctx, rp.cfg.ArchiveReadLoop)
				break
			}

			heap.Pop(&q)
			res, err := rp.processArchiveFile(ctx, next)
			if err != nil {
				return err
			}
			if res != reader.Finished && res != reader.OK {
				return rerr.New(rerr.RedoLog, 901, "replicator: archive log "+next.Path+" ended with "+res.String())
			}
			rp.sequence++
			progressed = true
		}

		if !progressed {
			return nil
		}
	}
	return nil
}

// processArchiveFile runs one archive file's reader and parser to
// completion (EOF), feeding the shared transaction buffer.
func (rp *Replicator) processArchiveFile(ctx context.Context, entry ArchiveEntry) (reader.Result, error) {
	rd, err := reader.New(rp.src, rp.pool, entry.Path, reader.ArchiveGroup, entry.Sequence, rp.cfg.Reader, &rp.hardShutdown, &rp.softShutdown)
	if err != nil {
		return reader.Error, err
	}
	defer rd.Close()

	return rp.runPair(ctx, rd, entry.Sequence, entry.Resetlogs)
}

// processOnline implements step 4: pick the parser whose sequence equals
// the expected next sequence and whose file has not been fully consumed;
// if none, wait and refresh. An Overwritten result signals the orchestrator
// to fall back to archive reads.
func (rp *Replicator) processOnline(ctx context.Context) (reader.Result, error) {
	for !rp.shuttingDown(ctx) {
		for _, g := range rp.onlineGroups {
			rd, err := reader.New(rp.src, rp.pool, g.Path, g.Group, rp.sequence, rp.cfg.Reader, &rp.hardShutdown, &rp.softShutdown)
			if err != nil {
				return reader.Error, err
			}
			res, err := rp.runPair(ctx, rd, rp.sequence, rp.resetlogs)
			rd.Close()
			if err != nil {
				return reader.Error, err
			}
			switch res {
			case reader.OK, reader.Finished:
				rp.sequence++
				return res, nil
			case reader.Overwritten:
				return reader.Overwritten, nil
			case reader.Empty:
				continue // not yet written to: try the next group this pass
			default:
				return res, rerr.New(rerr.RedoLog, 902, "replicator: online log "+g.Path+" ended with "+res.String())
			}
		}
		rp.sleep(ctx, rp.cfg.OnlineReadLoop)
	}
	return reader.Shutdown, nil
}

// runPair checks, updates, and streams one redo file through a matched
// Reader/Parser pair, persisting the checkpoint once the parser has
// confirmed past it.
func (rp *Replicator) runPair(ctx context.Context, rd *reader.Reader, seq types.Seq, resetlogs types.Resetlogs) (reader.Result, error) {
	if _, res := rd.Check(ctx); res != reader.OK {
		return res, nil
	}
	if res := rd.Update(ctx); res != reader.OK {
		return res, nil
	}

	maxLen := rp.cfg.MaxRecordLen
	if maxLen <= 0 {
		maxLen = rp.cfg.Reader.ChunkSize
	}
	start, _, _ := rd.Snapshot()
	ps := parser.New(rd, rp.txnBuf, rd.BlockSize(), maxLen, resetlogs, seq, start)

	g, gctx := errgroup.WithContext(ctx)
	pairCtx, cancelPair := context.WithCancel(gctx)
	defer cancelPair()

	g.Go(func() error {
		defer cancelPair() // once the file is exhausted, wake the parser's WaitForData
		rd.ReadLoop(pairCtx)
		return nil
	})
	g.Go(func() error { return ps.Run(pairCtx) })
	if err := g.Wait(); err != nil {
		return reader.Error, err
	}

	if rp.cpStore != nil {
		cp := checkpoint.Checkpoint{Resetlogs: resetlogs, Sequence: seq, Offset: ps.Position(), NextScn: rp.sink.LastConfirmed().Scn}
		if err := rp.cpStore.Save(rp.cfg.Instance, cp); err != nil {
			logger.Errorf("replicator: checkpoint save failed: %v", err)
		}
	}
	return rd.LastResult(), nil
}

func (rp *Replicator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
