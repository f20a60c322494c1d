package replicator

import (
	"container/heap"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redopipe/redopipe/internal/blocksource"
	"github.com/redopipe/redopipe/internal/builder"
	"github.com/redopipe/redopipe/internal/pool"
	"github.com/redopipe/redopipe/internal/reader"
	"github.com/redopipe/redopipe/internal/types"
)

// Wire-format coverage (header validation, checksum folding, record framing,
// commit-order release) lives in internal/reader, internal/parser and
// internal/txn's own test suites, each against a fake byte source scoped to
// that layer. These tests exercise only the orchestration state machine
// layered on top: archive ordering, resetlogs switching, and shutdown.

type fakeLister struct {
	mu      sync.Mutex
	entries []ArchiveEntry
}

func (f *fakeLister) List(ctx context.Context) ([]ArchiveEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ArchiveEntry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

type fakeSink struct {
	mu        sync.Mutex
	written   []builder.Message
	confirmed types.Position
}

func (f *fakeSink) Write(ctx context.Context, m builder.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, m)
	f.confirmed = m.Position()
	return nil
}
func (f *fakeSink) LastConfirmed() types.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed
}

func testConfig() Config {
	return Config{
		Reader: reader.Config{
			RingChunks: 4,
			ChunkSize:  512,
			ReadSleep:  time.Millisecond,
		},
		ArchiveReadLoop: time.Millisecond,
		OnlineReadLoop:  time.Millisecond,
		MaxRecordLen:    512,
		Instance:        "test",
	}
}

// S5: resetlogs detected mid-run switches the active branch and resets the
// sequence cursor to zero.
func TestScenarioS5ResetlogsAdvancesBranchAndResetsSequence(t *testing.T) {
	rp := &Replicator{resetlogs: 7, sequence: 42}
	rp.SetIncarnations([]Incarnation{{Resetlogs: 8, Prior: 7, NextScn: 5000}})

	rp.updateResetlogs()

	assert.Equal(t, types.Resetlogs(8), rp.resetlogs)
	assert.Equal(t, types.Seq(0), rp.sequence)
}

func TestScenarioS5NoMatchingIncarnationLeavesStateUnchanged(t *testing.T) {
	rp := &Replicator{resetlogs: 7, sequence: 42}
	rp.SetIncarnations([]Incarnation{{Resetlogs: 8, Prior: 99, NextScn: 5000}})

	rp.updateResetlogs()

	assert.Equal(t, types.Resetlogs(7), rp.resetlogs)
	assert.Equal(t, types.Seq(42), rp.sequence)
}

// Archive priority queue always pops the lowest sequence first, per
// spec.md section 4.6 step 2's "priority queue of archive parsers ordered
// by ascending sequence."
func TestArchiveHeapOrdersBySequenceAscending(t *testing.T) {
	h := &archiveHeap{
		{Path: "c", Sequence: 30},
		{Path: "a", Sequence: 10},
		{Path: "b", Sequence: 20},
	}
	heap.Init(h)

	var order []types.Seq
	for h.Len() > 0 {
		order = append(order, heap.Pop(h).(ArchiveEntry).Sequence)
	}
	assert.Equal(t, []types.Seq{10, 20, 30}, order)
}

// drainArchive drops entries whose sequence has already been passed and
// waits (rather than erroring) on a gap, per spec.md section 4.6 step 2.
func TestDrainArchiveDropsStaleEntriesAndStopsOnGap(t *testing.T) {
	lister := &fakeLister{entries: []ArchiveEntry{
		{Path: "seq1", Sequence: 1, Resetlogs: 0},
		{Path: "seq3", Sequence: 3, Resetlogs: 0},
	}}
	p := pool.New(4, 512)
	sink := &fakeSink{}
	rp := New(testConfig(), blocksource.NewMemorySource(), p, lister, nil, sink, nil, types.Position{Sequence: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := rp.drainArchive(ctx)
	require.NoError(t, err)
	// sequence 1 is stale (below the cursor) and dropped; sequence 3 leaves
	// a gap at 2, so the cursor never advances past it.
	assert.Equal(t, types.Seq(2), rp.sequence)
}

// The stopLogSwitches countdown reaching zero triggers a soft shutdown
// rather than continuing to the next iteration, per spec.md section 4.6
// step 5.
func TestStopLogSwitchesCountdownTriggersSoftShutdown(t *testing.T) {
	p := pool.New(8, 512)
	sink := &fakeSink{}
	lister := &fakeLister{} // no archive entries: every iteration falls straight to the countdown check
	rp := New(testConfig(), blocksource.NewMemorySource(), p, lister, nil, sink, nil, types.Position{})
	rp.SetStopLogSwitches(0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := rp.driveLoop(ctx)
	require.NoError(t, err)
	assert.True(t, rp.softShutdown.Load())
}
