// Package txn implements the Transaction Buffer of spec.md section 4.4: it
// holds the open set of in-flight transactions and releases them to the
// builder in commit-SCN order.
package txn

import (
	"context"
	"sync"

	"github.com/redopipe/redopipe/internal/parser"
	"github.com/redopipe/redopipe/internal/pool"
	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
)

// changeCost is the accounting unit charged against a chunk's capacity per
// appended change. Go's in-process Change values never actually need
// manual byte-packing the way an out-of-process chain would, but billing
// each one against the chunk's byte budget keeps the pool's backpressure
// behavior (spec.md section 4.4: "blocks until available when pool
// exhausted") driven by the same chunk-sized quota a serialized chain
// would consume.
const changeCost = 256

// Released is one transaction's change chain, handed to the builder in
// commit order.
type Released struct {
	Xid       types.Xid
	CommitScn types.Scn
	Subscn    uint16
	Changes   []parser.Change
}

type entry struct {
	xid      types.Xid
	beginScn types.Scn
	changes  []parser.Change
	chunks   []*pool.Chunk
	tailUsed int
}

// Buffer implements parser.Sink. Release order follows call order, which is
// always commit-SCN order because the parser emits Commit exactly when it
// meets a transaction's commit marker in the redo stream — the stream
// itself is SCN-ordered, so the buffer needs no internal reordering, only
// forwarding (spec.md section 4.4: "a transaction is never released before
// all its changes have been parsed").
type Buffer struct {
	ctx  context.Context
	pool *pool.Pool
	out  chan Released

	mu      sync.Mutex
	entries map[types.Xid]*entry
}

// New creates a Buffer drawing chunks from p. ctx bounds chunk borrows so a
// hard shutdown unblocks a Change() call waiting on an exhausted pool.
// outCapacity sizes the release channel's buffering toward the builder.
func New(ctx context.Context, p *pool.Pool, outCapacity int) *Buffer {
	return &Buffer{
		ctx:     ctx,
		pool:    p,
		out:     make(chan Released, outCapacity),
		entries: make(map[types.Xid]*entry),
	}
}

// Released is the channel the builder drains committed transactions from.
func (b *Buffer) Released() <-chan Released { return b.out }

// Begin implements parser.Sink: reuse the entry if xid is already open
// (e.g. a begin marker re-observed after an Update reset), else create it.
func (b *Buffer) Begin(xid types.Xid, scn types.Scn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[xid]; ok {
		return
	}
	b.entries[xid] = &entry{xid: xid, beginScn: scn}
}

// Change implements parser.Sink: append ch to xid's chain, borrowing a new
// chunk from the pool when the current tail's billed capacity is spent.
// Begin is tolerant of arriving implicitly: a Change for an xid with no
// prior Begin auto-opens the entry rather than erroring, since redo logs
// can start mid-transaction at a checkpoint-resume boundary.
func (b *Buffer) Change(xid types.Xid, ch parser.Change) error {
	b.mu.Lock()
	e, ok := b.entries[xid]
	if !ok {
		e = &entry{xid: xid, beginScn: ch.Position.Scn}
		b.entries[xid] = e
	}
	needChunk := len(e.chunks) == 0 || e.tailUsed+changeCost > b.pool.ChunkSize()
	b.mu.Unlock()

	if needChunk {
		c, err := b.pool.Borrow(b.ctx, pool.OwnerTxnBuffer)
		if err != nil {
			return rerr.Wrap(err, rerr.Runtime, 500, "txn: borrow chunk for change chain")
		}
		b.mu.Lock()
		e.chunks = append(e.chunks, c)
		e.tailUsed = 0
		b.mu.Unlock()
	}

	b.mu.Lock()
	e.changes = append(e.changes, ch)
	e.tailUsed += changeCost
	b.mu.Unlock()
	return nil
}

// Rollback implements parser.Sink: discard the chain and return its chunks
// to the pool without releasing anything to the builder.
func (b *Buffer) Rollback(xid types.Xid) {
	b.mu.Lock()
	e, ok := b.entries[xid]
	delete(b.entries, xid)
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range e.chunks {
		b.pool.Return(c)
	}
}

// Commit implements parser.Sink: transfer the chain to the builder and
// return its chunks to the pool. The blocking send on b.out is the
// "Builder suspends waiting for ... committed transactions" backpressure
// point of spec.md section 5: a slow or stalled builder holds this call,
// which holds the parser, which holds the reader.
func (b *Buffer) Commit(xid types.Xid, commitScn types.Scn, subscn uint16) error {
	b.mu.Lock()
	e, ok := b.entries[xid]
	delete(b.entries, xid)
	b.mu.Unlock()
	if !ok {
		return rerr.New(rerr.RedoLog, 501, "txn: commit for unknown transaction")
	}
	for _, c := range e.chunks {
		b.pool.Return(c)
	}

	select {
	case b.out <- Released{Xid: xid, CommitScn: commitScn, Subscn: subscn, Changes: e.changes}:
		return nil
	case <-b.ctx.Done():
		return rerr.Wrap(b.ctx.Err(), rerr.Runtime, 502, "txn: commit canceled waiting on builder")
	}
}

// OpenCount reports the number of live (uncommitted, unrolled-back)
// transactions, for status reporting.
func (b *Buffer) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
