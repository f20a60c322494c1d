// Package pool implements the process-wide memory chunk pool spec.md
// section 3 describes: fixed-size slabs borrowed one at a time by the
// reader's ring buffer and the transaction buffer's change chains, tagged by
// owner for usage reporting. All owners draw on one shared limit; there is
// no separate quota per owner.
//
// Borrowing blocks when the pool is exhausted (spec.md section 4.4's
// "blocks until available when pool exhausted — backpressure to reader").
// That blocking acquire is golang.org/x/sync/semaphore.Weighted rather than
// a hand-rolled mutex+cond: it already honors context cancellation, which
// is what lets a borrow unblock immediately on hard shutdown.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/redopipe/redopipe/internal/rerr"
)

// Owner tags a chunk by the subsystem holding it, so Pool.Snapshot can report
// per-owner usage without subsystems needing their own counters.
type Owner int

const (
	OwnerReader Owner = iota
	OwnerTxnBuffer
)

func (o Owner) String() string {
	switch o {
	case OwnerReader:
		return "reader"
	case OwnerTxnBuffer:
		return "txn_buffer"
	default:
		return "unknown"
	}
}

// Chunk is one fixed-size slab. Bytes is always len == the pool's chunk
// size; callers slice into it but never reslice its backing array away.
type Chunk struct {
	Bytes []byte
	owner Owner
}

// Owner reports which subsystem currently holds this chunk.
func (c *Chunk) Owner() Owner { return c.owner }

// Pool is a fixed-capacity set of chunks drawn from a single free list.
type Pool struct {
	chunkSize int
	capacity  int64
	sem       *semaphore.Weighted

	mu      sync.Mutex
	free    []*Chunk
	inUse   map[Owner]int64
	highWat int64
}

// New creates a pool of `capacity` chunks, each `chunkSize` bytes.
func New(capacity, chunkSize int) *Pool {
	p := &Pool{
		chunkSize: chunkSize,
		capacity:  int64(capacity),
		sem:       semaphore.NewWeighted(int64(capacity)),
		inUse:     make(map[Owner]int64),
	}
	p.free = make([]*Chunk, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Chunk{Bytes: make([]byte, chunkSize)})
	}
	return p
}

// Capacity returns the total number of chunks the pool was built with.
func (p *Pool) Capacity() int { return int(p.capacity) }

// ChunkSize returns the fixed size of every chunk in bytes.
func (p *Pool) ChunkSize() int { return p.chunkSize }

// Borrow blocks until a chunk is available or ctx is done. A done ctx
// (e.g. on hard shutdown) returns the context's error wrapped as a Runtime
// error rather than blocking forever.
func (p *Pool) Borrow(ctx context.Context, owner Owner) (*Chunk, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, rerr.Wrap(err, rerr.Runtime, 1, "pool: borrow canceled")
	}
	p.mu.Lock()
	n := len(p.free)
	c := p.free[n-1]
	p.free = p.free[:n-1]
	c.owner = owner
	p.inUse[owner]++
	inUse := p.capacity - int64(len(p.free))
	if inUse > p.highWat {
		p.highWat = inUse
	}
	p.mu.Unlock()
	return c, nil
}

// Return releases a chunk back to the free list. Callers must not touch the
// chunk after returning it: ownership has transferred back to the pool.
func (p *Pool) Return(c *Chunk) {
	p.mu.Lock()
	p.inUse[c.owner]--
	c.owner = 0
	p.free = append(p.free, c)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Stats snapshots current usage, for the control surface's status() verb
// and for test assertions like "pool's in-use count returns to its
// pre-transaction value" (spec.md scenario S6).
type Stats struct {
	Capacity   int64
	Free       int64
	InUse      map[Owner]int64
	HighWater  int64
}

func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := make(map[Owner]int64, len(p.inUse))
	var total int64
	for o, n := range p.inUse {
		inUse[o] = n
		total += n
	}
	return Stats{
		Capacity:  p.capacity,
		Free:      int64(len(p.free)),
		InUse:     inUse,
		HighWater: p.highWat,
	}
}

// InUseTotal is a convenience accessor used by backpressure tests.
func (p *Pool) InUseTotal() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, n := range p.inUse {
		total += n
	}
	return total
}
