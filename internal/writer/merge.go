package writer

import (
	"container/heap"
	"context"
	"sync"

	"github.com/redopipe/redopipe/internal/builder"
	"github.com/redopipe/redopipe/internal/types"
)

// MergeWriter fans multiple instances' committed messages (one per RAC
// thread/log group, per spec.md section 9) into a single ordered stream
// feeding one underlying Writer. Grounded on the original's
// RacMergeWriterFile, which serializes concurrent per-instance senders
// behind one mutex before appending to a shared file; here the ordering
// step is explicit (a min-heap keyed on (scn, subscn)) rather than
// leaving interleaving to whichever goroutine reaches the mutex first.
type MergeWriter struct {
	out *Writer

	mu      sync.Mutex
	pending mergeHeap
	next    map[int]bool // which source ids are still registered
}

// NewMergeWriter creates a MergeWriter over out, expecting sourceCount
// distinct upstream senders (one per log group/instance) each calling
// Submit until they call Done.
func NewMergeWriter(out *Writer, sourceCount int) *MergeWriter {
	m := &MergeWriter{out: out, next: make(map[int]bool, sourceCount)}
	for i := 0; i < sourceCount; i++ {
		m.next[i] = true
	}
	return m
}

type mergeItem struct {
	source int
	msg    builder.Message
}

// mergeHeap is the container/heap.Interface backing MergeWriter's ordering.
type mergeHeap []mergeItem

// keyLess orders two messages by (scn, subscn, xid), matching spec.md
// section 5's "ties broken deterministically by subscn then xid" release
// order, applied here across sources instead of within one transaction
// buffer.
func keyLess(a, b builder.Message) bool {
	if a.Scn != b.Scn {
		return a.Scn < b.Scn
	}
	if a.Subscn != b.Subscn {
		return a.Subscn < b.Subscn
	}
	return a.Xid < b.Xid
}

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return keyLess(h[i].msg, h[j].msg) }
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Submit enqueues msg from source (0-based index below sourceCount) and
// drains any messages now safe to write: a message is safe once every
// still-registered source has either submitted something at or past its
// (scn, subscn) or finished via Done, since the heap can otherwise not
// know whether a smaller key might still arrive from a quiet source.
func (m *MergeWriter) Submit(ctx context.Context, source int, msg builder.Message) error {
	m.mu.Lock()
	heap.Push(&m.pending, mergeItem{source: source, msg: msg})
	m.mu.Unlock()
	return m.drain(ctx)
}

// Done marks source as finished; it contributes no further messages, so
// the heap no longer waits on it before releasing smaller keys.
func (m *MergeWriter) Done(ctx context.Context, source int) error {
	m.mu.Lock()
	delete(m.next, source)
	m.mu.Unlock()
	return m.drain(ctx)
}

// watermark reports the lowest (scn, subscn) any still-open source might
// still produce. Because each source submits in non-decreasing order
// (every upstream Builder forwards its Writer-bound messages in commit
// order), the lowest pending entry per source is a safe lower bound for
// that source's future output.
func (m *MergeWriter) watermark() (types.Scn, uint16, bool) {
	if len(m.next) == 0 {
		return 0, 0, false
	}
	lowestPerSource := make(map[int]mergeItem)
	for _, it := range m.pending {
		cur, ok := lowestPerSource[it.source]
		if !ok || keyLess(it.msg, cur.msg) {
			lowestPerSource[it.source] = it
		}
	}
	haveAll := true
	var wmScn types.Scn
	var wmSub uint16
	first := true
	for src := range m.next {
		it, ok := lowestPerSource[src]
		if !ok {
			haveAll = false
			continue
		}
		if first || it.msg.Scn < wmScn || (it.msg.Scn == wmScn && it.msg.Subscn < wmSub) {
			wmScn, wmSub = it.msg.Scn, it.msg.Subscn
			first = false
		}
	}
	return wmScn, wmSub, haveAll
}

// drain writes every pending message whose key is at or below the current
// watermark, in heap order, without blocking: a source with nothing
// pending yet might still produce a smaller key, so drain simply leaves
// later messages queued until that source submits or calls Done. Each
// source's own goroutine naturally makes progress calling Submit/Done, so
// no explicit wait is needed here.
func (m *MergeWriter) drain(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return nil
		}
		wmScn, wmSub, haveAll := m.watermark()
		allDone := len(m.next) == 0
		if !haveAll && !allDone {
			m.mu.Unlock()
			return nil
		}

		top := m.pending[0]
		ready := allDone || top.msg.Scn < wmScn || (top.msg.Scn == wmScn && top.msg.Subscn <= wmSub)
		if !ready {
			m.mu.Unlock()
			return nil
		}
		heap.Pop(&m.pending)
		m.mu.Unlock()

		if err := m.out.Write(ctx, top.msg); err != nil {
			return err
		}
	}
}
