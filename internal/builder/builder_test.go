package builder

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redopipe/redopipe/internal/parser"
	"github.com/redopipe/redopipe/internal/txn"
	"github.com/redopipe/redopipe/internal/types"
)

type fakeSink struct {
	mu        sync.Mutex
	written   []Message
	confirmed types.Position
}

func (f *fakeSink) Write(ctx context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, m)
	return nil
}

func (f *fakeSink) LastConfirmed() types.Position { return f.confirmed }

func insertChange(scn types.Scn, offset types.FileOffset) parser.Change {
	return parser.Change{
		Opcode:   parser.Opcode{Kind: parser.KindKDO, Layer: 11, Verb: 2},
		Position: types.Position{Sequence: 1, Offset: offset, Scn: scn},
		Table:    42,
		Columns:  []parser.ColumnValue{{Index: 0, Raw: []byte("a")}},
	}
}

func TestBuilderRendersChangesAndTagsPosition(t *testing.T) {
	src := make(chan txn.Released, 1)
	sink := &fakeSink{}
	b := New(src, sink, 0)

	src <- txn.Released{
		Xid:       types.Xid{Usn: 1, Slot: 1, Wrap: 1},
		CommitScn: 200,
		Changes:   []parser.Change{insertChange(100, 512)},
	}
	close(src)

	require.NoError(t, b.Run(context.Background()))
	require.Len(t, sink.written, 1)
	assert.Equal(t, OpInsert, sink.written[0].Operation)
	assert.Equal(t, types.Scn(100), sink.written[0].Scn)
	assert.NotEmpty(t, sink.written[0].Fingerprint)
}

func TestBuilderSkipsChangesAtOrBeforeConfirmedFloor(t *testing.T) {
	src := make(chan txn.Released, 1)
	sink := &fakeSink{confirmed: types.Position{Sequence: 1, Offset: 512, Scn: 100}}
	b := New(src, sink, 0)

	src <- txn.Released{
		Xid: types.Xid{Usn: 1, Slot: 1, Wrap: 1},
		Changes: []parser.Change{
			insertChange(100, 512), // at floor: already durable, skip
			insertChange(101, 600), // past floor: emit
		},
	}
	close(src)

	require.NoError(t, b.Run(context.Background()))
	require.Len(t, sink.written, 1)
	assert.Equal(t, types.Scn(101), sink.written[0].Scn)
}

func TestFingerprintDiffersAcrossColumnValues(t *testing.T) {
	a := render(txn.Released{Xid: types.Xid{Usn: 1}}, insertChange(100, 512), 0)
	b := render(txn.Released{Xid: types.Xid{Usn: 1}}, insertChange(100, 512), 0)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	c2 := insertChange(100, 512)
	c2.Columns[0].Raw = []byte("b")
	c := render(txn.Released{Xid: types.Xid{Usn: 1}}, c2, 0)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}
