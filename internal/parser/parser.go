package parser

import (
	"context"

	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
)

// ByteSource is the subset of internal/reader.Reader's API the parser
// depends on. Declaring it here (instead of importing the reader package
// directly for the concrete type) keeps the parser testable against a
// fake and keeps the dependency direction in one place.
type ByteSource interface {
	ReadAt(offset types.FileOffset, dst []byte) (int, error)
	Confirm(upTo types.FileOffset)
	Snapshot() (start, end, scan types.FileOffset)
	WaitForData(ctx context.Context, after types.FileOffset)
}

// Change is one decoded redo record handed to the transaction buffer.
type Change struct {
	Opcode   Opcode
	Position types.Position
	Table    uint32 // object id placeholder; catalog bootstrap is an external collaborator
	Columns  []ColumnValue
}

// Sink is the transaction buffer's contract from the parser's point of
// view, per spec.md section 4.4's begin/change/rollback/commit contract.
type Sink interface {
	Begin(xid types.Xid, scn types.Scn)
	Change(xid types.Xid, ch Change) error
	Rollback(xid types.Xid)
	Commit(xid types.Xid, commitScn types.Scn, subscn uint16) error
}

// blockHeaderSize mirrors internal/reader's per-block header width
// (reader.HeaderSize): the reader stores every block verbatim, header
// included, at its literal file offset, so the parser's byte-stream
// addressing has to skip the same 24 bytes whenever it crosses into a new
// block. Kept as its own constant (like recordHeaderSize below) rather than
// importing reader, per ByteSource's doc comment above.
const blockHeaderSize = 24

// Parser streams records out of one reader's confirmed byte window and
// drives a Sink. One Parser exists per log group, matching its Reader.
//
// pos is a physical file offset in the same addressing as the underlying
// ByteSource (reader.Reader): it always points at a payload byte, never at
// a per-block header byte. Reads that would otherwise run into a header are
// split around it by readLogical.
type Parser struct {
	src          ByteSource
	sink         Sink
	blockSize    int
	maxRecordLen int
	resetlogs    types.Resetlogs
	sequence     types.Seq
	pos          types.FileOffset
}

// New creates a Parser starting at the given file offset (normally just
// past the two header blocks, or a checkpoint's resume offset). blockSize
// is the file's actual on-disk block size (reader.Reader.BlockSize, decoded
// at Check/Update time) — not the ring buffer's chunk size, which is an
// unrelated memory-granularity knob. maxRecordLen bounds a single record's
// declared length (normally the ring buffer's chunk size); a declared
// length beyond it can never be satisfied and is rejected immediately
// instead of waiting forever for bytes that will never arrive, per spec.md
// section 4.3's "declared length overruns the buffer" failure.
//
// start commonly lands exactly on a block boundary (reader.Update's resume
// offset is always 2*blockSize), which is itself the start of that block's
// own header; New nudges it past that header so pos keeps its payload-byte
// invariant from the very first read.
func New(src ByteSource, sink Sink, blockSize, maxRecordLen int, resetlogs types.Resetlogs, sequence types.Seq, start types.FileOffset) *Parser {
	p := &Parser{src: src, sink: sink, blockSize: blockSize, maxRecordLen: maxRecordLen, resetlogs: resetlogs, sequence: sequence}
	p.pos = skipBlockHeader(start, blockSize)
	return p
}

// skipBlockHeader nudges a physical offset that lands exactly on a block
// boundary past that block's own per-block header. Every block carries one
// (block.go's shared layout), not just the file's first two.
func skipBlockHeader(pos types.FileOffset, blockSize int) types.FileOffset {
	if blockSize > 0 && uint64(pos)%uint64(blockSize) == 0 {
		return pos + types.FileOffset(blockHeaderSize)
	}
	return pos
}

// Position reports the parser's confirmed-up-to cursor.
func (p *Parser) Position() types.FileOffset { return p.pos }

// Run consumes records until ctx is canceled or a fatal decode error
// occurs. Per spec.md section 4.3, there is no silent skipping: any
// framing or decode failure stops the parser with that error, tagged with
// file position, and the caller (the replicator) aborts the pipeline.
func (p *Parser) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		advanced, err := p.step(ctx)
		if err != nil {
			return err
		}
		if !advanced && ctx.Err() != nil {
			return nil
		}
	}
}

// step consumes exactly one record. It returns advanced=false without
// error when ctx was canceled while waiting for more bytes, or when a read
// raced an in-progress reader write and came up short (retry on the next
// call). A genuine read failure — the underlying window having moved past
// p.pos, e.g. reader.Reader.ReadAt's "offset outside confirmed window" —
// is fatal and returned per spec.md section 4.3's no-silent-skip rule.
func (p *Parser) step(ctx context.Context) (bool, error) {
	hdrBuf := make([]byte, recordHeaderSize)
	if !p.await(ctx, recordHeaderSize) {
		return false, nil
	}
	n, _, err := p.readLogical(p.pos, hdrBuf)
	if err != nil {
		return false, rerr.Wrap(err, rerr.Runtime, 413, "parser: read record header").AtPosition("", uint32(p.sequence), uint64(p.pos))
	}
	if n < recordHeaderSize {
		return false, nil
	}

	hdr, rerror := decodeRecordHeader(hdrBuf)
	if rerror != nil {
		return false, rerror.AtPosition("", uint32(p.sequence), uint64(p.pos))
	}
	if p.maxRecordLen > 0 && hdr.length > p.maxRecordLen {
		return false, rerr.New(rerr.RedoLog, 412, "parser: record length overruns buffer").AtPosition("", uint32(p.sequence), uint64(p.pos))
	}

	full := make([]byte, hdr.length)
	if !p.await(ctx, hdr.length) {
		return false, nil
	}
	n, cur, err := p.readLogical(p.pos, full)
	if err != nil {
		return false, rerr.Wrap(err, rerr.Runtime, 414, "parser: read record body").AtPosition("", uint32(p.sequence), uint64(p.pos))
	}
	if n < hdr.length {
		return false, nil
	}

	if err := p.dispatch(hdr, full[recordHeaderSize:]); err != nil {
		if re, ok := err.(*rerr.Error); ok {
			return false, re.AtPosition("", uint32(p.sequence), uint64(p.pos))
		}
		return false, err
	}

	p.advance(cur)
	return true, nil
}

// readLogical copies up to len(dst) payload bytes starting at the physical
// offset pos into dst, hopping over every per-block header it crosses —
// mirroring reader.Reader.ReadAt's own block-indexed addressing, just one
// level up (payload bytes instead of raw bytes). It returns the number of
// bytes copied and the physical offset just past the last byte copied,
// which is always safe to resume reading or waiting from (it has already
// been nudged past a header if it landed on one). A nil error with
// n < len(dst) means the underlying source simply doesn't have the rest of
// the bytes yet; a non-nil error is the source's own read failure.
func (p *Parser) readLogical(pos types.FileOffset, dst []byte) (int, types.FileOffset, error) {
	if p.blockSize <= 0 {
		// No block framing configured (tests only; production always
		// supplies the real on-disk block size): read straight through.
		n, err := p.src.ReadAt(pos, dst)
		return n, pos + types.FileOffset(n), err
	}
	n := 0
	cur := pos
	for n < len(dst) {
		blockStart := (uint64(cur) / uint64(p.blockSize)) * uint64(p.blockSize)
		blockEnd := blockStart + uint64(p.blockSize)
		avail := int(blockEnd - uint64(cur))
		want := len(dst) - n
		if want > avail {
			want = avail
		}
		got, err := p.src.ReadAt(cur, dst[n:n+want])
		if err != nil {
			return n, cur, err
		}
		n += got
		cur += types.FileOffset(got)
		if got < want {
			return n, cur, nil
		}
		if got == avail {
			cur = skipBlockHeader(cur, p.blockSize)
		}
	}
	return n, cur, nil
}

// physicalSpan returns the physical offset just past the last physical byte
// needed to satisfy a read of n logical (payload) bytes starting at pos,
// accounting for every per-block header that read will cross.
func physicalSpan(pos types.FileOffset, n, blockSize int) types.FileOffset {
	if blockSize <= 0 {
		return pos + types.FileOffset(n)
	}
	cur := pos
	remaining := n
	for remaining > 0 {
		blockStart := (uint64(cur) / uint64(blockSize)) * uint64(blockSize)
		blockEnd := blockStart + uint64(blockSize)
		avail := int(blockEnd - uint64(cur))
		if remaining <= avail {
			cur += types.FileOffset(remaining)
			remaining = 0
		} else {
			cur = types.FileOffset(blockEnd)
			remaining -= avail
			cur = skipBlockHeader(cur, blockSize)
		}
	}
	return cur
}

// await blocks until length logical bytes are available at p.pos, or ctx is
// done. The physical span it waits for is wider than length whenever that
// read would cross one or more per-block headers.
func (p *Parser) await(ctx context.Context, length int) bool {
	needEnd := physicalSpan(p.pos, length, p.blockSize)
	for {
		_, end, _ := p.src.Snapshot()
		if uint64(end) >= uint64(needEnd) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		p.src.WaitForData(ctx, end)
	}
}

// advance moves the cursor to newPos (the physical offset readLogical left
// off at after reading one consumed record) and confirms to the reader
// whenever that crossed a block boundary, per spec.md section 4.3: "when
// this offset crosses a block boundary, the reader is signaled to advance
// bufferStart."
func (p *Parser) advance(newPos types.FileOffset) {
	if p.blockSize <= 0 {
		p.pos = newPos
		return
	}
	prevBlock := uint64(p.pos) / uint64(p.blockSize)
	newBlock := uint64(newPos) / uint64(p.blockSize)
	p.pos = newPos
	if newBlock > prevBlock {
		p.src.Confirm(types.FileOffset(newBlock * uint64(p.blockSize)))
	}
}

func (p *Parser) dispatch(hdr recordHeader, body []byte) error {
	switch hdr.opcode.Kind {
	case KindKTB:
		return p.dispatchKTB(hdr)
	case KindKDO:
		return p.dispatchKDO(hdr, body)
	case KindLOB:
		return p.dispatchLOB(hdr, body)
	case KindDDL:
		return p.dispatchDDL(hdr, body)
	default:
		return nil // unrecognized opcode family: an opaque marker, not an error
	}
}

func (p *Parser) position(hdr recordHeader) types.Position {
	return types.Position{Resetlogs: p.resetlogs, Sequence: p.sequence, Offset: p.pos, Scn: hdr.scn}
}

func (p *Parser) dispatchKTB(hdr recordHeader) error {
	switch hdr.opcode.Verb {
	case verbKTBBegin:
		p.sink.Begin(hdr.xid, hdr.scn)
	case verbKTBCommit:
		return p.sink.Commit(hdr.xid, hdr.scn, hdr.subscn)
	case verbKTBRollback:
		p.sink.Rollback(hdr.xid)
	}
	return nil
}

func (p *Parser) dispatchKDO(hdr recordHeader, body []byte) error {
	subs, rerror := walkSubrecords(body)
	if rerror != nil {
		return rerror
	}

	var cols []ColumnValue
	if bitmapSub, ok := fieldByNo(subs, fieldNoBitmap); ok {
		if valuesSub, ok := fieldByNo(subs, fieldNoValues); ok {
			decoded, rerror := decodeRow(bitmapSub, valuesSub)
			if rerror != nil {
				return rerror
			}
			cols = decoded
		}
	}

	ch := Change{Opcode: hdr.opcode, Position: p.position(hdr), Columns: cols}
	return p.sink.Change(hdr.xid, ch)
}

func (p *Parser) dispatchLOB(hdr recordHeader, body []byte) error {
	ch := Change{Opcode: hdr.opcode, Position: p.position(hdr), Columns: []ColumnValue{{Index: 0, Raw: body}}}
	return p.sink.Change(hdr.xid, ch)
}

func (p *Parser) dispatchDDL(hdr recordHeader, body []byte) error {
	ch := Change{Opcode: hdr.opcode, Position: p.position(hdr), Columns: []ColumnValue{{Index: 0, Raw: body}}}
	return p.sink.Change(hdr.xid, ch)
}
