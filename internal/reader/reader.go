// Package reader implements the Reader component of spec.md section 4.2:
// it turns a redo file into a strictly monotonically advancing byte stream
// in a bounded ring buffer, guaranteeing that every byte handed to the
// parser has been integrity-checked.
package reader

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redopipe/redopipe/internal/blocksource"
	"github.com/redopipe/redopipe/internal/pool"
	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
	"github.com/redopipe/redopipe/logger"
)

// Result is the outcome of one Read loop, spec.md section 4.2's "Result
// codes (exposed as an enum)".
type Result int

const (
	OK Result = iota
	Overwritten
	Finished
	Stopped
	Shutdown
	Empty
	ErrorRead
	ErrorWrite
	ErrorSequence
	ErrorCrc
	ErrorBlock
	ErrorBadData
	Error
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Overwritten:
		return "Overwritten"
	case Finished:
		return "Finished"
	case Stopped:
		return "Stopped"
	case Shutdown:
		return "Shutdown"
	case Empty:
		return "Empty"
	case ErrorRead:
		return "ErrorRead"
	case ErrorWrite:
		return "ErrorWrite"
	case ErrorSequence:
		return "ErrorSequence"
	case ErrorCrc:
		return "ErrorCrc"
	case ErrorBlock:
		return "ErrorBlock"
	case ErrorBadData:
		return "ErrorBadData"
	default:
		return "Error"
	}
}

// Status is the reader's single atomic state variable, spec.md section
// 4.2's "a single atomic variable".
type Status int32

const (
	Sleeping Status = iota
	Check
	Update
	Read
)

// Group 0 is the shared archive reader; groups >= 1 are online log members.
const ArchiveGroup = 0

// Config bounds ring sizing, checksum policy, and timing knobs.
type Config struct {
	RingChunks      int
	ChunkSize       int
	DisableChecksum bool
	VerifyDelay     time.Duration // online logs only
	ReadSleep       time.Duration
	CopyPath        string // optional side-channel directory, "" disables it
	Database        string
}

// Reader streams one redo file. One Reader instance exists per online log
// group plus one shared instance for archive logs (spec.md section 5).
type Reader struct {
	cfg  Config
	src  blocksource.Source
	pool *pool.Pool
	path string
	group int

	status atomic.Int32

	mu             sync.Mutex
	bufferFull     *sync.Cond
	readerSleeping *sync.Cond
	parserSleeping *sync.Cond

	handle blocksource.Handle
	header *FileHeader
	bo     binary.ByteOrder

	sequence types.Seq // the file's own header sequence, once known
	expected types.Seq // the sequence this reader is expected to be reading (online: group's own; archive: current target)

	chunks      []*pool.Chunk
	bufferStart types.FileOffset
	bufferEnd   types.FileOffset
	bufferScan  types.FileOffset

	pending []pendingBlock // blocks read but held for the verification delay

	hintDisplayed bool
	copyFile      *os.File

	hardShutdown *atomic.Bool
	softShutdown *atomic.Bool

	lastResult atomic.Int32
}

type pendingBlock struct {
	offset  types.FileOffset
	readAt  time.Time
	payload []byte
}

// New creates a Reader bound to path, borrowing its ring buffer chunks from
// p immediately (they are held for the reader's lifetime, unlike the
// transaction buffer's on-demand borrowing).
func New(src blocksource.Source, p *pool.Pool, path string, group int, expected types.Seq, cfg Config, hard, soft *atomic.Bool) (*Reader, error) {
	if cfg.ChunkSize != p.ChunkSize() {
		return nil, rerr.New(rerr.Configuration, 200, "reader: ring chunk size must match pool chunk size")
	}
	r := &Reader{
		cfg:          cfg,
		src:          src,
		pool:         p,
		path:         path,
		group:        group,
		expected:     expected,
		hardShutdown: hard,
		softShutdown: soft,
	}
	r.bufferFull = sync.NewCond(&r.mu)
	r.readerSleeping = sync.NewCond(&r.mu)
	r.parserSleeping = sync.NewCond(&r.mu)
	r.status.Store(int32(Sleeping))

	chunks := make([]*pool.Chunk, 0, cfg.RingChunks)
	for i := 0; i < cfg.RingChunks; i++ {
		c, err := p.Borrow(context.Background(), pool.OwnerReader)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	r.chunks = chunks
	return r, nil
}

// Status reports the reader's current state.
func (r *Reader) Status() Status { return Status(r.status.Load()) }

// LastResult reports the outcome of the most recently completed Read loop.
func (r *Reader) LastResult() Result { return Result(r.lastResult.Load()) }

// BlockSize reports the file's on-disk block size, decoded from the block-0
// probe at Check/Update time. Valid only after a successful Check or Update;
// zero beforehand.
func (r *Reader) BlockSize() int {
	if r.header == nil {
		return 0
	}
	return r.header.BlockSize
}

// Close releases the reader's ring-buffer chunks and closes the underlying
// file handle.
func (r *Reader) Close() error {
	if r.handle != nil {
		_ = r.src.Close(r.handle)
	}
	for _, c := range r.chunks {
		r.pool.Return(c)
	}
	if r.copyFile != nil {
		_ = r.copyFile.Close()
	}
	return nil
}

// bufferSizeMax is the ring buffer's byte capacity, N*C in spec.md section
// 4.2's invariant.
func (r *Reader) bufferSizeMax() types.FileOffset {
	return types.FileOffset(len(r.chunks) * r.cfg.ChunkSize)
}

// Check opens the file and validates the two-block header probe (spec.md
// section 4.2's Check state). On success it publishes the decoded
// FileHeader and transitions back to Sleeping.
func (r *Reader) Check(ctx context.Context) (*FileHeader, Result) {
	r.status.Store(int32(Check))
	defer r.status.Store(int32(Sleeping))

	handle, err := r.src.Open(r.path)
	if err != nil {
		logger.Warnf("reader: open %s failed: %v", r.path, err)
		return nil, ErrorRead
	}
	r.handle = handle

	probeMax := 4096 * 2
	probe := make([]byte, probeMax)
	n, err := r.src.ReadAt(ctx, handle, 0, int64(probeMax), probe)
	if err != nil && n == 0 {
		return nil, ErrorRead
	}
	probe = probe[:n]
	if len(probe) < headerSize+4 {
		return nil, ErrorBadData
	}

	blockSize, bigEndian, rerror := decodeBlockZero(probe)
	if rerror != nil {
		logger.Errorf("reader: %s: %v", r.path, rerror)
		return nil, ErrorBadData
	}
	if len(probe) < blockSize*2 {
		more := make([]byte, blockSize*2)
		n, err := r.src.ReadAt(ctx, handle, 0, int64(blockSize*2), more)
		if err != nil && n < blockSize*2 {
			return nil, ErrorRead
		}
		probe = more
	}

	header, rerror := decodeFileHeader(probe[blockSize:], blockSize, bigEndian)
	if rerror != nil {
		logger.Errorf("reader: %s: %v", r.path, rerror)
		return nil, ErrorBadData
	}
	if err := validateCompat(header.CompatVsn); err != nil {
		logger.Errorf("reader: %s: %v", r.path, err)
		return nil, ErrorBadData
	}
	if r.header != nil && headerDrifted(r.header, header) {
		return nil, ErrorBadData
	}

	r.header = header
	r.bo = byteOrder(bigEndian)
	r.sequence = 0 // filled in by the first per-block validation in Read

	return header, OK
}

// headerDrifted reports whether a previously observed file header
// disagrees with a freshly read one on any value that must be stable for
// the lifetime of one incarnation (spec.md section 4.2: "Mismatches against
// previously-observed values are fatal").
func headerDrifted(prev, cur *FileHeader) bool {
	return prev.BlockSize != cur.BlockSize ||
		prev.BigEndian != cur.BigEndian ||
		prev.Activation != cur.Activation ||
		prev.Resetlogs != cur.Resetlogs ||
		prev.Sid != cur.Sid
}

// Update re-reads the header (a file may have grown between sequence
// switches) and resets the ring buffer.
func (r *Reader) Update(ctx context.Context) Result {
	r.status.Store(int32(Update))
	defer r.status.Store(int32(Sleeping))

	header, res := r.Check(ctx)
	if res != OK {
		return res
	}
	// Blocks 0 and 1 are the header pair Check just consumed; streaming
	// resumes at block 2 so the parser never sees them as data.
	headerBlocks := types.FileOffset(2 * header.BlockSize)

	r.mu.Lock()
	r.bufferStart = headerBlocks
	r.bufferEnd = headerBlocks
	r.bufferScan = headerBlocks
	r.sequence = 0
	r.pending = nil
	r.mu.Unlock()
	return OK
}

// ReadLoop streams blocks into the ring buffer until EOF, overwritten,
// stopped, or shutdown, per spec.md section 4.2's Read state. It blocks on
// the buffer-full condition when the ring is saturated and returns as soon
// as ctx is done or hardShutdown is set.
func (r *Reader) ReadLoop(ctx context.Context) Result {
	r.status.Store(int32(Read))
	defer r.status.Store(int32(Sleeping))

	if r.header == nil {
		return ErrorBadData
	}
	// Wake the buffer-full wait below when ctx ends so it reports Shutdown.
	stopWake := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.bufferFull.Broadcast()
		r.mu.Unlock()
	})
	defer stopWake()
	blockSize := int64(r.header.BlockSize)
	reqSize := blockSize // adaptive doubling starts at one block

	for {
		if r.hardShutdown != nil && r.hardShutdown.Load() {
			r.setLastResult(Shutdown)
			return Shutdown
		}
		if ctx.Err() != nil {
			r.setLastResult(Shutdown)
			return Shutdown
		}

		r.mu.Lock()
		for r.bufferEnd-r.bufferStart >= r.bufferSizeMax() {
			if (r.hardShutdown != nil && r.hardShutdown.Load()) || ctx.Err() != nil {
				r.mu.Unlock()
				r.setLastResult(Shutdown)
				return Shutdown
			}
			r.bufferFull.Wait()
		}
		offset := r.bufferEnd
		r.mu.Unlock()

		available := r.bufferSizeMax() - (offset - r.bufferStartSnapshot())
		clamp := reqSize
		if int64(available) < clamp {
			clamp = int64(available)
		}
		if clamp <= 0 {
			clamp = blockSize
		}
		// clamp to chunk boundary so one read never straddles two ring slots.
		chunkRemain := int64(r.cfg.ChunkSize) - int64(offset)%int64(r.cfg.ChunkSize)
		if clamp > chunkRemain {
			clamp = chunkRemain
		}
		clamp -= clamp % blockSize
		if clamp < blockSize {
			clamp = blockSize
		}

		buf := make([]byte, clamp)
		n, err := r.src.ReadAt(ctx, r.handle, int64(offset), clamp, buf)
		if err != nil && n == 0 {
			if ctx.Err() != nil {
				continue // reported as Shutdown at the top of the loop
			}
			res := ErrorRead
			if err == io.EOF {
				res = r.handleShortRead()
			}
			if res != Empty {
				r.setLastResult(res)
				return res
			}
			time.Sleep(r.cfg.ReadSleep)
			continue
		}
		buf = buf[:n-n%int(blockSize)]
		if len(buf) == 0 {
			time.Sleep(r.cfg.ReadSleep)
			continue
		}

		res := r.validateAndStore(offset, buf, blockSize)
		switch res {
		case OK:
			// keep looping
		case Empty:
			time.Sleep(r.cfg.ReadSleep)
			continue
		default:
			r.setLastResult(res)
			return res
		}

		reqSize *= 2
		if reqSize > int64(r.cfg.ChunkSize) {
			reqSize = int64(r.cfg.ChunkSize)
		}
	}
}

func (r *Reader) bufferStartSnapshot() types.FileOffset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufferStart
}

func (r *Reader) handleShortRead() Result {
	if r.group == ArchiveGroup {
		return Finished
	}
	return Empty
}

// validateAndStore runs per-block validation (spec.md section 4.2) over
// each block-sized slice of buf, stores accepted blocks into the ring
// (honoring the verification-delay window for online logs), and advances
// bufferEnd/bufferScan.
func (r *Reader) validateAndStore(offset types.FileOffset, buf []byte, blockSize int64) Result {
	now := time.Now()
	for i := int64(0); i < int64(len(buf)); i += blockSize {
		block := buf[i : i+blockSize]
		blockOffset := offset + types.FileOffset(i)
		res := r.validateBlock(block, blockOffset, blockSize)
		switch res {
		case OK:
			r.storeBlock(blockOffset, block, now)
		case Empty, Overwritten:
			return res
		default:
			return res
		}
	}
	r.promotePending(now)
	return OK
}

func (r *Reader) validateBlock(block []byte, offset types.FileOffset, blockSize int64) Result {
	hdr := decodeBlockHeader(block, r.bo)

	wantMagic := blockMagic[r.header.BlockSize]
	if hdr.blockType != wantMagic {
		return ErrorBlock
	}

	expectedBlockNo := uint32(int64(offset) / blockSize)
	if hdr.blockNo != expectedBlockNo {
		return ErrorBlock
	}

	switch {
	case hdr.sequence == uint32(r.sequence) || r.sequence == 0:
		r.sequence = types.Seq(hdr.sequence)
	case r.group == ArchiveGroup:
		return ErrorSequence
	case hdr.sequence < uint32(r.sequence):
		return Overwritten
	default:
		return Empty
	}

	if !r.cfg.DisableChecksum {
		if !verifyChecksum(block, r.bo) {
			if r.group != ArchiveGroup && time.Since(r.firstSeenPending(offset)) < r.cfg.VerifyDelay {
				return Empty
			}
			return ErrorCrc
		}
	} else if !r.hintDisplayed {
		logger.Warnf("reader: checksum checking disabled for %s", r.path)
		r.hintDisplayed = true
	}

	return OK
}

func (r *Reader) firstSeenPending(offset types.FileOffset) time.Time {
	for _, p := range r.pending {
		if p.offset == offset {
			return p.readAt
		}
	}
	return time.Now()
}

func (r *Reader) storeBlock(offset types.FileOffset, block []byte, now time.Time) {
	if r.cfg.VerifyDelay > 0 && r.group != ArchiveGroup {
		r.mu.Lock()
		r.pending = append(r.pending, pendingBlock{offset: offset, readAt: now, payload: append([]byte(nil), block...)})
		r.bufferScan = offset + types.FileOffset(len(block))
		r.mu.Unlock()
		return
	}
	r.commitBlock(offset, block)
}

func (r *Reader) promotePending(now time.Time) {
	if r.cfg.VerifyDelay == 0 {
		return
	}
	r.mu.Lock()
	var remaining []pendingBlock
	for _, p := range r.pending {
		if now.Sub(p.readAt) >= r.cfg.VerifyDelay {
			r.mu.Unlock()
			r.commitBlock(p.offset, p.payload)
			r.mu.Lock()
		} else {
			remaining = append(remaining, p)
		}
	}
	r.pending = remaining
	r.mu.Unlock()
}

func (r *Reader) commitBlock(offset types.FileOffset, block []byte) {
	chunkSize := types.FileOffset(r.cfg.ChunkSize)
	chunkIdx := (int64(offset) / int64(chunkSize)) % int64(len(r.chunks))
	chunkOffset := int64(offset) % int64(chunkSize)
	copy(r.chunks[chunkIdx].Bytes[chunkOffset:], block)

	if r.cfg.CopyPath != "" {
		if err := r.writeCopy(block); err != nil {
			logger.Errorf("reader: copy side-channel write failed: %v", err)
		}
	}

	r.mu.Lock()
	if offset+types.FileOffset(len(block)) > r.bufferEnd {
		r.bufferEnd = offset + types.FileOffset(len(block))
	}
	if r.bufferEnd > r.bufferScan {
		r.bufferScan = r.bufferEnd
	}
	r.parserSleeping.Broadcast()
	r.mu.Unlock()
}

func (r *Reader) writeCopy(block []byte) error {
	if r.copyFile == nil {
		name := fmt.Sprintf("%s/%s_%d.arc", r.cfg.CopyPath, r.cfg.Database, r.sequence)
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return rerr.Wrap(err, rerr.Runtime, 220, "reader: open copy side-channel")
		}
		r.copyFile = f
	}
	n, err := r.copyFile.Write(block)
	if err != nil || n != len(block) {
		return rerr.New(rerr.Runtime, 221, "reader: short copy write")
	}
	return nil
}

// Confirm advances bufferStart to upTo, as signaled by the parser once it
// has consumed everything before that offset. Freed chunks become eligible
// for the next overwrite and the reader's buffer-full wait unblocks.
func (r *Reader) Confirm(upTo types.FileOffset) {
	r.mu.Lock()
	if upTo > r.bufferStart {
		r.bufferStart = upTo
	}
	r.bufferFull.Broadcast()
	r.mu.Unlock()
}

// WaitForData blocks until bufferEnd has advanced past after, ctx is done,
// or hard shutdown fires — the parser's suspension point, spec.md section
// 5: "Parser suspends waiting for more bytes (condition signaled by
// reader)". Implemented as bounded polling rather than a direct
// parserSleeping.Wait so the parser never needs the reader's internal
// mutex; each poll sleeps no longer than the configured read-sleep
// interval, honoring section 5's "no uninterruptible sleeps" rule.
func (r *Reader) WaitForData(ctx context.Context, after types.FileOffset) {
	for {
		_, end, _ := r.Snapshot()
		if end > after {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if r.hardShutdown != nil && r.hardShutdown.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.ReadSleep):
		}
	}
}

// Snapshot reports the current (start, end, scan) watermarks, for the
// ring-buffer invariant test and for the replicator's progress reporting.
func (r *Reader) Snapshot() (start, end, scan types.FileOffset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufferStart, r.bufferEnd, r.bufferScan
}

// ReadAt copies up to len(dst) bytes starting at offset out of the ring
// buffer, for the parser's consumption. offset must lie within
// [bufferStart, bufferEnd).
func (r *Reader) ReadAt(offset types.FileOffset, dst []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < r.bufferStart || offset >= r.bufferEnd {
		return 0, rerr.New(rerr.Runtime, 230, "reader: offset outside confirmed window")
	}
	chunkSize := types.FileOffset(r.cfg.ChunkSize)
	n := 0
	for n < len(dst) && offset+types.FileOffset(n) < r.bufferEnd {
		cur := offset + types.FileOffset(n)
		chunkIdx := (int64(cur) / int64(chunkSize)) % int64(len(r.chunks))
		chunkOffset := int64(cur) % int64(chunkSize)
		avail := int64(chunkSize) - chunkOffset
		want := int64(len(dst) - n)
		if want > avail {
			want = avail
		}
		copy(dst[n:], r.chunks[chunkIdx].Bytes[chunkOffset:chunkOffset+want])
		n += int(want)
	}
	return n, nil
}

func (r *Reader) setLastResult(res Result) { r.lastResult.Store(int32(res)) }

// validateCompat enforces the accepted-version union, spec.md section 6's
// version gate.
func validateCompat(v uint32) *rerr.Error {
	for _, rng := range acceptedVersions {
		if v >= rng.min && v <= rng.max {
			return nil
		}
	}
	return rerr.New(rerr.Data, 240, "reader: unsupported database compatibility version")
}

type versionRange struct{ min, max uint32 }

// encodeVersion packs a.b.c.d into the same comparable uint32 a synthetic
// test block would encode, purely for constructing acceptedVersions below
// and for tests.
func encodeVersion(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// acceptedVersions is the union spec.md section 6 names.
var acceptedVersions = []versionRange{
	{encodeVersion(11, 2, 0, 0), encodeVersion(11, 2, 0, 4)},
	{encodeVersion(12, 1, 0, 0), encodeVersion(12, 1, 0, 2)},
	{encodeVersion(12, 2, 0, 0), encodeVersion(12, 2, 0, 1)},
	{encodeVersion(18, 0, 0, 0), encodeVersion(18, 14, 0xFF, 0xFF)},
	{encodeVersion(19, 0, 0, 0), encodeVersion(19, 18, 0xFF, 0xFF)},
	{encodeVersion(21, 0, 0, 0), encodeVersion(21, 8, 0xFF, 0xFF)},
	{encodeVersion(23, 0, 0, 0), encodeVersion(23, 3, 0xFF, 0xFF)},
}
