package reader

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redopipe/redopipe/internal/blocksource"
	"github.com/redopipe/redopipe/internal/pool"
	"github.com/redopipe/redopipe/internal/types"
)

const testBlockSize = 512

func newBlock(blockNo, sequence uint32) []byte {
	b := make([]byte, testBlockSize)
	b[offFlag] = 0
	b[offBlockType] = blockMagic[testBlockSize]
	binary.LittleEndian.PutUint32(b[offBlockNo:offBlockNo+4], blockNo)
	binary.LittleEndian.PutUint32(b[offSequence:offSequence+4], sequence)
	return b
}

func sealBlock(b []byte) []byte {
	cs := expectedChecksum(b, binary.LittleEndian)
	binary.LittleEndian.PutUint16(b[offChecksum:offChecksum+2], cs)
	return b
}

func buildBlockZero(sequence uint32) []byte {
	b := newBlock(0, sequence)
	binary.LittleEndian.PutUint32(b[offBlockSize:offBlockSize+4], testBlockSize)
	copy(b[offEndianMark:offEndianMark+4], endianLittle[:])
	return sealBlock(b)
}

func buildBlockOne(sequence uint32, compatVsn, resetlogs uint32, firstScn uint64, sid string) []byte {
	b := newBlock(1, sequence)
	bo := binary.LittleEndian
	bo.PutUint32(b[b1CompatVsn:b1CompatVsn+4], compatVsn)
	bo.PutUint32(b[b1Activation:b1Activation+4], 1)
	bo.PutUint32(b[b1Resetlogs:b1Resetlogs+4], resetlogs)
	bo.PutUint64(b[b1FirstScn:b1FirstScn+8], firstScn)
	bo.PutUint32(b[b1FirstTime:b1FirstTime+4], 1700000000)
	bo.PutUint64(b[b1NextScn:b1NextScn+8], firstScn+1000)
	bo.PutUint32(b[b1NextTime:b1NextTime+4], 1700001000)
	bo.PutUint32(b[b1TotalBlocks:b1TotalBlocks+4], 64)
	copy(b[b1Sid:b1Sid+b1SidLen], []byte(sid))
	return sealBlock(b)
}

func buildDataBlock(blockNo, sequence uint32) []byte {
	return sealBlock(newBlock(blockNo, sequence))
}

// buildArchiveFile assembles a well-formed two-block header plus nData
// sequential data blocks, all at sequence.
func buildArchiveFile(sequence uint32, nData int) []byte {
	out := append([]byte{}, buildBlockZero(sequence)...)
	out = append(out, buildBlockOne(sequence, 0x13000000, 7, 1_000_000, "ORCLCDB")...)
	for i := 0; i < nData; i++ {
		out = append(out, buildDataBlock(uint32(2+i), sequence)...)
	}
	return out
}

func newTestReader(t *testing.T, src blocksource.Source, path string, group int, ringChunks int) *Reader {
	t.Helper()
	p := pool.New(ringChunks+1, testBlockSize)
	hard := &atomic.Bool{}
	soft := &atomic.Bool{}
	cfg := Config{
		RingChunks: ringChunks,
		ChunkSize:  testBlockSize,
		ReadSleep:  time.Millisecond,
		Database:   "orcl",
	}
	r, err := New(src, p, path, group, types.SeqNone, cfg, hard, soft)
	require.NoError(t, err)
	return r
}

// Testable property: the XOR-fold checksum detects single-byte corruption
// and a block sealed with expectedChecksum always verifies clean.
func TestChecksumFoldDetectsCorruption(t *testing.T) {
	b := buildDataBlock(5, 9)
	assert.True(t, verifyChecksum(b, binary.LittleEndian))

	b[100] ^= 0xFF
	assert.False(t, verifyChecksum(b, binary.LittleEndian))
}

// Testable property: decoding block 0 and block 1 round-trips every field
// that was encoded.
func TestFileHeaderRoundTrip(t *testing.T) {
	b0 := buildBlockZero(42)
	size, bigEndian, rerror := decodeBlockZero(b0)
	require.Nil(t, rerror)
	assert.Equal(t, testBlockSize, size)
	assert.False(t, bigEndian)

	b1 := buildBlockOne(42, 0x13000000, 7, 1_000_000, "ORCLCDB")
	header, rerror := decodeFileHeader(b1, size, bigEndian)
	require.Nil(t, rerror)
	assert.Equal(t, types.Resetlogs(7), header.Resetlogs)
	assert.Equal(t, types.Scn(1_000_000), header.FirstScn)
	assert.Equal(t, types.Scn(1_001_000), header.NextScn)
	assert.Equal(t, "ORCLCDB", header.Sid)
}

// Testable property: an archive reader that hits a block whose sequence
// does not match the file's established sequence fails with ErrorSequence
// rather than silently accepting it.
func TestArchiveSequenceMismatchIsFatal(t *testing.T) {
	content := buildArchiveFile(5, 3)
	// Corrupt the third data block's sequence field in place.
	third := content[2*testBlockSize+2*testBlockSize:]
	binary.LittleEndian.PutUint32(third[offSequence:offSequence+4], 6)
	sealBlock(third[:testBlockSize])

	src := blocksource.NewMemorySource()
	src.Put("arc1", content)

	r := newTestReader(t, src, "arc1", ArchiveGroup, 4)
	defer r.Close()

	_, res := r.Check(context.Background())
	require.Equal(t, OK, res)
	require.Equal(t, OK, r.Update(context.Background()))

	res = r.ReadLoop(context.Background())
	assert.Equal(t, ErrorSequence, res)
}

// Testable property: archive reads that reach EOF cleanly report Finished,
// and the ring buffer invariant (end - start <= N*chunkSize) holds at every
// observed instant while the parser side lags behind via Confirm.
func TestArchiveReadFinishesAndRespectsRingInvariant(t *testing.T) {
	content := buildArchiveFile(5, 40)
	src := blocksource.NewMemorySource()
	src.Put("arc1", content)

	ringChunks := 3
	r := newTestReader(t, src, "arc1", ArchiveGroup, ringChunks)
	defer r.Close()

	_, res := r.Check(context.Background())
	require.Equal(t, OK, res)
	require.Equal(t, OK, r.Update(context.Background()))

	done := make(chan Result, 1)
	go func() { done <- r.ReadLoop(context.Background()) }()

	ringMax := types.FileOffset(ringChunks * testBlockSize)
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case res := <-done:
			assert.Equal(t, Finished, res)
			return
		case <-ticker.C:
			start, end, _ := r.Snapshot()
			assert.LessOrEqual(t, end-start, ringMax, "ring buffer invariant violated")
			r.Confirm(end) // drain as fast as possible, like an eager parser
		case <-deadline:
			t.Fatal("reader did not finish in time")
		}
	}
}

// Testable property: a corrupted checksum on an archive log is always fatal
// (no verification-delay grace period applies to archive reads).
func TestArchiveChecksumCorruptionIsFatal(t *testing.T) {
	content := buildArchiveFile(5, 3)
	dataStart := 2 * testBlockSize
	content[dataStart+100] ^= 0xFF // corrupt the first data block's payload

	src := blocksource.NewMemorySource()
	src.Put("arc1", content)

	r := newTestReader(t, src, "arc1", ArchiveGroup, 4)
	defer r.Close()

	_, res := r.Check(context.Background())
	require.Equal(t, OK, res)
	require.Equal(t, OK, r.Update(context.Background()))

	res = r.ReadLoop(context.Background())
	assert.Equal(t, ErrorCrc, res)
}

// Testable property: an online-group reader treats a short read (the writer
// hasn't caught up yet) as Empty rather than Finished, and keeps polling at
// the read-sleep interval instead of returning.
func TestOnlineShortReadIsEmptyNotFinished(t *testing.T) {
	content := buildArchiveFile(9, 1)
	src := blocksource.NewMemorySource()
	src.Put("online_1", content)

	r := newTestReader(t, src, "online_1", 1, 4)
	defer r.Close()

	_, res := r.Check(context.Background())
	require.Equal(t, OK, res)
	require.Equal(t, OK, r.Update(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res = r.ReadLoop(ctx)
	assert.Equal(t, Shutdown, res) // ctx expired while waiting on more blocks, not EOF-as-Finished
}
