package reader

import (
	"bytes"
	"encoding/binary"

	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
)

// Per-block header layout (24 bytes), shared by every block in the file.
// The checksum lives in its own 8-byte-aligned word with the rest of that
// word reserved-zero, so the XOR-fold in calcChecksum treats it in
// isolation from blockNo/sequence — see calcChecksum's doc comment for why
// that alignment matters.
const (
	offFlag      = 0  // must be zero
	offBlockType = 1  // magic byte, see blockMagic below
	offReserved0 = 2  // 2 bytes, unused
	offBlockNo   = 4  // uint32, block number within file
	offSequence  = 8  // uint32, file sequence
	offReserved1 = 12 // 4 bytes, unused (pads the sequence word to 8 bytes)
	offChecksum  = 16 // uint16, XOR-fold checksum
	offReserved2 = 18 // 6 bytes, unused (pads the checksum word to 8 bytes)
	headerSize   = 24
)

// HeaderSize is the per-block header width (offFlag..offReserved2 above),
// exported so collaborators that address the same physical byte stream
// (the parser, chiefly) can skip it without duplicating the constant.
const HeaderSize = headerSize

// blockMagic maps accepted (blockType, blockSize) pairs per spec.md
// section 4.2 header validation rule 1.
var blockMagic = map[int]byte{
	512:  0x22,
	1024: 0x22,
	4096: 0x82,
}

// Block-0-only fields (the two-block header probe), immediately after the
// shared per-block header. blockSize is always read little-endian: at this
// point in the probe the file's byte order is not known yet, and this
// field's job is to bootstrap that knowledge alongside the sentinel.
const (
	offBlockSize  = headerSize + 0 // uint32 LE, declared block size
	offEndianMark = headerSize + 4 // 4-byte sentinel, order-independent
)

var (
	endianLittle = [4]byte{0x7D, 0x7C, 0x7B, 0x7A}
	endianBig    = [4]byte{0x7A, 0x7B, 0x7C, 0x7D}
)

// Block-1-only fields: the database identity record, immediately after the
// shared per-block header.
const (
	b1CompatVsn   = headerSize + 0  // uint32
	b1Activation  = headerSize + 4  // uint32
	b1Resetlogs   = headerSize + 8  // uint32
	b1FirstScn    = headerSize + 12 // uint64
	b1FirstTime   = headerSize + 20 // uint32 (unix seconds)
	b1NextScn     = headerSize + 24 // uint64
	b1NextTime    = headerSize + 32 // uint32 (unix seconds)
	b1TotalBlocks = headerSize + 36 // uint32
	b1Sid         = headerSize + 40 // fixed-width, NUL-padded
	b1SidLen      = 32
)

// FileHeader is the decoded contents of block 1, the per-file identity
// record validated once at Check time and again (for drift) at Update time.
type FileHeader struct {
	BlockSize   int
	BigEndian   bool
	CompatVsn   uint32
	Activation  uint32
	Resetlogs   types.Resetlogs
	FirstScn    types.Scn
	FirstTime   uint32
	NextScn     types.Scn
	NextTime    uint32
	TotalBlocks uint32
	Sid         string
}

// decodeBlockZero validates block 0 (the magic/endianness/block-size probe)
// and returns the detected block size and byte order, per spec.md section
// 4.2 header validation rule 1-2.
func decodeBlockZero(block []byte) (blockSize int, bigEndian bool, rerror *rerr.Error) {
	if len(block) < offEndianMark+4 {
		return 0, false, rerr.New(rerr.RedoLog, 200, "reader: block 0 probe shorter than header")
	}
	if block[offFlag] != 0 {
		return 0, false, rerr.New(rerr.Data, 201, "reader: block 0 byte 0 must be zero")
	}

	declaredSize := int(binary.LittleEndian.Uint32(block[offBlockSize : offBlockSize+4]))
	wantMagic, ok := blockMagic[declaredSize]
	if !ok || block[offBlockType] != wantMagic {
		return 0, false, rerr.New(rerr.Data, 202, "reader: unrecognized block-size magic")
	}

	var mark [4]byte
	copy(mark[:], block[offEndianMark:offEndianMark+4])
	switch mark {
	case endianLittle:
		bigEndian = false
	case endianBig:
		bigEndian = true
	default:
		return 0, false, rerr.New(rerr.Data, 203, "reader: invalid endian sentinel")
	}

	return declaredSize, bigEndian, nil
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decodeFileHeader validates and decodes block 1 (spec.md section 4.2
// header validation rule 3).
func decodeFileHeader(block []byte, blockSize int, bigEndian bool) (*FileHeader, *rerr.Error) {
	if len(block) < b1Sid+b1SidLen {
		return nil, rerr.New(rerr.RedoLog, 210, "reader: block 1 shorter than identity record")
	}
	bo := byteOrder(bigEndian)

	sidRaw := block[b1Sid : b1Sid+b1SidLen]
	sid := string(bytes.TrimRight(sidRaw, "\x00"))

	return &FileHeader{
		BlockSize:   blockSize,
		BigEndian:   bigEndian,
		CompatVsn:   bo.Uint32(block[b1CompatVsn : b1CompatVsn+4]),
		Activation:  bo.Uint32(block[b1Activation : b1Activation+4]),
		Resetlogs:   types.Resetlogs(bo.Uint32(block[b1Resetlogs : b1Resetlogs+4])),
		FirstScn:    types.Scn(bo.Uint64(block[b1FirstScn : b1FirstScn+8])),
		FirstTime:   bo.Uint32(block[b1FirstTime : b1FirstTime+4]),
		NextScn:     types.Scn(bo.Uint64(block[b1NextScn : b1NextScn+8])),
		NextTime:    bo.Uint32(block[b1NextTime : b1NextTime+4]),
		TotalBlocks: bo.Uint32(block[b1TotalBlocks : b1TotalBlocks+4]),
		Sid:         sid,
	}, nil
}

// blockHeader is the decoded per-block header shared by every block
// (including 0 and 1, which also carry the file-level fields above).
type blockHeader struct {
	blockType byte
	blockNo   uint32
	sequence  uint32
	checksum  uint16
}

func decodeBlockHeader(block []byte, bo binary.ByteOrder) blockHeader {
	return blockHeader{
		blockType: block[offBlockType],
		blockNo:   bo.Uint32(block[offBlockNo : offBlockNo+4]),
		sequence:  bo.Uint32(block[offSequence : offSequence+4]),
		checksum:  bo.Uint16(block[offChecksum : offChecksum+2]),
	}
}

// calcChecksum implements spec.md section 4.2's XOR-fold algorithm: treat
// the block as 64-bit words in the file's declared byte order, XOR all of
// them including the stored checksum, then fold the 64-bit accumulator down
// to 16 bits (upper 32 into lower 32, then upper 16 into lower 16). The
// block is intact iff the folded value is zero.
//
// This only produces a meaningful pass/fail signal because the checksum
// field occupies its own word (bytes 16-23) with every other bit in that
// word reserved-zero: XOR-fold is linear, so the checksum word's
// contribution to the final fold is exactly the checksum's own 16-bit
// value, undisturbed by shifting into other bits. That is what lets
// expectedChecksum below compute the value to store in one pass rather
// than solving for it.
func calcChecksum(block []byte, bo binary.ByteOrder) uint16 {
	var acc uint64
	n := len(block) - len(block)%8
	for i := 0; i < n; i += 8 {
		acc ^= bo.Uint64(block[i : i+8])
	}
	acc ^= acc >> 32
	acc ^= acc >> 16
	return uint16(acc & 0xFFFF)
}

// verifyChecksum reports whether block's stored checksum makes the whole
// block fold to zero.
func verifyChecksum(block []byte, bo binary.ByteOrder) bool {
	return calcChecksum(block, bo) == 0
}

// expectedChecksum computes the value to write into the checksum field (the
// encoded bytes AND the in-memory header struct both with that field
// currently zeroed) so the block folds to zero once the value is in place.
// Used by synthetic test block construction; the copy side-channel does not
// call it.
func expectedChecksum(block []byte, bo binary.ByteOrder) uint16 {
	scratch := make([]byte, len(block))
	copy(scratch, block)
	bo.PutUint16(scratch[offChecksum:offChecksum+2], 0)
	return calcChecksum(scratch, bo)
}
