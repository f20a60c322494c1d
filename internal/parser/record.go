package parser

import (
	"encoding/binary"

	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
)

// Per spec.md section 4.3: "a redo record begins on a block boundary; its
// first fields give record length, SCN, subscn, transaction id (xid), and
// opcode." recordHeaderSize is the fixed prefix every record starts with;
// everything after it is the opcode-specific payload.
const recordHeaderSize = 24

const (
	rhLength = 0  // uint32
	rhScn    = 4  // uint64
	rhSubscn = 12 // uint16
	rhUsn    = 14 // uint16
	rhSlot   = 16 // uint16
	rhWrap   = 18 // uint32 (Xid.Wrap)
	rhLayer  = 22 // uint8
	rhVerb   = 23 // uint8
)

// recordHeader is the decoded fixed prefix of one redo record.
type recordHeader struct {
	length int
	scn    types.Scn
	subscn uint16
	xid    types.Xid
	opcode Opcode
}

var byteOrder = binary.LittleEndian

func decodeRecordHeader(buf []byte) (recordHeader, *rerr.Error) {
	if len(buf) < recordHeaderSize {
		return recordHeader{}, rerr.New(rerr.RedoLog, 410, "parser: truncated record header")
	}
	length := int(byteOrder.Uint32(buf[rhLength : rhLength+4]))
	if length < recordHeaderSize {
		return recordHeader{}, rerr.New(rerr.RedoLog, 411, "parser: record length shorter than its own header")
	}
	h := recordHeader{
		length: length,
		scn:    types.Scn(byteOrder.Uint64(buf[rhScn : rhScn+8])),
		subscn: byteOrder.Uint16(buf[rhSubscn : rhSubscn+2]),
		xid: types.Xid{
			Usn:  byteOrder.Uint16(buf[rhUsn : rhUsn+2]),
			Slot: byteOrder.Uint16(buf[rhSlot : rhSlot+2]),
			Wrap: byteOrder.Uint32(buf[rhWrap : rhWrap+4]),
		},
		opcode: classify(buf[rhLayer], buf[rhVerb]),
	}
	return h, nil
}

// subrecord is one {field_no, field_size, payload} unit inside a record's
// opcode-specific body, per spec.md section 4.3's field-tagged layout.
type subrecord struct {
	fieldNo   uint8
	fieldSize uint16
	payload   []byte
}

const subHeaderSize = 3 // field_no (1 byte) + field_size (2 bytes)

// walkSubrecords splits body into subrecords tolerant of a short tail:
// handlers that expect more fields than are present must treat the missing
// ones as absent rather than erroring, per spec.md section 4.3's "next
// field if present" semantics — this function simply stops yielding once
// the body is exhausted; it is the handler's job to tolerate fewer fields
// than it hoped for.
func walkSubrecords(body []byte) ([]subrecord, *rerr.Error) {
	var out []subrecord
	for off := 0; off < len(body); {
		if off+subHeaderSize > len(body) {
			return nil, rerr.New(rerr.RedoLog, 420, "parser: truncated subrecord header")
		}
		fieldNo := body[off]
		fieldSize := byteOrder.Uint16(body[off+1 : off+3])
		start := off + subHeaderSize
		end := start + int(fieldSize)
		if end > len(body) {
			return nil, rerr.New(rerr.RedoLog, 421, "parser: subrecord overruns record body")
		}
		out = append(out, subrecord{fieldNo: fieldNo, fieldSize: fieldSize, payload: body[start:end]})
		off = end
	}
	return out, nil
}

// fieldByNo returns the first subrecord tagged fieldNo, or ok=false if
// absent — the mechanism "next field if present" tolerance is built on.
func fieldByNo(subs []subrecord, fieldNo uint8) (subrecord, bool) {
	for _, s := range subs {
		if s.fieldNo == fieldNo {
			return s, true
		}
	}
	return subrecord{}, false
}
