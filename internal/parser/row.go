package parser

import "github.com/redopipe/redopipe/internal/rerr"

// Subrecord field tags used inside a KDO body. This module's own scheme,
// not a wire-compatible numbering — what matters is that encoder and
// decoder agree.
const (
	fieldNoBitmap uint8 = 1
	fieldNoValues uint8 = 2
)

// ColumnValue is one decoded column out of a row image.
type ColumnValue struct {
	Index int
	Null  bool
	Raw   []byte
}

const (
	valNull      = 0xFF
	valMultiChunk = 0xFE
)

// decodeRow decodes a column bitmap plus its matching length-prefixed value
// stream, per spec.md section 4.3's "column bitmap names present columns;
// values are length-prefixed; 0xFF=NULL; >=0xFE multi-chunk follow-on".
func decodeRow(bitmapSub, valuesSub subrecord) ([]ColumnValue, *rerr.Error) {
	if len(bitmapSub.payload) < 2 {
		return nil, rerr.New(rerr.RedoLog, 430, "parser: truncated column bitmap header")
	}
	ncols := int(byteOrder.Uint16(bitmapSub.payload[0:2]))
	bitmap := bitmapSub.payload[2:]
	need := (ncols + 7) / 8
	if len(bitmap) < need {
		return nil, rerr.New(rerr.RedoLog, 431, "parser: column bitmap shorter than declared column count")
	}

	data := valuesSub.payload
	pos := 0
	var cols []ColumnValue

	for i := 0; i < ncols; i++ {
		byteIdx, bit := i/8, uint(i%8)
		if bitmap[byteIdx]&(1<<bit) == 0 {
			continue
		}
		if pos >= len(data) {
			return nil, rerr.New(rerr.RedoLog, 432, "parser: truncated row value stream")
		}
		l := data[pos]
		pos++

		switch {
		case l == valNull:
			cols = append(cols, ColumnValue{Index: i, Null: true})
		case l < valMultiChunk:
			if pos+int(l) > len(data) {
				return nil, rerr.New(rerr.RedoLog, 433, "parser: column value overruns value stream")
			}
			cols = append(cols, ColumnValue{Index: i, Raw: data[pos : pos+int(l)]})
			pos += int(l)
		default:
			raw, newPos, rerror := decodeMultiChunk(data, pos)
			if rerror != nil {
				return nil, rerror
			}
			pos = newPos
			cols = append(cols, ColumnValue{Index: i, Raw: raw})
		}
	}
	return cols, nil
}

// decodeMultiChunk concatenates length-prefixed pieces starting at pos until
// a piece shorter than the continuation marker (valMultiChunk) is seen.
func decodeMultiChunk(data []byte, pos int) ([]byte, int, *rerr.Error) {
	var out []byte
	for {
		if pos >= len(data) {
			return nil, 0, rerr.New(rerr.RedoLog, 434, "parser: truncated multi-chunk value")
		}
		pieceLen := data[pos]
		pos++
		if pos+int(pieceLen) > len(data) {
			return nil, 0, rerr.New(rerr.RedoLog, 435, "parser: multi-chunk piece overruns value stream")
		}
		out = append(out, data[pos:pos+int(pieceLen)]...)
		pos += int(pieceLen)
		if pieceLen < valMultiChunk {
			return out, pos, nil
		}
	}
}
