// Package parser implements the Parser component of spec.md section 4.3: it
// consumes the reader's validated byte window, frames redo records,
// dispatches them by opcode, and drives the transaction buffer.
package parser

import "fmt"

// Kind groups opcodes into the families spec.md section 4.3 names.
type Kind int

const (
	KindKTB Kind = iota // transaction control: begin/rollback/commit markers
	KindKDO             // row operations: insert/update/delete, supplemental logging
	KindLOB             // piecewise LOB/XML writes
	KindDDL             // schema change boundaries
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindKTB:
		return "KTB"
	case KindKDO:
		return "KDO"
	case KindLOB:
		return "LOB"
	case KindDDL:
		return "DDL"
	default:
		return "OTHER"
	}
}

// Layer/verb byte values. classify maps each pair to a Kind, and the parser
// dispatches with a switch on that Kind rather than through a
// virtual-dispatch hierarchy.
const (
	layerKTB uint8 = 5
	layerKDO uint8 = 11
	layerLOB uint8 = 21
	layerDDL uint8 = 24
)

const (
	verbKTBBegin uint8 = 1
	verbKTBCommit uint8 = 2
	verbKTBRollback uint8 = 3

	verbKDOInsert uint8 = 2
	verbKDOUpdate uint8 = 5
	verbKDODelete uint8 = 3
	verbKDOLock   uint8 = 11 // supplemental-logging-only row lock, no column image

	verbLOBWrite uint8 = 1

	verbDDLBoundary uint8 = 1
)

// Opcode is the decoded (layer, verb) pair plus the family it resolves to.
type Opcode struct {
	Kind  Kind
	Layer uint8
	Verb  uint8
}

func (o Opcode) String() string {
	return fmt.Sprintf("%s(%d.%d)", o.Kind, o.Layer, o.Verb)
}

// classify maps a raw (layer, verb) pair to its Kind. Unrecognized pairs
// resolve to KindOther rather than failing — spec.md section 4.3 only
// requires the *known* opcode families to be decoded; anything else rides
// through as an opaque marker the transaction buffer ignores.
func classify(layer, verb uint8) Opcode {
	switch layer {
	case layerKTB:
		return Opcode{Kind: KindKTB, Layer: layer, Verb: verb}
	case layerKDO:
		return Opcode{Kind: KindKDO, Layer: layer, Verb: verb}
	case layerLOB:
		return Opcode{Kind: KindLOB, Layer: layer, Verb: verb}
	case layerDDL:
		return Opcode{Kind: KindDDL, Layer: layer, Verb: verb}
	default:
		return Opcode{Kind: KindOther, Layer: layer, Verb: verb}
	}
}
