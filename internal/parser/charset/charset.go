// Package charset maps Oracle character-set ids to golang.org/x/text
// decoders, per spec.md section 4.3: "character data is decoded by the
// character-set module (UTF-8, multibyte EUC variants, etc.) into the
// output encoding."
package charset

import (
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/redopipe/redopipe/internal/rerr"
)

// ID is a numeric character-set identifier. The redo file header parsed by
// the reader carries no charset field, so nothing in this module derives an
// ID from a redo file. This module's own small, closed id space — not a
// wire-compatible numbering.
type ID int

const (
	UTF8 ID = iota + 1
	WE8ISO8859P1
	EUCJP
	EUCKR
)

// registry maps each ID to its golang.org/x/text decoder. UTF-8 uses the
// UTF8 encoding (effectively a validating passthrough); the others are the
// multibyte EUC variants and a Western European single-byte map.
var registry = map[ID]encoding.Encoding{
	UTF8:         unicode.UTF8,
	WE8ISO8859P1: charmap.ISO8859_1,
	EUCJP:        japanese.EUCJP,
	EUCKR:        korean.EUCKR,
}

// Decode converts raw into UTF-8 text, per id's character set.
func Decode(id ID, raw []byte) (string, error) {
	enc, ok := registry[id]
	if !ok {
		return "", rerr.New(rerr.Data, 600, "charset: unknown character set id")
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", rerr.Wrap(err, rerr.Data, 601, "charset: decode failed")
	}
	return string(out), nil
}

// Reader wraps r with a streaming decoder for id, for large LOB payloads
// where materializing the whole value before decoding would be wasteful.
func Reader(id ID, r io.Reader) (io.Reader, error) {
	enc, ok := registry[id]
	if !ok {
		return nil, rerr.New(rerr.Data, 600, "charset: unknown character set id")
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
