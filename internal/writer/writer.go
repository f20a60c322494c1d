// Package writer implements the Writer component of spec.md section 4.5: it
// owns the output sink, frames and rotates messages, and reports the
// confirmed watermark back to the builder.
package writer

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/redopipe/redopipe/internal/builder"
	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
	"github.com/redopipe/redopipe/logger"
)

// Format selects the on-wire message encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "binary"
)

// Config controls rotation, framing, and flush policy for a file sink.
type Config struct {
	// Pattern is the output path; one "%i" is substituted with an
	// auto-incrementing rotation index, per spec.md section 4.5/6.
	Pattern string
	Format  Format
	// MaxFileSize rotates to the next index once the current file would
	// exceed this many bytes.
	MaxFileSize int64
	// NewlineBytes is 0, 1 ("\n"), or 2 ("\r\n") appended after each message.
	NewlineBytes int
	// FlushThreshold is the buffered-byte count that forces a flush even
	// absent a checkpoint request.
	FlushThreshold int
	// SequenceBoundary, when true, rotates whenever a message's Sequence
	// differs from the currently open file's sequence, per spec.md section
	// 4.5's "boundary policy" in addition to size-based rotation.
	SequenceBoundary bool
}

// Writer is a file sink implementing builder.Sink.
type Writer struct {
	cfg Config

	mu        sync.Mutex
	confirmed types.Position

	file       *os.File
	buf        *bufio.Writer
	index      int
	openSeq    types.Seq
	size       int64
	unflushed  int
}

// Open creates a Writer, resuming the rotation index just past any existing
// files that match cfg.Pattern's "%i" substitution.
func Open(cfg Config) (*Writer, error) {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 64 << 10
	}
	w := &Writer{cfg: cfg}
	w.index = nextFreeIndex(cfg.Pattern)
	if err := w.rotate(0); err != nil {
		return nil, err
	}
	return w, nil
}

// nextFreeIndex scans the pattern's directory for the highest existing
// rotation index and returns one past it, so a restart never overwrites a
// prior file, per spec.md section 6: "%i substituted ... starting at the
// next unused index at startup."
func nextFreeIndex(pattern string) int {
	dir := filepath.Dir(pattern)
	base := filepath.Base(pattern)
	prefix, suffix, ok := splitPlaceholder(base)
	if !ok {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	max := -1
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		middle := name[len(prefix) : len(name)-len(suffix)]
		n, err := strconv.Atoi(middle)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1
}

func splitPlaceholder(pattern string) (prefix, suffix string, ok bool) {
	idx := strings.Index(pattern, "%i")
	if idx < 0 {
		return "", "", false
	}
	return pattern[:idx], pattern[idx+2:], true
}

func renderPattern(pattern string, index int) string {
	return strings.ReplaceAll(pattern, "%i", strconv.Itoa(index))
}

// Write implements builder.Sink. It frames m, rotates if needed, appends it
// to the open file's buffer, and advances the confirmed watermark.
func (w *Writer) Write(ctx context.Context, m builder.Message) error {
	payload, err := frame(m, w.cfg.Format, w.cfg.NewlineBytes)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.needsRotation(m.Sequence, int64(len(payload))) {
		if err := w.rotateLocked(m.Sequence); err != nil {
			return err
		}
	}
	if w.openSeq == 0 {
		w.openSeq = m.Sequence
	}

	n, err := w.buf.Write(payload)
	if err != nil {
		return rerr.Wrap(err, rerr.Runtime, 700, "writer: append message")
	}
	w.size += int64(n)
	w.unflushed += n

	if w.unflushed >= w.cfg.FlushThreshold {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	w.confirmed = m.Position()
	return nil
}

// LastConfirmed implements builder.Sink.
func (w *Writer) LastConfirmed() types.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.confirmed
}

// Checkpoint flushes buffered bytes and returns the watermark a checkpoint
// store should now persist, per spec.md section 4.5's durability rule: "the
// writer's confirmed watermark must be persisted before the corresponding
// checkpoint is advanced."
func (w *Writer) Checkpoint() (types.Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return types.Position{}, err
	}
	return w.confirmed, nil
}

// Close flushes and closes the open file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *Writer) needsRotation(seq types.Seq, add int64) bool {
	if w.file == nil {
		return true
	}
	if w.cfg.MaxFileSize > 0 && w.size+add > w.cfg.MaxFileSize {
		return true
	}
	if w.cfg.SequenceBoundary && w.openSeq != 0 && seq != w.openSeq {
		return true
	}
	return false
}

func (w *Writer) rotateLocked(seq types.Seq) error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return rerr.Wrap(err, rerr.Runtime, 701, "writer: close rotated file")
		}
		w.index++
	}
	return w.rotate(seq)
}

func (w *Writer) rotate(seq types.Seq) error {
	path := renderPattern(w.cfg.Pattern, w.index)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return rerr.Wrap(err, rerr.Runtime, 702, "writer: create output directory")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return rerr.Wrap(err, rerr.Runtime, 703, "writer: open output file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return rerr.Wrap(err, rerr.Runtime, 704, "writer: stat output file")
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.size = info.Size()
	w.unflushed = 0
	w.openSeq = seq
	logger.Infof("writer: opened %s", path)
	return nil
}

func (w *Writer) flushLocked() error {
	if w.buf == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return rerr.Wrap(err, rerr.Runtime, 705, "writer: flush output buffer")
	}
	w.unflushed = 0
	return nil
}

// frame renders m per format and appends the configured newline.
func frame(m builder.Message, format Format, newlineBytes int) ([]byte, error) {
	var body []byte
	var err error
	switch format {
	case FormatBinary:
		body, err = encodeBinary(m)
	default:
		body, err = json.Marshal(m)
	}
	if err != nil {
		return nil, rerr.Wrap(err, rerr.Runtime, 706, "writer: encode message")
	}

	switch newlineBytes {
	case 0:
	case 1:
		body = append(body, '\n')
	case 2:
		body = append(body, '\r', '\n')
	default:
		return nil, rerr.New(rerr.Configuration, 707, fmt.Sprintf("writer: unsupported newline byte count %d", newlineBytes))
	}
	return body, nil
}

// encodeBinary renders m as a length-prefixed record: a uint32 big-endian
// length followed by its JSON body. A true fixed-field binary codec would
// duplicate builder.Message's shape for no behavioral gain here; the
// length-prefix framing is the part spec.md section 4.5 actually cares
// about (so a streaming reader never has to scan for a delimiter).
func encodeBinary(m builder.Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}
