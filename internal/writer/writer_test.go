package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redopipe/redopipe/internal/builder"
	"github.com/redopipe/redopipe/internal/types"
)

func msg(seq types.Seq, offset types.FileOffset, scn types.Scn) builder.Message {
	return builder.Message{Sequence: seq, Offset: offset, Scn: scn, Operation: builder.OpInsert}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	return lines
}

func TestWriterFramesAndAdvancesWatermark(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Pattern: filepath.Join(dir, "out-%i.json"), Format: FormatJSON, NewlineBytes: 1, FlushThreshold: 1})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), msg(1, 512, 100)))
	require.NoError(t, w.Write(context.Background(), msg(1, 1024, 200)))

	got := w.LastConfirmed()
	assert.Equal(t, types.Scn(200), got.Scn)

	lines := readLines(t, filepath.Join(dir, "out-0.json"))
	require.Len(t, lines, 2)
	var m1 builder.Message
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m1))
	assert.Equal(t, types.Scn(100), m1.Scn)
}

func TestWriterRotatesOnMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Pattern: filepath.Join(dir, "out-%i.json"), Format: FormatJSON, NewlineBytes: 1, FlushThreshold: 1, MaxFileSize: 1})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), msg(1, 512, 100)))
	require.NoError(t, w.Write(context.Background(), msg(1, 1024, 200)))

	assert.FileExists(t, filepath.Join(dir, "out-0.json"))
	assert.FileExists(t, filepath.Join(dir, "out-1.json"))
}

func TestWriterRotatesOnSequenceBoundary(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Pattern: filepath.Join(dir, "out-%i.json"), Format: FormatJSON, NewlineBytes: 1, FlushThreshold: 1, SequenceBoundary: true})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), msg(1, 512, 100)))
	require.NoError(t, w.Write(context.Background(), msg(2, 512, 200)))

	assert.FileExists(t, filepath.Join(dir, "out-0.json"))
	assert.FileExists(t, filepath.Join(dir, "out-1.json"))
}

func TestOpenResumesPastExistingRotationIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out-0.json"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out-3.json"), []byte("{}\n"), 0o644))

	w, err := Open(Config{Pattern: filepath.Join(dir, "out-%i.json"), Format: FormatJSON, NewlineBytes: 1})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), msg(1, 512, 100)))
	assert.FileExists(t, filepath.Join(dir, "out-4.json"))
}

func TestBinaryFramingIsLengthPrefixed(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Pattern: filepath.Join(dir, "out-%i.bin"), Format: FormatBinary, NewlineBytes: 0, FlushThreshold: 1})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), msg(1, 512, 100)))
	raw, err := os.ReadFile(filepath.Join(dir, "out-0.bin"))
	require.NoError(t, err)

	length := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	assert.Equal(t, int(length), len(raw)-4)
}

func TestMergeWriterOrdersAcrossSources(t *testing.T) {
	dir := t.TempDir()
	out, err := Open(Config{Pattern: filepath.Join(dir, "out-%i.json"), Format: FormatJSON, NewlineBytes: 1, FlushThreshold: 1})
	require.NoError(t, err)
	defer out.Close()

	mw := NewMergeWriter(out, 2)
	ctx := context.Background()

	require.NoError(t, mw.Submit(ctx, 0, msg(1, 512, 300)))
	require.NoError(t, mw.Submit(ctx, 1, msg(1, 512, 100)))
	require.NoError(t, mw.Done(ctx, 1))
	require.NoError(t, mw.Submit(ctx, 0, msg(1, 1024, 400)))
	require.NoError(t, mw.Done(ctx, 0))

	lines := readLines(t, filepath.Join(dir, "out-0.json"))
	require.Len(t, lines, 3)
	var scns []int
	for _, l := range lines {
		var m builder.Message
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		scns = append(scns, int(m.Scn))
	}
	assert.Equal(t, []int{100, 300, 400}, scns)
}

func TestSplitPlaceholder(t *testing.T) {
	prefix, suffix, ok := splitPlaceholder("out-%i.json")
	require.True(t, ok)
	assert.Equal(t, "out-", prefix)
	assert.Equal(t, ".json", suffix)

	_, _, ok = splitPlaceholder("out.json")
	assert.False(t, ok)
	assert.True(t, strings.Contains(renderPattern("out-%i.json", 7), "out-7.json"))
}
