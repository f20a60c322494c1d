package replicator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redopipe/redopipe/internal/types"
)

func TestDirListerMatchesArchiveNamePatternAndSkipsOthers(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"arc_1_10.arc", "arc_1_11.arc", "arc_2_1.arc", "notes.txt", "arc_bad_name.arc"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	entries, err := NewDirLister(dir).List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byPath := map[string]ArchiveEntry{}
	for _, e := range entries {
		byPath[filepath.Base(e.Path)] = e
	}
	assert.Equal(t, types.Resetlogs(1), byPath["arc_1_10.arc"].Resetlogs)
	assert.Equal(t, types.Seq(10), byPath["arc_1_10.arc"].Sequence)
	assert.Equal(t, types.Seq(11), byPath["arc_1_11.arc"].Sequence)
	assert.Equal(t, types.Resetlogs(2), byPath["arc_2_1.arc"].Resetlogs)
}

func TestDirListerReturnsNoEntriesForMissingOrEmptyDir(t *testing.T) {
	entries, err := NewDirLister(filepath.Join(t.TempDir(), "does-not-exist")).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = NewDirLister("").List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
