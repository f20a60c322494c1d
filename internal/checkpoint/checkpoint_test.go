package checkpoint

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redopipe/redopipe/internal/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Load("inst-1")
	require.NoError(t, err)
	assert.False(t, ok)

	cp := Checkpoint{Resetlogs: 1, Sequence: 5, Offset: 4096, FirstScn: 100, NextScn: 200}
	require.NoError(t, s.Save("inst-1", cp))

	got, ok, err := s.Load("inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp.Sequence, got.Sequence)
	assert.Equal(t, cp.NextScn, got.NextScn)
}

func TestSeparateInstancesDoNotShareBuckets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("inst-a", Checkpoint{Sequence: 1}))
	require.NoError(t, s.Save("inst-b", Checkpoint{Sequence: 99}))

	a, _, err := s.Load("inst-a")
	require.NoError(t, err)
	b, _, err := s.Load("inst-b")
	require.NoError(t, err)
	assert.Equal(t, types.Seq(1), a.Sequence)
	assert.Equal(t, types.Seq(99), b.Sequence)
}

func TestUnknownFieldsRoundTripThroughRewrite(t *testing.T) {
	raw := []byte(`{"resetlogs":1,"sequence":2,"offset":3,"first_scn":4,"next_scn":5,"future_field":"kept"}`)
	var cp Checkpoint
	require.NoError(t, json.Unmarshal(raw, &cp))
	require.Contains(t, cp.Unknown, "future_field")

	out, err := json.Marshal(cp)
	require.NoError(t, err)
	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Contains(t, roundTripped, "future_field")
	assert.Contains(t, roundTripped, "sequence")
}

func TestPositionDerivesFromCheckpoint(t *testing.T) {
	cp := Checkpoint{Resetlogs: 2, Sequence: 7, Offset: 512, NextScn: 1000}
	pos := cp.Position()
	assert.Equal(t, types.Resetlogs(2), pos.Resetlogs)
	assert.Equal(t, types.Seq(7), pos.Sequence)
	assert.Equal(t, types.Scn(1000), pos.Scn)
}
