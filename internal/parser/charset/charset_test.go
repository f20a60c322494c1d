package charset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUTF8Passthrough(t *testing.T) {
	got, err := Decode(UTF8, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestDecodeUnknownIDFails(t *testing.T) {
	_, err := Decode(ID(999), []byte("x"))
	assert.Error(t, err)
}
