package checkpoint_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesim-project/wesim/checkpoint"
	"github.com/wesim-project/wesim/cmn"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	p := checkpoint.Payload{
		RunID:            "run-123",
		CurrentIteration: 17,
		RNGState:         0xdeadbeef,
		TopologyVersion:  "v1",
	}
	blob, err := checkpoint.Encode(p)
	require.NoError(t, err)

	got, err := checkpoint.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecode_RejectsTruncatedBlob(t *testing.T) {
	_, err := checkpoint.Decode([]byte("too short"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cmn.ErrConfig)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	blob, err := checkpoint.Encode(checkpoint.Payload{RunID: "x"})
	require.NoError(t, err)
	blob[0] = 'Z'
	_, err = checkpoint.Decode(blob)
	require.Error(t, err)
	assert.ErrorIs(t, err, cmn.ErrConfig)
}

func TestDecode_RejectsUnsupportedVersion(t *testing.T) {
	blob, err := checkpoint.Encode(checkpoint.Payload{RunID: "x"})
	require.NoError(t, err)
	blob[len("WESIMCKPT")] = 99
	_, err = checkpoint.Decode(blob)
	require.Error(t, err)
	assert.ErrorIs(t, err, cmn.ErrConfig)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.ckpt")

	p := checkpoint.Payload{RunID: "r1", CurrentIteration: 5, RNGState: 99, TopologyVersion: "v2"}
	require.NoError(t, checkpoint.Save(path, p))

	got, err := checkpoint.Load(path)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := checkpoint.Load(filepath.Join(t.TempDir(), "missing.ckpt"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
