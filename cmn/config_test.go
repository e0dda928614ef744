package cmn_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesim-project/wesim/cmn"
)

func writeConfig(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestLoadConfig_RejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, map[string]any{})
	_, err := cmn.LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, cmn.ErrConfig)
}

func TestLoadConfig_DefaultsBlocksize(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"limits": map[string]any{"max_iterations": 5},
		"data":   map[string]any{"state": "/tmp/x.ckpt"},
	})
	cfg, err := cmn.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Backend.Blocksize)
}

func TestWeedConfig_WindowParsing(t *testing.T) {
	frac := cmn.WeedConfig{WindowSize: "0.5"}
	kind, val, err := frac.Window()
	require.NoError(t, err)
	assert.Equal(t, cmn.WindowFraction, kind)
	assert.InDelta(t, 0.5, val, 1e-12)

	fixed := cmn.WeedConfig{WindowSize: "20"}
	kind, val, err = fixed.Window()
	require.NoError(t, err)
	assert.Equal(t, cmn.WindowFixed, kind)
	assert.InDelta(t, 20, val, 1e-12)

	def := cmn.WeedConfig{}
	kind, val, err = def.Window()
	require.NoError(t, err)
	assert.Equal(t, cmn.WindowFraction, kind)
	assert.InDelta(t, 0.5, val, 1e-12)

	_, _, err = (cmn.WeedConfig{WindowSize: "1.5"}).Window()
	assert.Error(t, err, "fraction must be in (0,1]")

	_, _, err = (cmn.WeedConfig{WindowSize: "not-a-number"}).Window()
	assert.Error(t, err)
}

func TestParseHMS(t *testing.T) {
	d, err := cmn.ParseHMS("1:30:00")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	d, err = cmn.ParseHMS("")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = cmn.ParseHMS("bad")
	assert.Error(t, err)
}
