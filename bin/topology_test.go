package bin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesim-project/wesim/bin"
)

func TestNewUniform1D_BoundaryValidation(t *testing.T) {
	_, err := bin.NewUniform1D([]float64{0, 1}, []uint32{5, 5}, nil, nil)
	require.Error(t, err, "boundaries must have len(targets)+1 entries")

	_, err = bin.NewUniform1D([]float64{0, 1, 0.5}, []uint32{5, 5}, nil, nil)
	require.Error(t, err, "boundaries must be strictly ascending")

	_, err = bin.NewUniform1D([]float64{0, 0.5, 1}, []uint32{5, 5}, []int{7}, nil)
	require.Error(t, err, "sink bin out of range")
}

func TestUniform1D_Map(t *testing.T) {
	topo, err := bin.NewUniform1D([]float64{0, 0.5, 1.0}, []uint32{4, 4}, nil, nil)
	require.NoError(t, err)

	cases := []struct {
		x       float64
		wantBin int
		wantOK  bool
	}{
		{0.0, 0, true},
		{0.25, 0, true},
		{0.49999, 0, true},
		{0.5, 1, true},
		{0.75, 1, true},
		{1.0, 1, true}, // last bin is closed on the right
		{1.5, 0, false},
		{-0.1, 0, false},
	}
	for _, c := range cases {
		b, ok := topo.Map([]float64{c.x})
		assert.Equalf(t, c.wantOK, ok, "x=%v ok", c.x)
		if c.wantOK {
			assert.Equalf(t, c.wantBin, b, "x=%v bin", c.x)
		}
	}

	_, ok := topo.Map(nil)
	assert.False(t, ok, "empty pcoord is out of domain")
}

func TestUniform1D_TargetCountAndSinks(t *testing.T) {
	topo, err := bin.NewUniform1D([]float64{0, 0.5, 1.0}, []uint32{4, 6}, []int{1}, []bin.Source{
		{Name: "src", Weight: 1, Pcoord: []float64{0.1}, BinIdx: 0},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 4, topo.TargetCount(0))
	assert.EqualValues(t, 6, topo.TargetCount(1))
	assert.EqualValues(t, 0, topo.TargetCount(99), "out of range bin has zero target")

	sinks := topo.Sinks()
	assert.True(t, sinks[1])
	assert.False(t, sinks[0])

	require.Len(t, topo.Sources(), 1)
	assert.Equal(t, "src", topo.Sources()[0].Name)
}

func TestUniform1D_VersionStableAndUnique(t *testing.T) {
	topo1, err := bin.NewUniform1D([]float64{0, 1}, []uint32{1}, nil, nil)
	require.NoError(t, err)
	topo2, err := bin.NewUniform1D([]float64{0, 1}, []uint32{1}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, topo1.Version(), topo1.Version(), "version is stable across calls")
	assert.NotEqual(t, topo1.Version(), topo2.Version(), "distinct instances get distinct versions")
}
