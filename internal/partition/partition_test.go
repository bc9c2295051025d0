package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldRasterCoversGlobe(t *testing.T) {
	p, err := New(World())
	require.NoError(t, err)
	require.Equal(t, 18*36, p.Len())

	areas := p.Areas()
	area := 0.0
	for i, a := range areas {
		assert.Equal(t, i, a.Index)
		assert.Greater(t, a.North, a.South)
		assert.Greater(t, a.East, a.West)
		area += (a.North - a.South) * (a.East - a.West)
	}
	assert.InDelta(t, 180*360, area, 1e-6)

	assert.Equal(t, "p0000", areas[0].ID)
	assert.Equal(t, "90,80,-180,-170", areas[0].Bounds())
	assert.Equal(t, "-80,-90,170,180", areas[len(areas)-1].Bounds())
}

func TestRasterIsStableAndImmutable(t *testing.T) {
	a, err := New(World())
	require.NoError(t, err)
	b, err := New(World())
	require.NoError(t, err)
	assert.Equal(t, a.Areas(), b.Areas())

	got := a.Areas()
	got[0].North = 0
	again, ok := a.Lookup("p0000")
	require.True(t, ok)
	assert.Equal(t, 90.0, again.North)
}

func TestPartialStepsClampToBounds(t *testing.T) {
	p, err := New(Config{LatStep: 25, LonStep: 50, MinLat: 30, MaxLat: 70, MinLon: -10, MaxLon: 40})
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())

	areas := p.Areas()
	assert.Equal(t, "70,45,-10,40", areas[0].Bounds())
	assert.Equal(t, "45,30,-10,40", areas[1].Bounds())

	got, ok := p.Locate(50.1, 8.7)
	require.True(t, ok)
	assert.Equal(t, areas[0].ID, got.ID)

	_, ok = p.Locate(10, 8.7)
	assert.False(t, ok)
}

func TestInvalidConfig(t *testing.T) {
	tests := []Config{
		{LatStep: 0, LonStep: 10, MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180},
		{LatStep: 10, LonStep: 10, MinLat: 10, MaxLat: 10, MinLon: -180, MaxLon: 180},
		{LatStep: 10, LonStep: 10, MinLat: -90, MaxLat: 90, MinLon: -200, MaxLon: 180},
	}
	for _, cfg := range tests {
		_, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}
