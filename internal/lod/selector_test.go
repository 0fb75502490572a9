package lod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecmap-tiles/server/internal/tile"
)

// fullTree returns every cell of a complete quadtree down to depth.
func fullTree(depth int) tile.IDSet {
	ids := tile.IDSet{}
	for z := 0; z <= depth; z++ {
		n := 1 << z
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				ids[tile.Address{X: x, Y: y, Z: z}] = struct{}{}
			}
		}
	}
	return ids
}

func TestSelectTilesSparseScenario(t *testing.T) {
	ids := tile.NewIDSet(
		tile.Address{Z: 0},
		tile.Address{X: 0, Y: 1, Z: 1},
		tile.Address{X: 1, Y: 3, Z: 2},
		tile.Address{X: 3, Y: 3, Z: 2},
	)
	// Viewport restricted to the lower-left quarter of the extent.
	got := SelectTiles(Bounds{MinX: 0, MinY: 50, MaxX: 50, MaxY: 100}, 2, 0, 2, 100, ids)
	assert.Equal(t, []tile.Address{
		{Z: 0},
		{X: 0, Y: 1, Z: 1},
		{X: 1, Y: 3, Z: 2},
	}, got)
}

func TestSelectTilesNeverReturnsMissing(t *testing.T) {
	ids := tile.NewIDSet(tile.Address{Z: 0}, tile.Address{X: 1, Y: 1, Z: 1})
	for z := 0; z <= 4; z++ {
		got := SelectTiles(Bounds{MinX: -1000, MinY: -1000, MaxX: 1000, MaxY: 1000}, z, 0, 4, 100, ids)
		for _, a := range got {
			assert.True(t, ids.Has(a), "unexpected %s", a)
		}
	}
}

func TestSelectTilesMonotonicInZoom(t *testing.T) {
	ids := fullTree(4)
	bounds := Bounds{MinX: 12.5, MinY: 30, MaxX: 61, MaxY: 77}
	prev := SelectTiles(bounds, 0, 0, 4, 100, ids)
	for z := 1; z <= 4; z++ {
		next := SelectTiles(bounds, z, 0, 4, 100, ids)
		require.GreaterOrEqual(t, len(next), len(prev))
		assert.Equal(t, prev, next[:len(prev)], "coarser levels changed at z=%d", z)
		for _, a := range next[len(prev):] {
			assert.Equal(t, z, a.Z)
		}
		prev = next
	}
}

func TestSelectTilesClampsZoom(t *testing.T) {
	ids := fullTree(3)
	full := Bounds{MaxX: 100, MaxY: 100}

	below := SelectTiles(full, -5, 1, 3, 100, ids)
	assert.Len(t, below, 4)
	for _, a := range below {
		assert.Equal(t, 1, a.Z)
	}

	above := SelectTiles(full, 10, 0, 2, 100, ids)
	assert.Len(t, above, 1+4+16)
}

func TestSelectTilesOutsideExtent(t *testing.T) {
	ids := fullTree(2)
	got := SelectTiles(Bounds{MinX: 200, MinY: 200, MaxX: 300, MaxY: 300}, 2, 0, 2, 100, ids)
	assert.Empty(t, got)
}

func TestSelectTilesDeterministic(t *testing.T) {
	ids := fullTree(5)
	b := Bounds{MinX: 3, MinY: 4, MaxX: 55, MaxY: 48}
	first := SelectTiles(b, 5, 0, 5, 100, ids)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, SelectTiles(b, 5, 0, 5, 100, ids))
	}
}

func TestViewportBounds(t *testing.T) {
	v := Viewport{Width: 800, Height: 400, TargetX: 50, TargetY: 50, Zoom: 2}
	b := v.Bounds()
	assert.InDelta(t, -50, b.MinX, 1e-9)
	assert.InDelta(t, 0, b.MinY, 1e-9)
	assert.InDelta(t, 150, b.MaxX, 1e-9)
	assert.InDelta(t, 100, b.MaxY, 1e-9)

	px, py := v.Project(50, 50)
	assert.InDelta(t, 400, px, 1e-9)
	assert.InDelta(t, 200, py, 1e-9)
}

func TestSelectorZoomOffset(t *testing.T) {
	ids := fullTree(3)
	s := NewSelector(100, -4, ids)
	assert.Equal(t, 3, s.MaxZoom)
	assert.Equal(t, -1, s.TileZoom(2.5))

	// zoom 6.2 -> ceil 7 -> 7-4 = 3
	v := Viewport{Width: 256, Height: 256, TargetX: 50, TargetY: 50, Zoom: 6.2}
	got := s.Select(v)
	require.NotEmpty(t, got)
	assert.Equal(t, tile.Address{Z: 0}, got[0])
	assert.Equal(t, 3, got[len(got)-1].Z)
}
