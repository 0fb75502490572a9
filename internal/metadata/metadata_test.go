package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecmap-tiles/server/internal/tile"
)

const sampleManifest = `{
  "extent": {"size": 100},
  "colorStats": {
    "user_age": {"buckets": [0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100]},
    "user_created_at": {"buckets": [1, 2]}
  },
  "tiles": {
    "0/0_0": {
      "tile_id": "0/0_0",
      "uncompressed_size": 1000,
      "compressed_size": 400,
      "node_count": 60000,
      "children": [
        {"tile_id": "1/0_0", "uncompressed_size": 10, "compressed_size": 5, "node_count": 10, "children": []},
        {"tile_id": "1/0_1", "uncompressed_size": 10, "compressed_size": 5, "node_count": 12, "children": [
          {"tile_id": "2/1_3", "uncompressed_size": 3, "compressed_size": 2, "node_count": 3, "children": []}
        ]}
      ]
    },
    "1/0_1": {"tile_id": "1/0_1", "uncompressed_size": 10, "compressed_size": 5, "node_count": 12, "children": []}
  }
}`

func TestParseFlatten(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	ids := m.Flatten()
	assert.Len(t, ids, 4)
	for _, id := range []string{"0/0_0", "1/0_0", "1/0_1", "2/1_3"} {
		addr, err := tile.ParseID(id)
		require.NoError(t, err)
		assert.True(t, ids.Has(addr), id)
	}
	assert.Equal(t, 2, m.MaxZoom())
	assert.Equal(t, 60000, m.RootCount())
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, 60000+10+12+3, m.TotalPoints())
}

func TestOrderIsDepthFirst(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	var got []string
	for _, a := range m.Order() {
		got = append(got, a.ID())
	}
	assert.Equal(t, []string{"0/0_0", "1/0_0", "1/0_1", "2/1_3"}, got)
}

func TestEntry(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	e, ok := m.Entry(tile.Address{X: 1, Y: 3, Z: 2})
	require.True(t, ok)
	assert.Equal(t, int64(3), e.UncompressedSize)

	_, ok = m.Entry(tile.Address{X: 9, Y: 9, Z: 9})
	assert.False(t, ok)
}

func TestBuckets(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	b, ok := m.Buckets("age")
	require.True(t, ok)
	assert.Len(t, b, 11)

	b2, ok := m.Buckets("user_age")
	require.True(t, ok)
	assert.Equal(t, b, b2)

	_, ok = m.Buckets("species")
	assert.False(t, ok)

	assert.Equal(t, []string{"age", "created_at"}, m.ContinuousColumns())
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":    `{`,
		"no extent":   `{"tiles": {}}`,
		"bad tile id": `{"extent": {"size": 1}, "tiles": {"x": {"tile_id": "nope"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestViewSettings(t *testing.T) {
	single := DefaultViewTuning.Settings(1)
	assert.InDelta(t, 0.9, single.RadiusScale, 1e-9)
	assert.InDelta(t, 3, single.RadiusMinPixels, 1e-9)

	small := DefaultViewTuning.Settings(10_000)
	assert.InDelta(t, 0.1, small.RadiusScale, 1e-9)

	huge := DefaultViewTuning.Settings(4_000_000)
	assert.Less(t, huge.RadiusScale, 0.01)
	assert.GreaterOrEqual(t, huge.RadiusMinPixels, 0.6)
	assert.Less(t, huge.RadiusMinPixels, 1.0)

	assert.Equal(t, DefaultViewTuning.Settings(1), DefaultViewTuning.Settings(0))

	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	assert.Equal(t, DefaultViewTuning.Settings(60000), m.ViewSettings())
}

func TestQueriedSizeMultiplier(t *testing.T) {
	assert.Equal(t, 8.5, QueriedSizeMultiplier(10, 60_000))
	assert.Equal(t, 6.0, QueriedSizeMultiplier(10, 20_000))
	assert.Equal(t, 2.0, QueriedSizeMultiplier(10, 5_000))
	assert.Equal(t, 2.0, QueriedSizeMultiplier(5_000, 60_000))
}

func TestPixelRadius(t *testing.T) {
	s := ViewSettings{RadiusScale: 0.5, RadiusMinPixels: 1.5}
	assert.InDelta(t, 1.5, s.PixelRadius(BaseRadius, 2), 1e-9)
	assert.InDelta(t, 4.0, s.PixelRadius(BaseRadius, 16), 1e-9)
}
