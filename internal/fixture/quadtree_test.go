package fixture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/signer"
)

func TestBuildSplitsAtCapacity(t *testing.T) {
	d := Synthetic(1000, 3, 1)
	p, err := Build(d, Options{MaxTilePoints: 100})
	require.NoError(t, err)

	m, err := metadata.Parse(p.Metadata)
	require.NoError(t, err)
	assert.Equal(t, float64(ExtentSize), m.Extent.Size)
	assert.Equal(t, 100, m.RootCount())
	assert.Equal(t, 1000, m.TotalPoints())
	assert.Greater(t, m.MaxZoom(), 0)
	assert.Len(t, p.Tiles, m.Len())

	seen := make(map[uint32]bool)
	for _, addr := range m.Order() {
		e, ok := m.Entry(addr)
		require.True(t, ok)
		assert.LessOrEqual(t, e.NodeCount, 100)

		tl, err := codec.Decode(p.Tiles[addr.ID()], e.UncompressedSize)
		require.NoError(t, err, addr.ID())
		assert.Equal(t, e.NodeCount, tl.Len())

		size := float64(ExtentSize) / float64(int(1)<<addr.Z)
		for i := 0; i < tl.Len(); i++ {
			assert.False(t, seen[tl.PKHash[i]], "row repeated across tiles")
			seen[tl.PKHash[i]] = true
			if addr.Z > 0 {
				assert.GreaterOrEqual(t, tl.X(i), float64(addr.X)*size-1e-4)
				assert.LessOrEqual(t, tl.X(i), float64(addr.X+1)*size+1e-4)
			}
		}
	}
	assert.Len(t, seen, 1000)
}

func TestBuildColorStats(t *testing.T) {
	p, err := Build(Synthetic(500, 2, 7), Options{})
	require.NoError(t, err)
	m, err := metadata.Parse(p.Metadata)
	require.NoError(t, err)

	assert.Equal(t, []string{"created_at", "score"}, m.ContinuousColumns())
	b, ok := m.Buckets("score")
	require.True(t, ok)
	require.Len(t, b, 11)
	for i := 1; i < len(b); i++ {
		assert.LessOrEqual(t, b[i-1], b[i])
	}
	assert.Equal(t, 1, m.Len())
}

func TestBuildRequiresIX(t *testing.T) {
	_, err := Build(Dataset{X: []float64{1}, Y: []float64{1}}, Options{})
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	vals := []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.Equal(t, 0.0, Percentile(vals, 0))
	assert.Equal(t, 50.0, Percentile(vals, 50))
	assert.Equal(t, 100.0, Percentile(vals, 100))
	assert.InDelta(t, 1.5, Percentile([]float64{1, 2}, 50), 1e-12)
}

func TestWriteDir(t *testing.T) {
	p, err := Build(Synthetic(50, 1, 3), Options{})
	require.NoError(t, err)
	root := t.TempDir()
	require.NoError(t, p.WriteDir(root, "", "proj"))

	_, err = os.Stat(filepath.Join(root, signer.DefaultBucket, "proj", "metadata.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, signer.DefaultBucket, filepath.FromSlash(signer.TilePath("proj", "0/0_0"))))
	require.NoError(t, err)
}
