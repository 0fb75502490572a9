package overlay

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/fixture"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/query"
	"github.com/vecmap-tiles/server/internal/tile"
)

type projectionScanner struct {
	meta  *metadata.Metadata
	tiles map[string][]byte
	scans atomic.Int32
	// block, when set, is waited on before every scan.
	block chan struct{}
	fail  map[tile.Address]error
}

func (s *projectionScanner) Scan(ctx context.Context, addr tile.Address) (*codec.Tile, error) {
	s.scans.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.fail[addr]; err != nil {
		return nil, err
	}
	e, _ := s.meta.Entry(addr)
	return codec.Decode(s.tiles[addr.ID()], e.UncompressedSize)
}

func newScanner(t *testing.T, points int) *projectionScanner {
	t.Helper()
	p, err := fixture.Build(fixture.Synthetic(points, 3, 5), fixture.Options{MaxTilePoints: 40})
	require.NoError(t, err)
	meta, err := metadata.Parse(p.Metadata)
	require.NoError(t, err)
	return &projectionScanner{meta: meta, tiles: p.Tiles}
}

func keys(ixs ...int) *query.HashSet {
	hs := make([]uint32, len(ixs))
	for i, ix := range ixs {
		hs[i] = codec.Hash32(strconv.Itoa(ix))
	}
	return query.NewHashSet(hs...)
}

func ixValues(t *testing.T, ov *codec.Tile) []string {
	t.Helper()
	col, ok := ov.Column(codec.ColumnIX)
	require.True(t, ok)
	out := make([]string, col.Len())
	for i := range out {
		out[i] = col.String(i)
	}
	return out
}

func TestLoadIneligible(t *testing.T) {
	s := newScanner(t, 200)
	ctx := context.Background()

	for name, hs := range map[string]*query.HashSet{
		"nil":      nil,
		"empty":    query.NewHashSet(),
		"too many": keys(1, 2, 3, 4),
	} {
		t.Run(name, func(t *testing.T) {
			ov, err := Load(ctx, hs, s, s.meta, 3)
			require.NoError(t, err)
			assert.Nil(t, ov)
		})
	}
	assert.Zero(t, s.scans.Load())
}

func TestEligibleAtDefaultLimit(t *testing.T) {
	sized := func(n int) *query.HashSet {
		hs := make([]uint32, n)
		for i := range hs {
			hs[i] = uint32(i)
		}
		return query.NewHashSet(hs...)
	}
	assert.True(t, Eligible(sized(DefaultMaxHashes), 0))
	assert.False(t, Eligible(sized(DefaultMaxHashes+1), 0))
	assert.False(t, Eligible(sized(0), 0))
	assert.True(t, Eligible(sized(1), 0))
}

// staticScanner serves one tile for every address.
type staticScanner struct {
	tile  *codec.Tile
	scans int
}

func (s *staticScanner) Scan(ctx context.Context, addr tile.Address) (*codec.Tile, error) {
	s.scans++
	return s.tile, nil
}

func TestLoadStopsAtHashCountWithDuplicateKeys(t *testing.T) {
	dup, err := codec.NewTile([]*codec.Column{
		{Name: "x", Kind: codec.KindFloat32, F32: []float32{1, 2, 3, 4}},
		{Name: "y", Kind: codec.KindFloat32, F32: []float32{1, 2, 3, 4}},
		{Name: "ix", Kind: codec.KindString, Str: []string{"a", "a", "b", "a"}},
	})
	require.NoError(t, err)
	meta, err := metadata.Parse([]byte(`{"extent":{"size":100},"tiles":{` +
		`"0/0_0":{"tile_id":"0/0_0","node_count":4,"children":[` +
		`{"tile_id":"1/0_0","node_count":4,"children":[]}]}}}`))
	require.NoError(t, err)

	src := &staticScanner{tile: dup}
	ov, err := Load(context.Background(), query.NewHashSet(codec.Hash32("a")), src, meta, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ixValues(t, ov))
	assert.Equal(t, 1, src.scans)

	src.scans = 0
	ov, err = Load(context.Background(), query.NewHashSet(codec.Hash32("a"), codec.Hash32("b")), src, meta, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a"}, ixValues(t, ov))
	assert.Equal(t, 1, src.scans)
}

func TestLoadCollectsMatches(t *testing.T) {
	s := newScanner(t, 200)
	ov, err := Load(context.Background(), keys(3, 50, 121, 199), s, s.meta, 0)
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.ElementsMatch(t, []string{"3", "50", "121", "199"}, ixValues(t, ov))

	score, ok := ov.UserColumn("score")
	require.True(t, ok)
	assert.Equal(t, codec.KindFloat64, score.Kind)
	assert.Equal(t, 4, score.Len())
	for i := 0; i < ov.Len(); i++ {
		assert.True(t, keys(3, 50, 121, 199).Contains(ov.PKHash[i]))
	}
}

func TestLoadStopsWhenAllFound(t *testing.T) {
	s := newScanner(t, 200)
	root, err := s.Scan(context.Background(), tile.Address{})
	require.NoError(t, err)
	s.scans.Store(0)

	hs := query.NewHashSet(root.PKHash[0], root.PKHash[1])
	ov, err := Load(context.Background(), hs, s, s.meta, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, ov.Len())
	assert.Equal(t, int32(1), s.scans.Load())
}

func TestLoadUnknownHashScansEverything(t *testing.T) {
	s := newScanner(t, 200)
	ov, err := Load(context.Background(), query.NewHashSet(1), s, s.meta, 0)
	require.NoError(t, err)
	assert.Nil(t, ov)
	assert.Equal(t, int32(s.meta.Len()), s.scans.Load())
}

func TestLoadScanError(t *testing.T) {
	s := newScanner(t, 200)
	order := s.meta.Order()
	require.Greater(t, len(order), 2)
	boom := errors.New("boom")
	s.fail = map[tile.Address]error{order[1]: boom}

	_, err := Load(context.Background(), query.NewHashSet(1), s, s.meta, 0)
	var se *ScanError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, order[1], se.Addr)
	assert.Equal(t, 1, se.Scanned)
	assert.True(t, errors.Is(err, boom))
}

func TestStateRebuild(t *testing.T) {
	s := newScanner(t, 200)
	st := NewState(Options{Scanner: s, Metadata: s.meta})
	ctx := context.Background()

	b := st.Rebuild(ctx, keys(7, 8))
	<-b.Done()
	rows, ok := b.Result()
	assert.True(t, ok)
	assert.Equal(t, 2, rows)
	snap := st.Current()
	assert.False(t, snap.Loading)
	assert.Equal(t, 2, snap.Len())

	<-st.Rebuild(ctx, nil).Done()
	assert.Zero(t, st.Current().Len())
	assert.Greater(t, st.Current().Generation, snap.Generation)
}

func TestStateDiscardsStaleScan(t *testing.T) {
	s := newScanner(t, 200)
	s.block = make(chan struct{})
	st := NewState(Options{Scanner: s, Metadata: s.meta})
	ctx := context.Background()

	first := st.Rebuild(ctx, keys(1, 2, 3))
	require.Eventually(t, func() bool { return s.scans.Load() > 0 }, time.Second, time.Millisecond)
	assert.True(t, st.Loading())

	second := st.Rebuild(ctx, keys(10))
	<-first.Done()
	assert.True(t, st.Loading())
	_, ok := first.Result()
	assert.False(t, ok)

	close(s.block)
	<-second.Done()
	assert.Equal(t, []string{"10"}, ixValues(t, st.Current().Tile))
	rows, ok := second.Result()
	assert.True(t, ok)
	assert.Equal(t, 1, rows)
	assert.Equal(t, second.Generation, st.Current().Generation)
}

func TestStateFailureResetsToEmpty(t *testing.T) {
	s := newScanner(t, 200)
	st := NewState(Options{Scanner: s, Metadata: s.meta})
	ctx := context.Background()

	<-st.Rebuild(ctx, keys(5)).Done()
	require.Equal(t, 1, st.Current().Len())

	s.fail = map[tile.Address]error{{}: errors.New("gone")}
	failed := st.Rebuild(ctx, keys(6))
	<-failed.Done()
	assert.Nil(t, st.Current().Tile)
	rows, ok := failed.Result()
	assert.True(t, ok)
	assert.Zero(t, rows)
	assert.False(t, st.Loading())
}

func TestStateClose(t *testing.T) {
	s := newScanner(t, 200)
	s.block = make(chan struct{})
	st := NewState(Options{Scanner: s, Metadata: s.meta})

	b := st.Rebuild(context.Background(), keys(1))
	st.Close()
	<-b.Done()
	_, ok := b.Result()
	assert.False(t, ok)
	assert.False(t, st.Loading())
	assert.Nil(t, st.Current().Tile)
}
