package session

import (
	"context"
	"math"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/color"
	"github.com/vecmap-tiles/server/internal/fetch"
	"github.com/vecmap-tiles/server/internal/fixture"
	"github.com/vecmap-tiles/server/internal/lod"
	"github.com/vecmap-tiles/server/internal/query"
	"github.com/vecmap-tiles/server/internal/signer"
	"github.com/vecmap-tiles/server/internal/tile"
)

type env struct {
	root     string
	resolves atomic.Int32
	fail     atomic.Bool
	resolver signer.Resolver
}

func newEnv(t *testing.T, projections ...string) *env {
	t.Helper()
	e := &env{root: t.TempDir()}
	for i, id := range projections {
		p, err := fixture.Build(fixture.Synthetic(400, 4, int64(i+1)), fixture.Options{MaxTilePoints: 60})
		require.NoError(t, err)
		require.NoError(t, p.WriteDir(e.root, "", id))
	}
	local, err := signer.NewLocal(e.root)
	require.NoError(t, err)
	e.resolver = signer.ResolverFunc(func(ctx context.Context, paths []string, bucket string) ([]signer.SignedURL, error) {
		e.resolves.Add(1)
		if e.fail.Load() {
			return nil, errors.New("signing service unavailable")
		}
		return local.Resolve(ctx, paths, bucket)
	})
	return e
}

func (e *env) options(id string) Options {
	return Options{
		ProjectionID:    id,
		Resolver:        e.resolver,
		Fetcher:         fetch.New(fetch.Options{}),
		RefreshInterval: -1,
	}
}

func open(t *testing.T, e *env, id string) *Session {
	t.Helper()
	s, err := Open(context.Background(), e.options(id))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// fullView shows the whole extent on a 512px canvas.
func fullView() lod.Viewport {
	return lod.Viewport{Width: 512, Height: 512, TargetX: 50, TargetY: 50, Zoom: math.Log2(512.0 / 100)}
}

func TestOpen(t *testing.T) {
	e := newEnv(t, "p1")
	s := open(t, e, "p1")

	st := s.Status()
	assert.Equal(t, "p1", st.ProjectionID)
	assert.NotEmpty(t, st.ID)
	assert.Greater(t, st.Tiles, 1)
	assert.Equal(t, 400, st.Points)
	assert.Equal(t, float64(fixture.ExtentSize), st.ExtentSize)
	assert.Equal(t, []string{"created_at", "score"}, st.Columns)
	assert.Zero(t, st.LoadedTiles)
	assert.Equal(t, int32(2), e.resolves.Load())
}

func TestOpenResolutionError(t *testing.T) {
	e := newEnv(t, "p1")
	e.fail.Store(true)
	_, err := Open(context.Background(), e.options("p1"))
	var re *signer.ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, signer.DefaultBucket, re.Bucket)
}

func TestOpenMissingProjection(t *testing.T) {
	e := newEnv(t, "p1")
	_, err := Open(context.Background(), e.options("nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fetch.ErrNotFound))
}

func TestVisible(t *testing.T) {
	e := newEnv(t, "p1")
	s := open(t, e, "p1")
	ctx := context.Background()

	loaded, err := s.Visible(ctx, fullView())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, tile.Address{}, loaded[0].Addr)

	deep := fullView()
	deep.Zoom += 6
	loaded, err = s.Visible(ctx, deep)
	require.NoError(t, err)
	assert.Greater(t, len(loaded), 1)
	assert.Equal(t, len(loaded), s.Loader().Len())
}

func TestSetHashesBuildsOverlay(t *testing.T) {
	e := newEnv(t, "p1")
	s := open(t, e, "p1")

	assert.Equal(t, color.QueryState{}, s.QueryState())

	hs := query.NewHashSet(codec.Hash32("1"), codec.Hash32("2"), codec.Hash32("3"))
	<-s.SetHashes("select ix from points where ix <= 3", hs).Done()
	assert.Equal(t, 3, s.Overlay().Len())
	q := s.QueryState()
	assert.True(t, q.OverlayActive)
	assert.True(t, q.Hashes.Contains(codec.Hash32("2")))
	assert.Equal(t, 3, s.Status().QueryHashes)

	<-s.SetHashes("", nil).Done()
	assert.Zero(t, s.Overlay().Len())
	assert.Nil(t, s.QueryState().Hashes)
}

func TestRefresh(t *testing.T) {
	e := newEnv(t, "p1")
	s := open(t, e, "p1")
	before := s.Status().URLsResolvedAt

	time.Sleep(time.Millisecond)
	require.NoError(t, s.Refresh(context.Background()))
	assert.True(t, s.Status().URLsResolvedAt.After(before))

	e.fail.Store(true)
	err := s.Refresh(context.Background())
	var re *signer.ResolutionError
	assert.True(t, errors.As(err, &re))
	_, err = s.Visible(context.Background(), fullView())
	assert.NoError(t, err)
}

func TestRefreshLoop(t *testing.T) {
	e := newEnv(t, "p1")
	opts := e.options("p1")
	opts.RefreshInterval = 5 * time.Millisecond
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.resolves.Load() >= 4 }, 2*time.Second, time.Millisecond)
	s.Close()
	n := e.resolves.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, e.resolves.Load())
}

func TestHover(t *testing.T) {
	e := newEnv(t, "p1")
	s := open(t, e, "p1")
	ctx := context.Background()
	v := fullView()

	root, err := s.Loader().GetOrLoad(ctx, tile.Address{})
	require.NoError(t, err)
	px, py := v.Project(root.X(0), root.Y(0))

	hit, err := s.Hover(ctx, v, px, py)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.False(t, hit.Overlay)
	assert.Equal(t, "0/0_0", hit.TileID)
	assert.Equal(t, root.X(0), hit.X)
	assert.Equal(t, root.Y(0), hit.Y)

	names := make([]string, 0, len(hit.Fields))
	for _, f := range hit.Fields {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"ix", "cluster", "score", "created_at"}, names)

	<-s.SetHashes("q", query.NewHashSet(hit.PKHash)).Done()
	hit, err = s.Hover(ctx, v, px, py)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.True(t, hit.Overlay)

	miss, err := s.Hover(ctx, v, -100, -100)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestManagerActivate(t *testing.T) {
	e := newEnv(t, "p1", "p2")
	m := NewManager(e.options(""))
	defer m.Close()
	ctx := context.Background()

	_, err := m.Active()
	assert.True(t, errors.Is(err, ErrNoSession))

	s1, err := m.Activate(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, s1.SetColorBy(&color.ColorBy{Column: "cluster", Discrete: true}))

	s2, err := m.Activate(ctx, "p2")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Error(t, s1.ctx.Err())
	assert.Nil(t, s2.Engine().ColorBy())

	active, err := m.Active()
	require.NoError(t, err)
	assert.Same(t, s2, active)

	_, err = m.Activate(ctx, "missing")
	require.Error(t, err)
	_, err = m.Active()
	assert.True(t, errors.Is(err, ErrNoSession))
}

func TestQueriedRadius(t *testing.T) {
	e := newEnv(t, "p1")
	s := open(t, e, "p1")
	assert.InDelta(t, 1.0, s.QueriedRadius(), 1e-9)

	hs := make([]uint32, 0, 5)
	for i := 1; i <= 5; i++ {
		hs = append(hs, codec.Hash32(strconv.Itoa(i)))
	}
	<-s.SetHashes("q", query.NewHashSet(hs...)).Done()
	assert.InDelta(t, 1.0, s.QueriedRadius(), 1e-9)
}

// gatedFetcher holds tile fetches until gate is closed.
type gatedFetcher struct {
	*fetch.Fetcher
	gate chan struct{}
}

func (f *gatedFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	select {
	case <-f.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.Fetcher.Get(ctx, url)
}

func TestQueryViewFollowsOverlaySnapshot(t *testing.T) {
	e := newEnv(t, "p1")
	f := &gatedFetcher{Fetcher: fetch.New(fetch.Options{}), gate: make(chan struct{})}
	opts := e.options("p1")
	opts.Fetcher = f
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	hs := query.NewHashSet(codec.Hash32("1"))
	build := s.SetHashes("q", hs)
	qv := s.QueryView()
	assert.True(t, qv.Overlay.Loading)
	assert.Nil(t, qv.Overlay.Tile)
	assert.Same(t, hs, qv.Query.Hashes)
	assert.False(t, qv.Query.OverlayActive)

	close(f.gate)
	<-build.Done()
	qv = s.QueryView()
	require.NotNil(t, qv.Overlay.Tile)
	assert.True(t, qv.Query.OverlayActive)
	assert.Equal(t, build.Generation, qv.Overlay.Generation)
	assert.Equal(t, s.QueriedRadius(), qv.QueriedRadius)
	rows, ok := build.Result()
	assert.True(t, ok)
	assert.Equal(t, 1, rows)
}
