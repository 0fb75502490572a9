package service

import (
	"bytes"
	"context"
	"database/sql"
	"image/png"
	"math"
	"path/filepath"
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
	"github.com/vecmap-tiles/server/internal/querystore"
	"github.com/vecmap-tiles/server/internal/render"
	"github.com/vecmap-tiles/server/internal/session"
	"github.com/vecmap-tiles/server/internal/signer"
	"github.com/vecmap-tiles/server/internal/tile"
)

const points = 300

func newService(t *testing.T) (*ProjectionService, *querystore.Store) {
	return newServiceWith(t, fetch.New(fetch.Options{}))
}

func newServiceWith(t *testing.T, fetcher session.Fetcher) (*ProjectionService, *querystore.Store) {
	t.Helper()
	dir := t.TempDir()

	p, err := fixture.Build(fixture.Synthetic(points, 3, 9), fixture.Options{MaxTilePoints: 50})
	require.NoError(t, err)
	require.NoError(t, p.WriteDir(filepath.Join(dir, "tiles"), "", "umap"))
	local, err := signer.NewLocal(filepath.Join(dir, "tiles"))
	require.NoError(t, err)

	db, err := sql.Open("sqlite", filepath.Join(dir, "rows.db"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE points (ix INTEGER PRIMARY KEY, cluster TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= points; i++ {
		_, err = db.Exec(`INSERT INTO points VALUES (?, ?)`, i, []string{"a", "b", "c"}[i%3])
		require.NoError(t, err)
	}
	t.Cleanup(func() { db.Close() })

	history, err := querystore.NewStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	sessions := session.NewManager(session.Options{
		Resolver:        local,
		Fetcher:         fetcher,
		RefreshInterval: -1,
	})
	t.Cleanup(sessions.Close)

	svc := NewProjectionService(ProjectionServiceConfig{
		Sessions: sessions,
		Renderer: render.NewRenderer(render.Config{Width: 128, Height: 128}),
		Queries:  query.NewSQLSource(db, query.SQLOptions{Name: "rows"}),
		History:  history,
	})
	return svc, history
}

func view() lod.Viewport {
	return lod.Viewport{Width: 128, Height: 128, TargetX: 50, TargetY: 50, Zoom: math.Log2(128.0 / 100)}
}

func TestRequiresActiveProjection(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Status()
	assert.True(t, errors.Is(err, session.ErrNoSession))
	_, err = svc.SubmitQuery(context.Background(), "select ix from points", true)
	assert.True(t, errors.Is(err, session.ErrNoSession))
}

func TestActivateAndTiles(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	st, err := svc.Activate(ctx, "umap")
	require.NoError(t, err)
	assert.Equal(t, points, st.Points)

	tiles, err := svc.VisibleTiles(ctx, view())
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, "0/0_0", tiles[0].ID)
	assert.Equal(t, 50, tiles[0].Points)

	data, err := svc.Tile(ctx, tile.Address{}, 5)
	require.NoError(t, err)
	assert.Equal(t, 50, data.Points)
	assert.Len(t, data.Rows, 5)
	names := make([]string, 0, len(data.Columns))
	for _, c := range data.Columns {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "user_cluster")

	_, err = svc.Tile(ctx, tile.Address{X: 9, Y: 9, Z: 9}, 0)
	var fe *tile.FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestRender(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Activate(ctx, "umap")
	require.NoError(t, err)

	legend, err := svc.SetColorBy(&color.ColorBy{Column: "cluster", Discrete: true})
	require.NoError(t, err)
	assert.Empty(t, legend.Entries)

	data, stats, err := svc.Render(ctx, lod.Viewport{TargetX: 50, TargetY: 50, Zoom: math.Log2(128.0 / 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tiles)
	assert.Greater(t, stats.Points, 0)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())

	legend, err = svc.Legend()
	require.NoError(t, err)
	assert.NotEmpty(t, legend.Entries)
}

func TestSubmitQuery(t *testing.T) {
	svc, history := newService(t)
	ctx := context.Background()
	st, err := svc.Activate(ctx, "umap")
	require.NoError(t, err)

	res, err := svc.SubmitQuery(ctx, "select ix from points where ix <= 12", true)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Matched)
	assert.True(t, res.OverlayEligible)
	assert.Equal(t, 12, res.OverlayRows)

	ov, err := svc.Overlay()
	require.NoError(t, err)
	assert.Equal(t, 12, ov.Rows)
	assert.Equal(t, 12, ov.Hashes)

	run, err := history.Get(res.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, st.ProjectionID, run.ProjectionID)
	assert.Equal(t, 12, run.OverlayRows)

	_, stats, err := svc.Render(ctx, view())
	require.NoError(t, err)
	assert.Greater(t, stats.OverlayPoints, 0)

	_, err = svc.SubmitQuery(ctx, "delete from points", true)
	assert.True(t, errors.Is(err, query.ErrNotReadOnly))

	runs, err := svc.History(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, querystore.RunStatusFailed, runs[0].Status)

	require.NoError(t, svc.ClearQuery())
	ov, err = svc.Overlay()
	require.NoError(t, err)
	assert.Zero(t, ov.Rows)
}

func TestSubmitHashes(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Activate(ctx, "umap")
	require.NoError(t, err)

	// "1" hashes to 3301589560, which the database emits as -993377736.
	res, err := svc.SubmitHashes(ctx, "signed", nil, []int32{-993377736}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.OverlayRows)
}

// firstFetchHeld holds the first tile fetch until release is closed,
// ignoring cancellation, so a superseded scan finishes after a newer one.
type firstFetchHeld struct {
	*fetch.Fetcher
	calls   atomic.Int32
	release chan struct{}
}

func (f *firstFetchHeld) Get(ctx context.Context, url string) ([]byte, error) {
	if f.calls.Add(1) == 1 {
		<-f.release
	}
	return f.Fetcher.Get(ctx, url)
}

func TestSupersededRunKeepsItsOwnOverlayRows(t *testing.T) {
	f := &firstFetchHeld{Fetcher: fetch.New(fetch.Options{}), release: make(chan struct{})}
	svc, history := newServiceWith(t, f)
	ctx := context.Background()
	_, err := svc.Activate(ctx, "umap")
	require.NoError(t, err)

	first, err := svc.SubmitHashes(ctx, "first", []uint32{codec.Hash32("1"), codec.Hash32("2")}, nil, false)
	require.NoError(t, err)
	assert.True(t, first.OverlayLoading)
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	second, err := svc.SubmitHashes(ctx, "second", []uint32{codec.Hash32("4")}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, second.OverlayRows)

	close(f.release)
	require.Eventually(t, func() bool {
		ov, err := svc.Overlay()
		return err == nil && !ov.Loading
	}, time.Second, time.Millisecond)
	assert.Never(t, func() bool {
		run, err := history.Get(first.RunID)
		return err != nil || run.OverlayRows != 0
	}, 100*time.Millisecond, 5*time.Millisecond)

	run, err := history.Get(second.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.OverlayRows)
}
