// Package service provides the operations behind the HTTP API: activating a
// projection, selecting and rendering its tiles, colouring and live queries.
package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/color"
	"github.com/vecmap-tiles/server/internal/lod"
	"github.com/vecmap-tiles/server/internal/overlay"
	"github.com/vecmap-tiles/server/internal/query"
	"github.com/vecmap-tiles/server/internal/querystore"
	"github.com/vecmap-tiles/server/internal/render"
	"github.com/vecmap-tiles/server/internal/session"
	"github.com/vecmap-tiles/server/internal/tile"
)

// ErrNoQuerySource is returned when queries are submitted but no database
// is configured.
var ErrNoQuerySource = errors.New("no query database configured")

// ProjectionServiceConfig contains projection service configuration.
type ProjectionServiceConfig struct {
	Sessions *session.Manager
	Renderer *render.Renderer
	// Queries runs live filters; nil disables SubmitQuery.
	Queries query.Source
	// History records submitted queries; optional.
	History *querystore.Store
	Logger  *zap.Logger
}

// ProjectionService serves the active projection.
type ProjectionService struct {
	sessions *session.Manager
	renderer *render.Renderer
	queries  query.Source
	history  *querystore.Store
	logger   *zap.Logger
}

// NewProjectionService creates a projection service.
func NewProjectionService(cfg ProjectionServiceConfig) *ProjectionService {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewRenderer(render.DefaultConfig())
	}
	return &ProjectionService{
		sessions: cfg.Sessions,
		renderer: renderer,
		queries:  cfg.Queries,
		history:  cfg.History,
		logger:   logger,
	}
}

// Activate makes projectionID the active projection.
func (s *ProjectionService) Activate(ctx context.Context, projectionID string) (session.Status, error) {
	sess, err := s.sessions.Activate(ctx, projectionID)
	if err != nil {
		return session.Status{}, err
	}
	return sess.Status(), nil
}

// Status describes the active projection.
func (s *ProjectionService) Status() (session.Status, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return session.Status{}, err
	}
	return sess.Status(), nil
}

// Close deactivates the active projection.
func (s *ProjectionService) Close() {
	s.sessions.Close()
}

// TileInfo describes one selected tile.
type TileInfo struct {
	ID     string `json:"id"`
	Z      int    `json:"z"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Points int    `json:"points"`
}

// VisibleTiles loads and lists the tiles covering v.
func (s *ProjectionService) VisibleTiles(ctx context.Context, v lod.Viewport) ([]TileInfo, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return nil, err
	}
	loaded, err := sess.Visible(ctx, v)
	if err != nil {
		return nil, err
	}
	out := make([]TileInfo, 0, len(loaded))
	for _, l := range loaded {
		out = append(out, TileInfo{ID: l.Addr.ID(), Z: l.Addr.Z, X: l.Addr.X, Y: l.Addr.Y, Points: l.Tile.Len()})
	}
	return out, nil
}

// TileData is a decoded tile with its rows in display form.
type TileData struct {
	ID      string       `json:"id"`
	Points  int          `json:"points"`
	Columns []ColumnInfo `json:"columns"`
	Rows    []RowData    `json:"rows"`
}

// ColumnInfo is the name and kind of a tile column.
type ColumnInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// RowData is one tile row.
type RowData struct {
	X      float64       `json:"x"`
	Y      float64       `json:"y"`
	PKHash uint32        `json:"pk_hash"`
	Fields []codec.Field `json:"fields"`
}

// Tile returns up to limit rows of the tile at addr; limit <= 0 returns all.
func (s *ProjectionService) Tile(ctx context.Context, addr tile.Address, limit int) (*TileData, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return nil, err
	}
	t, err := sess.Loader().GetOrLoad(ctx, addr)
	if err != nil {
		return nil, err
	}
	n := t.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	data := &TileData{ID: addr.ID(), Points: t.Len(), Rows: make([]RowData, 0, n)}
	for _, c := range t.Columns() {
		data.Columns = append(data.Columns, ColumnInfo{Name: c.Name, Kind: c.Kind.String()})
	}
	for i := 0; i < n; i++ {
		row := t.Row(i)
		data.Rows = append(data.Rows, RowData{X: t.X(i), Y: t.Y(i), PKHash: row.PKHash(), Fields: row.Fields()})
	}
	return data, nil
}

// Render draws the view v of the active projection as PNG.
func (s *ProjectionService) Render(ctx context.Context, v lod.Viewport) ([]byte, render.Stats, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return nil, render.Stats{}, err
	}
	if v.Width <= 0 || v.Height <= 0 {
		cfg := s.renderer.Config()
		v.Width, v.Height = cfg.Width, cfg.Height
	}
	loaded, err := sess.Visible(ctx, v)
	if err != nil {
		return nil, render.Stats{}, err
	}
	qv := sess.QueryView()
	return s.renderer.RenderView(render.Frame{
		View:          v,
		Tiles:         loaded,
		Overlay:       qv.Overlay.Tile,
		Query:         qv.Query,
		Colors:        sess.Engine(),
		Settings:      sess.Metadata().ViewSettings(),
		QueriedRadius: qv.QueriedRadius,
	})
}

// SetColorBy selects the colour column and returns the emptied legend.
func (s *ProjectionService) SetColorBy(cb *color.ColorBy) (color.Legend, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return color.Legend{}, err
	}
	if err := sess.SetColorBy(cb); err != nil {
		return color.Legend{}, err
	}
	return sess.Engine().Legend(), nil
}

// Legend returns the legend of the current colouring.
func (s *ProjectionService) Legend() (color.Legend, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return color.Legend{}, err
	}
	return sess.Engine().Legend(), nil
}

// Hover returns the point under canvas position (px, py) of view v.
func (s *ProjectionService) Hover(ctx context.Context, v lod.Viewport, px, py float64) (*session.HoverResult, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return nil, err
	}
	return sess.Hover(ctx, v, px, py)
}

// QueryResult reports a submitted query.
type QueryResult struct {
	RunID           string `json:"run_id"`
	Matched         int    `json:"matched"`
	OverlayEligible bool   `json:"overlay_eligible"`
	OverlayRows     int    `json:"overlay_rows"`
	OverlayLoading  bool   `json:"overlay_loading"`
}

// SubmitQuery runs queryText against the query database and makes the
// matched hashes the active query. With wait set it returns after the
// overlay is rebuilt.
func (s *ProjectionService) SubmitQuery(ctx context.Context, queryText string, wait bool) (*QueryResult, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return nil, err
	}
	if s.queries == nil {
		return nil, ErrNoQuerySource
	}
	start := time.Now()
	hs, err := s.queries.Hashes(ctx, queryText)
	if err != nil {
		s.record(&querystore.Run{
			ID:           ksuid.New().String(),
			ProjectionID: sess.ProjectionID(),
			Query:        queryText,
			Status:       querystore.RunStatusFailed,
			DurationMs:   time.Since(start).Milliseconds(),
			Error:        err.Error(),
		})
		return nil, err
	}
	return s.apply(ctx, sess, queryText, hs, start, wait)
}

// SubmitHashes makes hs the active query without running a database query.
// Signed hashes are reinterpreted as unsigned.
func (s *ProjectionService) SubmitHashes(ctx context.Context, label string, hashes []uint32, signed []int32, wait bool) (*QueryResult, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return nil, err
	}
	all := make([]uint32, 0, len(hashes)+len(signed))
	all = append(all, hashes...)
	for _, h := range signed {
		all = append(all, uint32(h))
	}
	hs := query.NewHashSet(all...)
	return s.apply(ctx, sess, label, hs, time.Now(), wait)
}

func (s *ProjectionService) apply(ctx context.Context, sess *session.Session, text string, hs *query.HashSet, start time.Time, wait bool) (*QueryResult, error) {
	run := &querystore.Run{
		ID:           ksuid.New().String(),
		ProjectionID: sess.ProjectionID(),
		Query:        text,
		Status:       querystore.RunStatusCompleted,
		Matched:      hs.Len(),
	}
	build := sess.SetHashes(text, hs)
	run.DurationMs = time.Since(start).Milliseconds()
	s.record(run)

	result := &QueryResult{
		RunID:           run.ID,
		Matched:         hs.Len(),
		OverlayEligible: overlay.Eligible(hs, sess.MaxOverlayHashes()),
	}
	if wait {
		select {
		case <-build.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rows, ok := build.Result(); ok {
			s.recordOverlay(run.ID, rows)
			result.OverlayRows = rows
			return result, nil
		}
	} else if s.history != nil {
		go func() {
			<-build.Done()
			if rows, ok := build.Result(); ok {
				s.recordOverlay(run.ID, rows)
			}
		}()
	}
	if rows, ok := build.Result(); ok {
		result.OverlayRows = rows
	} else {
		result.OverlayLoading = true
	}
	return result, nil
}

// ClearQuery drops the active query and its overlay.
func (s *ProjectionService) ClearQuery() error {
	sess, err := s.sessions.Active()
	if err != nil {
		return err
	}
	<-sess.SetHashes("", nil).Done()
	return nil
}

// OverlayStatus describes the overlay of the active query.
type OverlayStatus struct {
	Query      string `json:"query,omitempty"`
	Hashes     int    `json:"hashes"`
	Rows       int    `json:"rows"`
	Loading    bool   `json:"loading"`
	Generation uint64 `json:"generation"`
}

// Overlay returns the overlay state.
func (s *ProjectionService) Overlay() (OverlayStatus, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return OverlayStatus{}, err
	}
	hs, text := sess.Hashes()
	ov := sess.Overlay()
	return OverlayStatus{
		Query:      text,
		Hashes:     hs.Len(),
		Rows:       ov.Len(),
		Loading:    ov.Loading,
		Generation: ov.Generation,
	}, nil
}

// History lists recent queries for the active projection.
func (s *ProjectionService) History(limit int) ([]*querystore.Run, error) {
	sess, err := s.sessions.Active()
	if err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListByProjection(sess.ProjectionID(), limit)
}

func (s *ProjectionService) record(run *querystore.Run) {
	if s.history == nil {
		return
	}
	if err := s.history.Record(run); err != nil {
		s.logger.Warn("query run not recorded", zap.String("run", run.ID), zap.Error(err))
	}
}

func (s *ProjectionService) recordOverlay(runID string, rows int) {
	if s.history == nil {
		return
	}
	if err := s.history.UpdateOverlayRows(runID, rows); err != nil {
		s.logger.Warn("overlay rows not recorded", zap.String("run", runID), zap.Error(err))
	}
}
