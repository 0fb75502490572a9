// Package session owns the state of the active projection: its manifest,
// signed URLs, decoded tiles, colour assignments and query overlay.
package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/vecmap-tiles/server/internal/cache"
	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/color"
	"github.com/vecmap-tiles/server/internal/lod"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/overlay"
	"github.com/vecmap-tiles/server/internal/query"
	"github.com/vecmap-tiles/server/internal/signer"
	"github.com/vecmap-tiles/server/internal/tilecache"
)

// DefaultRefreshInterval re-signs tile URLs well before they expire.
const DefaultRefreshInterval = 85 * time.Minute

// DefaultZoomOffset lowers the tile level relative to the view zoom.
const DefaultZoomOffset = -4

// DefaultPickRadius is the hover tolerance in pixels.
const DefaultPickRadius = 4

// Fetcher retrieves manifests and tile payloads.
type Fetcher interface {
	tilecache.Fetcher
	GetText(ctx context.Context, url string) (string, error)
}

// Options configures a session.
type Options struct {
	ProjectionID     string
	Bucket           string
	Resolver         signer.Resolver
	Fetcher          Fetcher
	Bytes            *cache.Manager
	RefreshInterval  time.Duration
	Concurrency      int
	MaxOverlayHashes int
	ZoomOffset       *int
	Logger           *zap.Logger
	Metrics          *Metrics
}

// Metrics bundles the metrics of a session and its components. Create one
// per registry and share it across sessions.
type Metrics struct {
	Tiles       *tilecache.Metrics
	Overlay     *overlay.Metrics
	refreshes   *prometheus.CounterVec
	activations prometheus.Counter
}

// NewMetrics registers session metrics on reg; nil uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Tiles:   tilecache.NewMetrics(reg),
		Overlay: overlay.NewMetrics(reg),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vecmap_url_refreshes_total",
			Help: "Number of signed URL refreshes by outcome.",
		}, []string{"outcome"}),
		activations: f.NewCounter(prometheus.CounterOpts{
			Name: "vecmap_session_activations_total",
			Help: "Number of projection activations.",
		}),
	}
}

// Session is one activated projection. It is safe for concurrent use.
type Session struct {
	id           string
	projectionID string
	bucket       string
	openedAt     time.Time
	resolver     signer.Resolver
	logger       *zap.Logger
	metrics      *Metrics

	meta     *metadata.Metadata
	urls     *signer.URLMap
	loader   *tilecache.Loader
	engine   *color.Engine
	overlay  *overlay.State
	selector *lod.Selector

	mu        sync.RWMutex
	hashes    *query.HashSet
	queryText string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open fetches the projection's manifest, signs every tile path and starts
// the URL refresh task. A failure to sign URLs is returned as a
// *signer.ResolutionError.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.ProjectionID == "" {
		return nil, errors.New("projection id is required")
	}
	if opts.Resolver == nil || opts.Fetcher == nil {
		return nil, errors.New("resolver and fetcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = signer.DefaultBucket
	}
	zoomOffset := DefaultZoomOffset
	if opts.ZoomOffset != nil {
		zoomOffset = *opts.ZoomOffset
	}

	id := ksuid.New().String()
	logger = logger.With(zap.String("session", id), zap.String("projection", opts.ProjectionID))
	start := time.Now()

	metaURL, err := signer.ResolveAll(ctx, opts.Resolver, []string{signer.MetadataPath(opts.ProjectionID)}, bucket)
	if err != nil {
		return nil, err
	}
	text, err := opts.Fetcher.GetText(ctx, metaURL[0].URL)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch metadata for %s", opts.ProjectionID)
	}
	meta, err := metadata.Parse([]byte(text))
	if err != nil {
		return nil, errors.Wrapf(err, "metadata for %s", opts.ProjectionID)
	}

	s := &Session{
		id:           id,
		projectionID: opts.ProjectionID,
		bucket:       bucket,
		resolver:     opts.Resolver,
		logger:       logger,
		metrics:      metrics,
		meta:         meta,
		engine:       color.NewEngine(),
		selector:     lod.NewSelector(meta.Extent.Size, zoomOffset, meta.Flatten()),
	}
	signed, err := s.resolveTiles(ctx)
	if err != nil {
		return nil, err
	}
	s.urls = signer.NewURLMap(signed)
	s.loader = tilecache.New(tilecache.Options{
		ProjectionID: opts.ProjectionID,
		Bucket:       bucket,
		Metadata:     meta,
		Resolver:     opts.Resolver,
		URLs:         s.urls,
		Fetcher:      opts.Fetcher,
		Bytes:        opts.Bytes,
		Concurrency:  opts.Concurrency,
		Logger:       logger,
		Metrics:      metrics.Tiles,
	})
	s.overlay = overlay.NewState(overlay.Options{
		Scanner:   s.loader,
		Metadata:  meta,
		MaxHashes: opts.MaxOverlayHashes,
		Logger:    logger,
		Metrics:   metrics.Overlay,
	})
	s.engine.Reset(nil, meta)
	s.openedAt = time.Now()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	interval := opts.RefreshInterval
	if interval == 0 {
		interval = DefaultRefreshInterval
	}
	if interval > 0 {
		s.wg.Add(1)
		go s.refreshLoop(interval)
	}

	metrics.activations.Inc()
	logger.Info("projection activated",
		zap.Int("tiles", meta.Len()),
		zap.Int("max_zoom", meta.MaxZoom()),
		zap.Int("points", meta.TotalPoints()),
		zap.Duration("elapsed", time.Since(start)))
	return s, nil
}

func (s *Session) resolveTiles(ctx context.Context) ([]signer.SignedURL, error) {
	order := s.meta.Order()
	paths := make([]string, len(order))
	for i, a := range order {
		paths[i] = signer.TilePath(s.projectionID, a.ID())
	}
	return signer.ResolveAll(ctx, s.resolver, paths, s.bucket)
}

func (s *Session) refreshLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error("signed url refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh re-signs every tile URL and swaps in the new map. An active query
// overlay is rebuilt against the new URLs. On failure the old map stays.
func (s *Session) Refresh(ctx context.Context) error {
	signed, err := s.resolveTiles(ctx)
	if err != nil {
		s.metrics.refreshes.WithLabelValues("error").Inc()
		return err
	}
	s.urls.Replace(signed)
	s.metrics.refreshes.WithLabelValues("ok").Inc()
	s.logger.Debug("signed urls refreshed", zap.Int("urls", len(signed)))

	s.mu.RLock()
	hashes := s.hashes
	s.mu.RUnlock()
	if hashes != nil {
		s.overlay.Rebuild(s.ctx, hashes)
	}
	return nil
}

// Close stops the refresh task and any overlay scan.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
	s.overlay.Close()
	s.loader.Close()
	s.logger.Info("projection closed")
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ProjectionID returns the activated projection.
func (s *Session) ProjectionID() string { return s.projectionID }

// Metadata returns the projection manifest.
func (s *Session) Metadata() *metadata.Metadata { return s.meta }

// Engine returns the colour engine.
func (s *Session) Engine() *color.Engine { return s.engine }

// Selector returns the tile selector.
func (s *Session) Selector() *lod.Selector { return s.selector }

// Loader returns the tile loader.
func (s *Session) Loader() *tilecache.Loader { return s.loader }

// SetColorBy selects the colour column, resetting category assignments.
func (s *Session) SetColorBy(cb *color.ColorBy) error {
	if cb != nil && cb.Column != "" && !cb.Discrete {
		if _, ok := s.meta.Buckets(cb.Column); !ok {
			s.logger.Warn("no color stats for column, using primary color", zap.String("column", cb.Column))
		}
	}
	s.engine.Reset(cb, s.meta)
	return nil
}

// SetHashes makes hs the active query and rebuilds the overlay. A nil hs
// clears the query. The returned build is done once the overlay is settled.
func (s *Session) SetHashes(queryText string, hs *query.HashSet) *overlay.Build {
	s.mu.Lock()
	s.hashes = hs
	s.queryText = queryText
	s.mu.Unlock()
	return s.overlay.Rebuild(s.ctx, hs)
}

// QueryView is the query and overlay as seen by one render or hover pass.
// Query.OverlayActive is derived from Overlay, so matched base points are
// hidden exactly when the overlay drawn with them is non-empty.
type QueryView struct {
	Query         color.QueryState
	Overlay       overlay.Snapshot
	QueriedRadius float64
}

// QueryView takes one overlay snapshot and derives the query state from it.
func (s *Session) QueryView() QueryView {
	s.mu.RLock()
	hs := s.hashes
	s.mu.RUnlock()
	v := QueryView{
		Overlay:       s.overlay.Current(),
		QueriedRadius: s.queriedRadius(hs),
	}
	if hs != nil {
		v.Query = color.QueryState{Hashes: hs, OverlayActive: v.Overlay.Len() > 0}
	}
	return v
}

// QueryState returns the query context for a render pass.
func (s *Session) QueryState() color.QueryState {
	return s.QueryView().Query
}

// Hashes returns the active query's hash set and text.
func (s *Session) Hashes() (*query.HashSet, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashes, s.queryText
}

// Overlay returns the current overlay.
func (s *Session) Overlay() overlay.Snapshot {
	return s.overlay.Current()
}

// MaxOverlayHashes returns the largest hash set that gets an overlay.
func (s *Session) MaxOverlayHashes() int {
	return s.overlay.MaxHashes()
}

// OverlayDone returns a channel closed when the latest overlay rebuild is
// settled.
func (s *Session) OverlayDone() <-chan struct{} {
	return s.overlay.Done()
}

// Visible loads the tiles that cover v. Tiles that fail are left out.
func (s *Session) Visible(ctx context.Context, v lod.Viewport) ([]tilecache.Loaded, error) {
	return s.loader.LoadAll(ctx, s.selector.Select(v))
}

// QueriedRadius returns the radius of overlay points.
func (s *Session) QueriedRadius() float64 {
	hs, _ := s.Hashes()
	return s.queriedRadius(hs)
}

func (s *Session) queriedRadius(hs *query.HashSet) float64 {
	return metadata.BaseRadius * metadata.QueriedSizeMultiplier(hs.Len(), s.meta.RootCount())
}

// HoverResult describes the point under the cursor.
type HoverResult struct {
	TileID  string        `json:"tile_id,omitempty"`
	Overlay bool          `json:"overlay"`
	Index   int           `json:"index"`
	PKHash  uint32        `json:"pk_hash"`
	X       float64       `json:"x"`
	Y       float64       `json:"y"`
	Fields  []codec.Field `json:"fields"`
}

// Hover returns the topmost point within DefaultPickRadius pixels of the
// canvas position (px, py), or nil. Overlay points are on top of the base
// layer, and base points hidden by a query are not pickable.
func (s *Session) Hover(ctx context.Context, v lod.Viewport, px, py float64) (*HoverResult, error) {
	settings := s.meta.ViewSettings()
	scale := v.Scale()
	qv := s.QueryView()

	if ov := qv.Overlay; ov.Tile != nil {
		r := settings.PixelRadius(qv.QueriedRadius, scale)
		if i := nearest(ov.Tile, v, px, py, r+DefaultPickRadius, nil); i >= 0 {
			return hoverResult("", true, ov.Tile, i), nil
		}
	}

	loaded, err := s.Visible(ctx, v)
	if err != nil {
		return nil, err
	}
	var hidden func(*codec.Tile, int) bool
	if q := qv.Query; q.OverlayActive {
		hidden = func(t *codec.Tile, i int) bool {
			return q.Hashes.Contains(t.PKHash[i])
		}
	}
	r := settings.PixelRadius(metadata.BaseRadius, scale) + DefaultPickRadius
	for k := len(loaded) - 1; k >= 0; k-- {
		t := loaded[k].Tile
		if i := nearest(t, v, px, py, r, hidden); i >= 0 {
			return hoverResult(loaded[k].Addr.ID(), false, t, i), nil
		}
	}
	return nil, nil
}

func nearest(t *codec.Tile, v lod.Viewport, px, py, r float64, skip func(*codec.Tile, int) bool) int {
	best, bestD := -1, r*r
	for i := 0; i < t.Len(); i++ {
		x, y := v.Project(t.X(i), t.Y(i))
		d := (x-px)*(x-px) + (y-py)*(y-py)
		if math.IsNaN(d) || d >= bestD {
			continue
		}
		if skip != nil && skip(t, i) {
			continue
		}
		best, bestD = i, d
	}
	return best
}

func hoverResult(tileID string, overlay bool, t *codec.Tile, i int) *HoverResult {
	row := t.Row(i)
	return &HoverResult{
		TileID:  tileID,
		Overlay: overlay,
		Index:   i,
		PKHash:  row.PKHash(),
		X:       t.X(i),
		Y:       t.Y(i),
		Fields:  row.Fields(),
	}
}

// Status summarises the session.
type Status struct {
	ID             string                `json:"id"`
	ProjectionID   string                `json:"projection_id"`
	OpenedAt       time.Time             `json:"opened_at"`
	URLsResolvedAt time.Time             `json:"urls_resolved_at"`
	Tiles          int                   `json:"tiles"`
	LoadedTiles    int                   `json:"loaded_tiles"`
	Points         int                   `json:"points"`
	MaxZoom        int                   `json:"max_zoom"`
	ExtentSize     float64               `json:"extent_size"`
	View           metadata.ViewSettings `json:"view"`
	ColorBy        *color.ColorBy        `json:"color_by,omitempty"`
	Columns        []string              `json:"continuous_columns"`
	Query          string                `json:"query,omitempty"`
	QueryHashes    int                   `json:"query_hashes"`
	OverlayRows    int                   `json:"overlay_rows"`
	OverlayLoading bool                  `json:"overlay_loading"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	hs, text := s.Hashes()
	ov := s.overlay.Current()
	return Status{
		ID:             s.id,
		ProjectionID:   s.projectionID,
		OpenedAt:       s.openedAt,
		URLsResolvedAt: s.urls.ResolvedAt(),
		Tiles:          s.meta.Len(),
		LoadedTiles:    s.loader.Len(),
		Points:         s.meta.TotalPoints(),
		MaxZoom:        s.meta.MaxZoom(),
		ExtentSize:     s.meta.Extent.Size,
		View:           s.meta.ViewSettings(),
		ColorBy:        s.engine.ColorBy(),
		Columns:        s.meta.ContinuousColumns(),
		Query:          text,
		QueryHashes:    hs.Len(),
		OverlayRows:    ov.Len(),
		OverlayLoading: ov.Loading,
	}
}
