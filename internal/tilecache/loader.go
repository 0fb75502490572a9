// Package tilecache loads tiles of the active projection on demand and keeps
// the decoded tiles for the lifetime of the session.
package tilecache

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vecmap-tiles/server/internal/cache"
	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/fetch"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/signer"
	"github.com/vecmap-tiles/server/internal/tile"
)

// ErrNotInManifest is returned for addresses the manifest does not list.
var ErrNotInManifest = errors.New("tile not in manifest")

// Fetcher retrieves the bytes behind a URL.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Options configures a Loader.
type Options struct {
	ProjectionID string
	Bucket       string
	Metadata     *metadata.Metadata
	Resolver     signer.Resolver
	URLs         *signer.URLMap
	Fetcher      Fetcher
	// Bytes optionally caches compressed payloads across sessions.
	Bytes       *cache.Manager
	Concurrency int
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Loaded is a decoded tile with its address.
type Loaded struct {
	Addr tile.Address
	Tile *codec.Tile
}

// Loader fetches, decompresses and decodes tiles, at most once per address.
type Loader struct {
	projectionID string
	bucket       string
	meta         *metadata.Metadata
	resolver     signer.Resolver
	urls         *signer.URLMap
	fetcher      Fetcher
	bytes        *cache.Manager
	concurrency  int
	logger       *zap.Logger
	metrics      *Metrics

	mu     sync.RWMutex
	tiles  map[tile.Address]*codec.Tile
	closed bool
	group  singleflight.Group
}

// Metrics counts tile loads.
type Metrics struct {
	loads *prometheus.CounterVec
}

// NewMetrics registers loader metrics on reg; nil uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		loads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecmap_tile_loads_total",
				Help: "Number of tile loads by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// New returns a Loader.
func New(opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = signer.DefaultBucket
	}
	return &Loader{
		projectionID: opts.ProjectionID,
		bucket:       bucket,
		meta:         opts.Metadata,
		resolver:     opts.Resolver,
		urls:         opts.URLs,
		fetcher:      opts.Fetcher,
		bytes:        opts.Bytes,
		concurrency:  concurrency,
		logger:       logger.With(zap.String("projection", opts.ProjectionID)),
		metrics:      metrics,
		tiles:        make(map[tile.Address]*codec.Tile),
	}
}

// Peek returns a decoded tile if it is cached.
func (l *Loader) Peek(addr tile.Address) (*codec.Tile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tiles[addr]
	return t, ok
}

// Len returns the number of decoded tiles held.
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tiles)
}

// Purge drops every decoded tile.
func (l *Loader) Purge() {
	l.mu.Lock()
	l.tiles = make(map[tile.Address]*codec.Tile)
	l.mu.Unlock()
}

// Close drops every decoded tile. Loads still in flight return their tile
// to the caller but no longer cache it.
func (l *Loader) Close() {
	l.mu.Lock()
	l.tiles = make(map[tile.Address]*codec.Tile)
	l.closed = true
	l.mu.Unlock()
}

// GetOrLoad returns the decoded tile for addr, loading it if needed.
// Concurrent callers for one address share a single load, which keeps
// running if the caller that started it goes away.
func (l *Loader) GetOrLoad(ctx context.Context, addr tile.Address) (*codec.Tile, error) {
	if t, ok := l.Peek(addr); ok {
		return t, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := l.group.DoChan(addr.ID(), func() (interface{}, error) {
		if t, ok := l.Peek(addr); ok {
			return t, nil
		}
		t, err := l.load(detached, addr)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		if !l.closed {
			l.tiles[addr] = t
		}
		l.mu.Unlock()
		return t, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*codec.Tile), nil
	}
}

// LoadAll loads addrs with bounded parallelism. Tiles that fail are logged
// and left out. The result follows address order.
func (l *Loader) LoadAll(ctx context.Context, addrs []tile.Address) ([]Loaded, error) {
	sorted := make([]tile.Address, len(addrs))
	copy(sorted, addrs)
	tile.Sort(sorted)

	results := make([]*codec.Tile, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, addr := range sorted {
		i, addr := i, addr
		g.Go(func() error {
			t, err := l.GetOrLoad(gctx, addr)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				l.logger.Warn("skipping tile", zap.String("tile", addr.ID()), zap.Error(err))
				return nil
			}
			results[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]Loaded, 0, len(sorted))
	for i, t := range results {
		if t != nil {
			out = append(out, Loaded{Addr: sorted[i], Tile: t})
		}
	}
	return out, nil
}

// Scan returns the tile at addr, from the session cache if present, without
// retaining a freshly decoded tile.
func (l *Loader) Scan(ctx context.Context, addr tile.Address) (*codec.Tile, error) {
	if t, ok := l.Peek(addr); ok {
		return t, nil
	}
	return l.load(ctx, addr)
}

func (l *Loader) load(ctx context.Context, addr tile.Address) (*codec.Tile, error) {
	entry, ok := l.meta.Entry(addr)
	if !ok {
		l.metrics.loads.WithLabelValues("fetch_error").Inc()
		return nil, &tile.FetchError{Addr: addr, Err: ErrNotInManifest}
	}
	data, err := l.fetchBytes(ctx, addr)
	if err != nil {
		l.metrics.loads.WithLabelValues("fetch_error").Inc()
		return nil, &tile.FetchError{Addr: addr, Err: err}
	}
	t, err := codec.Decode(data, entry.UncompressedSize)
	if err != nil {
		l.metrics.loads.WithLabelValues("decode_error").Inc()
		return nil, &tile.DecodeError{Addr: addr, Err: err}
	}
	l.metrics.loads.WithLabelValues("ok").Inc()
	return t, nil
}

func (l *Loader) fetchBytes(ctx context.Context, addr tile.Address) ([]byte, error) {
	id := addr.ID()
	key := cache.TileKey(l.projectionID, id)
	if l.bytes != nil {
		if data, ok := l.bytes.GetTile(key); ok {
			return data, nil
		}
	}

	u, ok := l.urls.Get(id)
	if !ok {
		var err error
		if u, err = l.resign(ctx, id); err != nil {
			return nil, err
		}
	}
	data, err := l.fetcher.Get(ctx, u)
	if errors.Is(err, fetch.ErrExpired) {
		l.logger.Info("signed url expired, re-signing", zap.String("tile", id))
		if u, err = l.resign(ctx, id); err != nil {
			return nil, err
		}
		data, err = l.fetcher.Get(ctx, u)
	}
	if err != nil {
		return nil, err
	}

	if l.bytes != nil {
		if err := l.bytes.SetTile(key, data); err != nil {
			l.logger.Debug("tile not cached", zap.String("tile", id), zap.Error(err))
		}
	}
	return data, nil
}

func (l *Loader) resign(ctx context.Context, tileID string) (string, error) {
	signed, err := signer.ResolveAll(ctx, l.resolver, []string{signer.TilePath(l.projectionID, tileID)}, l.bucket)
	if err != nil {
		return "", err
	}
	l.urls.Set(tileID, signed[0].URL)
	return signed[0].URL, nil
}
