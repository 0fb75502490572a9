// Package cache provides the shared byte caches: compressed tile payloads
// and serialised query hash sets.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	QueryCacheSize  int
}

// DefaultConfig returns the sizes used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TileCacheSizeMB: 512,
		TileTTL:         2 * time.Hour,
		QueryCacheSize:  256,
	}
}

// Manager manages the tile and query caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]

	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewManager creates a cache manager. Metrics register on reg; a nil reg
// uses a private registry.
func NewManager(cfg Config, reg prometheus.Registerer) (*Manager, error) {
	def := DefaultConfig()
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = def.TileTTL
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = def.QueryCacheSize
	}

	tileCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}
	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tile cache")
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create query cache")
	}

	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Manager{
		tileCache:  tileCache,
		queryCache: queryCache,
		hits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecmap_cache_hits_total",
				Help: "Number of hits for a cache lookup.",
			},
			[]string{"kind"},
		),
		misses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecmap_cache_misses_total",
				Help: "Number of misses for a cache lookup.",
			},
			[]string{"kind"},
		),
	}, nil
}

// GetTile retrieves a compressed tile payload.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		m.misses.WithLabelValues("tile").Inc()
		return nil, false
	}
	m.hits.WithLabelValues("tile").Inc()
	return data, true
}

// SetTile stores a compressed tile payload.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// ResetTiles drops every cached tile payload.
func (m *Manager) ResetTiles() error {
	return m.tileCache.Reset()
}

// GetQuery retrieves a serialised query result.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	data, ok := m.queryCache.Get(key)
	if ok {
		m.hits.WithLabelValues("query").Inc()
	} else {
		m.misses.WithLabelValues("query").Inc()
	}
	return data, ok
}

// SetQuery stores a serialised query result.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// TileKey generates the cache key for a tile of a projection.
func TileKey(projectionID, tileID string) string {
	return projectionID + "|" + tileID
}

// QueryKey generates the cache key for a query against a source.
func QueryKey(source, query string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return "query:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len":   m.tileCache.Len(),
		"tile_cache_bytes": m.tileCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
