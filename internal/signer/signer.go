// Package signer turns object-storage paths into short-lived URLs that the
// tile fetcher can GET without further credentials.
package signer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultBucket holds every projection's tiles and manifest.
const DefaultBucket = "quadtree-tiles"

// DefaultExpiry is how long a signed URL stays valid. Sessions refresh well
// before this.
const DefaultExpiry = 90 * time.Hour

const (
	tilesDir   = "/tiles/"
	tileSuffix = ".arrow.zst"
)

// SignedURL pairs an object path with its signed URL.
type SignedURL struct {
	Path string `json:"path"`
	URL  string `json:"signedUrl"`
}

// Resolver signs object paths.
type Resolver interface {
	Resolve(ctx context.Context, paths []string, bucket string) ([]SignedURL, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, paths []string, bucket string) ([]SignedURL, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, paths []string, bucket string) ([]SignedURL, error) {
	return f(ctx, paths, bucket)
}

// ResolutionError reports a failure to sign URLs for a projection.
type ResolutionError struct {
	Bucket string
	Paths  int
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %d paths in bucket %s: %v", e.Paths, e.Bucket, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ResolveAll signs paths with r, wrapping any failure in a ResolutionError
// and checking that every path was signed.
func ResolveAll(ctx context.Context, r Resolver, paths []string, bucket string) ([]SignedURL, error) {
	signed, err := r.Resolve(ctx, paths, bucket)
	if err != nil {
		return nil, &ResolutionError{Bucket: bucket, Paths: len(paths), Err: err}
	}
	if len(signed) != len(paths) {
		return nil, &ResolutionError{
			Bucket: bucket,
			Paths:  len(paths),
			Err:    errors.Newf("resolver returned %d urls", len(signed)),
		}
	}
	return signed, nil
}

// MetadataPath is the manifest object of a projection.
func MetadataPath(projectionID string) string {
	return projectionID + "/metadata.json"
}

// TilePath is the object holding one tile of a projection.
func TilePath(projectionID, tileID string) string {
	return projectionID + tilesDir + tileID + tileSuffix
}

// TileIDFromPath extracts the tile id from a TilePath.
func TileIDFromPath(path string) (string, bool) {
	i := strings.LastIndex(path, tilesDir)
	if i < 0 || !strings.HasSuffix(path, tileSuffix) {
		return "", false
	}
	id := path[i+len(tilesDir) : len(path)-len(tileSuffix)]
	return id, id != ""
}

// URLMap maps tile ids to signed URLs. Refreshes replace the whole map.
type URLMap struct {
	mu         sync.RWMutex
	urls       map[string]string
	resolvedAt time.Time
}

// NewURLMap builds a map from signed tile paths. Paths that are not tile
// paths are ignored.
func NewURLMap(signed []SignedURL) *URLMap {
	m := &URLMap{}
	m.Replace(signed)
	return m
}

func buildURLs(signed []SignedURL) map[string]string {
	urls := make(map[string]string, len(signed))
	for _, s := range signed {
		if id, ok := TileIDFromPath(s.Path); ok {
			urls[id] = s.URL
		}
	}
	return urls
}

// Replace swaps in a freshly signed set of URLs.
func (m *URLMap) Replace(signed []SignedURL) {
	urls := buildURLs(signed)
	m.mu.Lock()
	m.urls = urls
	m.resolvedAt = time.Now()
	m.mu.Unlock()
}

// Set updates one tile's URL.
func (m *URLMap) Set(tileID, url string) {
	m.mu.Lock()
	m.urls[tileID] = url
	m.mu.Unlock()
}

// Get returns the URL for a tile.
func (m *URLMap) Get(tileID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.urls[tileID]
	return u, ok
}

// Len returns the number of tiles with URLs.
func (m *URLMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.urls)
}

// ResolvedAt returns when the map was last replaced.
func (m *URLMap) ResolvedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolvedAt
}
