// Package overlay extracts the rows matched by a live query from every tile
// of a projection into one dataset drawn above the base layer.
package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/query"
	"github.com/vecmap-tiles/server/internal/tile"
)

// DefaultMaxHashes is the largest hash set that is turned into an overlay.
const DefaultMaxHashes = 30000

// Scanner returns the decoded tile at an address.
type Scanner interface {
	Scan(ctx context.Context, addr tile.Address) (*codec.Tile, error)
}

// ScanError reports the tile at which an overlay scan stopped.
type ScanError struct {
	Addr    tile.Address
	Scanned int
	Err     error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("overlay scan failed at tile %s after %d tiles: %v", e.Addr.ID(), e.Scanned, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Eligible reports whether hashes is small enough, and non-empty, to build
// an overlay for.
func Eligible(hashes *query.HashSet, maxHashes int) bool {
	if maxHashes <= 0 {
		maxHashes = DefaultMaxHashes
	}
	n := hashes.Len()
	return n > 0 && n <= maxHashes
}

// Load scans the tiles of meta in manifest order and copies every row whose
// key hash is in hashes. It returns nil when hashes is not eligible. The
// scan ends at the row that brings the match count to hashes.Len(), so the
// overlay never holds more rows than hashes.
func Load(ctx context.Context, hashes *query.HashSet, src Scanner, meta *metadata.Metadata, maxHashes int) (*codec.Tile, error) {
	if !Eligible(hashes, maxHashes) {
		return nil, nil
	}
	target := hashes.Len()
	b := codec.NewBuilder()
	for n, addr := range meta.Order() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := src.Scan(ctx, addr)
		if err != nil {
			return nil, &ScanError{Addr: addr, Scanned: n, Err: err}
		}
		for i, h := range t.PKHash {
			if !hashes.Contains(h) {
				continue
			}
			if err := b.AppendRow(t, i); err != nil {
				return nil, &ScanError{Addr: addr, Scanned: n, Err: err}
			}
			if b.Len() >= target {
				return b.Tile(), nil
			}
		}
	}
	return b.Tile(), nil
}

// Metrics counts overlay scans.
type Metrics struct {
	scans    *prometheus.CounterVec
	rows     prometheus.Gauge
	duration prometheus.Histogram
}

// NewMetrics registers overlay metrics on reg; nil uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vecmap_overlay_scans_total",
			Help: "Number of overlay rebuilds by outcome.",
		}, []string{"outcome"}),
		rows: f.NewGauge(prometheus.GaugeOpts{
			Name: "vecmap_overlay_rows",
			Help: "Rows in the current overlay dataset.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vecmap_overlay_scan_duration_seconds",
			Help:    "Duration of overlay scans.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// Options configures a State.
type Options struct {
	Scanner   Scanner
	Metadata  *metadata.Metadata
	MaxHashes int
	Logger    *zap.Logger
	Metrics   *Metrics
}

// Snapshot is the overlay as seen by one render pass.
type Snapshot struct {
	// Tile is nil when the overlay is empty.
	Tile       *codec.Tile
	Generation uint64
	Loading    bool
}

// Len returns the number of overlay rows.
func (s Snapshot) Len() int {
	if s.Tile == nil {
		return 0
	}
	return s.Tile.Len()
}

// Build is one Rebuild request.
type Build struct {
	Generation uint64

	done    chan struct{}
	rows    int
	applied bool
}

// Done is closed once the build has been applied or discarded.
func (b *Build) Done() <-chan struct{} { return b.done }

// Result returns the number of overlay rows this build applied. ok is false
// while the build is running and when a newer Rebuild or Close superseded
// it. A failed scan applies an empty overlay.
func (b *Build) Result() (rows int, ok bool) {
	select {
	case <-b.done:
		return b.rows, b.applied
	default:
		return 0, false
	}
}

// State holds the overlay of a session. Each Rebuild supersedes the previous
// one; a scan that finishes after a newer Rebuild is discarded.
type State struct {
	scanner   Scanner
	meta      *metadata.Metadata
	maxHashes int
	logger    *zap.Logger
	metrics   *Metrics

	mu      sync.Mutex
	gen     uint64
	current *codec.Tile
	loading bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewState returns an empty overlay.
func NewState(opts Options) *State {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	maxHashes := opts.MaxHashes
	if maxHashes <= 0 {
		maxHashes = DefaultMaxHashes
	}
	done := make(chan struct{})
	close(done)
	return &State{
		scanner:   opts.Scanner,
		meta:      opts.Metadata,
		maxHashes: maxHashes,
		logger:    logger,
		metrics:   metrics,
		done:      done,
	}
}

// MaxHashes returns the eligibility limit.
func (s *State) MaxHashes() int {
	return s.maxHashes
}

// Rebuild starts a scan for hashes. The returned build is done when that
// scan has been applied or discarded. Ineligible sets clear the overlay
// immediately. ctx bounds the scan.
func (s *State) Rebuild(ctx context.Context, hashes *query.HashSet) *Build {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	b := &Build{Generation: s.gen, done: make(chan struct{})}
	s.done = b.done

	if !Eligible(hashes, s.maxHashes) {
		s.current = nil
		s.loading = false
		s.metrics.rows.Set(0)
		s.metrics.scans.WithLabelValues("skipped").Inc()
		b.applied = true
		close(b.done)
		return b
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.current = nil
	s.loading = true
	go func() {
		defer close(b.done)
		defer cancel()
		start := time.Now()
		t, err := Load(scanCtx, hashes, s.scanner, s.meta, s.maxHashes)
		s.metrics.duration.Observe(time.Since(start).Seconds())
		s.apply(b, hashes.Len(), t, err)
	}()
	return b
}

func (s *State) apply(b *Build, target int, t *codec.Tile, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := b.Generation
	if gen != s.gen {
		s.metrics.scans.WithLabelValues("stale").Inc()
		return
	}
	s.loading = false
	s.cancel = nil
	b.applied = true
	if err != nil {
		s.current = nil
		s.metrics.rows.Set(0)
		if errors.Is(err, context.Canceled) {
			s.metrics.scans.WithLabelValues("canceled").Inc()
			return
		}
		s.metrics.scans.WithLabelValues("error").Inc()
		s.logger.Error("overlay scan failed", zap.Error(err))
		return
	}
	s.current = t
	rows := 0
	if t != nil {
		rows = t.Len()
	}
	b.rows = rows
	s.metrics.rows.Set(float64(rows))
	s.metrics.scans.WithLabelValues("ok").Inc()
	s.logger.Info("overlay rebuilt",
		zap.Uint64("generation", gen),
		zap.Int("hashes", target),
		zap.Int("rows", rows))
}

// Current returns the applied overlay.
func (s *State) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Tile: s.current, Generation: s.gen, Loading: s.loading}
}

// Loading reports whether a scan is in flight.
func (s *State) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Done returns the channel of the latest Rebuild.
func (s *State) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Close cancels any scan in flight and clears the overlay.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.current = nil
	s.loading = false
}
