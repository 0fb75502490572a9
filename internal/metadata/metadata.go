// Package metadata holds the quadtree manifest of one projection: extent,
// per-column colour statistics and the tile tree.
package metadata

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vecmap-tiles/server/internal/tile"
)

// UserPrefix marks data columns copied from the source table.
const UserPrefix = "user_"

// RootID is the id of the quadtree root tile.
const RootID = "0/0_0"

// Extent is the square tile size in world units.
type Extent struct {
	Size float64 `json:"size"`
}

// ColorStats holds N+1 bucket boundaries for N continuous colour bands.
type ColorStats struct {
	Buckets []float64 `json:"buckets"`
}

// Entry is one node of the tile tree.
type Entry struct {
	TileID           string   `json:"tile_id"`
	UncompressedSize int64    `json:"uncompressed_size"`
	CompressedSize   int64    `json:"compressed_size"`
	Children         []*Entry `json:"children"`
	NodeCount        int      `json:"node_count"`
}

// Metadata is the root aggregate fetched once per projection activation.
type Metadata struct {
	Extent     Extent                `json:"extent"`
	ColorStats map[string]ColorStats `json:"colorStats"`
	Tiles      map[string]*Entry     `json:"tiles"`

	ids     tile.IDSet
	order   []tile.Address
	entries map[tile.Address]*Entry
}

// Parse decodes and indexes a metadata document.
func Parse(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse metadata")
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

// index flattens the tile tree. The manifest nests children under parents and
// may also list them at the top level, so addresses are deduplicated.
func (m *Metadata) index() error {
	if m.Extent.Size <= 0 {
		return errors.Newf("invalid metadata: extent size %v", m.Extent.Size)
	}
	m.ids = tile.IDSet{}
	m.entries = make(map[tile.Address]*Entry)
	m.order = m.order[:0]

	var visit func(e *Entry) error
	visit = func(e *Entry) error {
		if e == nil {
			return nil
		}
		addr, err := tile.ParseID(e.TileID)
		if err != nil {
			return errors.Wrap(err, "invalid metadata")
		}
		if _, seen := m.entries[addr]; !seen {
			m.ids[addr] = struct{}{}
			m.entries[addr] = e
			m.order = append(m.order, addr)
		}
		for _, c := range e.Children {
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}

	keys := make([]string, 0, len(m.Tiles))
	for k := range m.Tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := tile.ParseID(keys[i])
		b, errB := tile.ParseID(keys[j])
		if errA != nil || errB != nil {
			return keys[i] < keys[j]
		}
		return a.Less(b)
	})
	for _, k := range keys {
		e := m.Tiles[k]
		if e != nil && e.TileID == "" {
			e.TileID = k
		}
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

// Flatten returns the set of all tile addresses in the manifest.
func (m *Metadata) Flatten() tile.IDSet {
	return m.ids
}

// Order returns every address in manifest order: roots by id, each followed
// depth-first by its descendants.
func (m *Metadata) Order() []tile.Address {
	out := make([]tile.Address, len(m.order))
	copy(out, m.order)
	return out
}

// Entry returns the manifest entry for addr.
func (m *Metadata) Entry(addr tile.Address) (*Entry, bool) {
	e, ok := m.entries[addr]
	return e, ok
}

// Len returns the number of tiles.
func (m *Metadata) Len() int {
	return len(m.order)
}

// MaxZoom returns the deepest zoom level present.
func (m *Metadata) MaxZoom() int {
	return m.ids.MaxZoom()
}

// RootCount returns the point count of the root tile, or 0.
func (m *Metadata) RootCount() int {
	if e, ok := m.entries[tile.Address{}]; ok {
		return e.NodeCount
	}
	return 0
}

// TotalPoints sums node counts across all tiles.
func (m *Metadata) TotalPoints() int {
	n := 0
	for _, e := range m.entries {
		n += e.NodeCount
	}
	return n
}

// ColumnName returns the tile column name for a user-facing column.
func ColumnName(column string) string {
	if strings.HasPrefix(column, UserPrefix) {
		return column
	}
	return UserPrefix + column
}

// DisplayName strips the user prefix.
func DisplayName(column string) string {
	return strings.TrimPrefix(column, UserPrefix)
}

// Buckets returns the bucket boundaries of a column, if any.
func (m *Metadata) Buckets(column string) ([]float64, bool) {
	if m == nil {
		return nil, false
	}
	cs, ok := m.ColorStats[ColumnName(column)]
	if !ok || len(cs.Buckets) == 0 {
		return nil, false
	}
	return cs.Buckets, true
}

// ContinuousColumns lists the user-facing names of columns with colour stats.
func (m *Metadata) ContinuousColumns() []string {
	out := make([]string, 0, len(m.ColorStats))
	for k := range m.ColorStats {
		out = append(out, DisplayName(k))
	}
	sort.Strings(out)
	return out
}
