// Package fixture builds projection tile sets the way the tile-producing
// job does: a point quadtree split at a fixed tile capacity, written as
// zstd-compressed Arrow tiles with a metadata.json manifest.
package fixture

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/signer"
	"github.com/vecmap-tiles/server/internal/tile"
)

// MaxTilePoints is the capacity of one tile.
const MaxTilePoints = 4000

// ExtentSize is the side of the square coordinates are normalised to.
const ExtentSize = 100

// Dataset is a set of points. Columns hold ix and the user_ columns, all
// the same length as X and Y.
type Dataset struct {
	X, Y    []float64
	Columns []*codec.Column
}

// Len returns the number of points.
func (d Dataset) Len() int { return len(d.X) }

// Options tunes Build.
type Options struct {
	MaxTilePoints int
}

// Projection is a built tile set.
type Projection struct {
	Metadata []byte
	Tiles    map[string][]byte
}

type node struct {
	addr     tile.Address
	cx, cy   float64
	half     float64
	items    []int
	children []*node
}

// Build normalises d into the extent, splits it into a quadtree and encodes
// every non-empty node as a tile.
func Build(d Dataset, opts Options) (*Projection, error) {
	if len(d.Y) != d.Len() {
		return nil, errors.Newf("x has %d values, y has %d", d.Len(), len(d.Y))
	}
	if opts.MaxTilePoints <= 0 {
		opts.MaxTilePoints = MaxTilePoints
	}
	hasIX := false
	for _, c := range d.Columns {
		if c.Len() != d.Len() {
			return nil, errors.Newf("column %q has %d values, expected %d", c.Name, c.Len(), d.Len())
		}
		hasIX = hasIX || c.Name == codec.ColumnIX
	}
	if !hasIX {
		return nil, errors.New("dataset has no ix column")
	}

	xs, ys := Normalize(d.X, d.Y, ExtentSize)
	all := make([]int, d.Len())
	for i := range all {
		all[i] = i
	}
	root := split(tile.Address{}, ExtentSize/2, ExtentSize/2, ExtentSize/2, all, xs, ys, opts.MaxTilePoints)

	p := &Projection{Tiles: make(map[string][]byte)}
	entries := make(map[string]*metadata.Entry)
	if err := p.emit(root, d, xs, ys, entries); err != nil {
		return nil, err
	}

	doc := struct {
		Extent     metadata.Extent                `json:"extent"`
		Tiles      map[string]*metadata.Entry     `json:"tiles"`
		ColorStats map[string]metadata.ColorStats `json:"colorStats"`
	}{
		Extent:     metadata.Extent{Size: ExtentSize},
		Tiles:      entries,
		ColorStats: colorStats(d.Columns),
	}
	var err error
	if p.Metadata, err = json.MarshalIndent(doc, "", "  "); err != nil {
		return nil, errors.Wrap(err, "marshal metadata")
	}
	return p, nil
}

// split keeps a stride sample of capacity points at each overfull node and
// hands the rest to the four quadrants, ordered (-x,-y), (-x,+y), (+x,-y),
// (+x,+y) to match tile.Address.Children.
func split(addr tile.Address, cx, cy, half float64, items []int, xs, ys []float64, capacity int) *node {
	n := &node{addr: addr, cx: cx, cy: cy, half: half}
	if len(items) <= capacity {
		n.items = items
		return n
	}
	stride := float64(len(items)) / float64(capacity)
	picked := make(map[int]bool, capacity)
	for k := 0; k < capacity; k++ {
		picked[int(float64(k)*stride)] = true
	}
	var quads [4][]int
	for pos, i := range items {
		if picked[pos] {
			n.items = append(n.items, i)
			continue
		}
		q := 0
		if xs[i] > cx {
			q += 2
		}
		if ys[i] > cy {
			q++
		}
		quads[q] = append(quads[q], i)
	}
	h := half / 2
	centers := [4][2]float64{{cx - h, cy - h}, {cx - h, cy + h}, {cx + h, cy - h}, {cx + h, cy + h}}
	for q, child := range addr.Children() {
		if len(quads[q]) == 0 {
			continue
		}
		n.children = append(n.children, split(child, centers[q][0], centers[q][1], h, quads[q], xs, ys, capacity))
	}
	return n
}

func (p *Projection) emit(n *node, d Dataset, xs, ys []float64, entries map[string]*metadata.Entry) error {
	cols := make([]*codec.Column, 0, len(d.Columns)+2)
	x := codec.NewColumn(codec.ColumnX, codec.KindFloat32)
	y := codec.NewColumn(codec.ColumnY, codec.KindFloat32)
	for _, i := range n.items {
		x.F32 = append(x.F32, float32(xs[i]))
		y.F32 = append(y.F32, float32(ys[i]))
	}
	cols = append(cols, x, y)
	for _, src := range d.Columns {
		c := codec.NewColumn(src.Name, src.Kind)
		for _, i := range n.items {
			if err := c.Append(src, i); err != nil {
				return err
			}
		}
		cols = append(cols, c)
	}
	t, err := codec.NewTile(cols)
	if err != nil {
		return errors.Wrapf(err, "tile %s", n.addr.ID())
	}
	payload, size, err := codec.Encode(t)
	if err != nil {
		return errors.Wrapf(err, "encode tile %s", n.addr.ID())
	}

	id := n.addr.ID()
	p.Tiles[id] = payload
	e := &metadata.Entry{
		TileID:           id,
		UncompressedSize: size,
		CompressedSize:   int64(len(payload)),
		NodeCount:        len(n.items),
		Children:         []*metadata.Entry{},
	}
	entries[id] = e
	for _, child := range n.children {
		if err := p.emit(child, d, xs, ys, entries); err != nil {
			return err
		}
		e.Children = append(e.Children, entries[child.addr.ID()])
	}
	return nil
}

// Normalize maps coordinates linearly onto [0, size] on each axis.
func Normalize(xs, ys []float64, size float64) ([]float64, []float64) {
	scale := func(vs []float64) []float64 {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range vs {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		out := make([]float64, len(vs))
		span := hi - lo
		for i, v := range vs {
			if span > 0 {
				out[i] = (v - lo) / span * size
			} else {
				out[i] = size / 2
			}
		}
		return out
	}
	return scale(xs), scale(ys)
}

// colorStats computes decile bucket boundaries for numeric and timestamp
// user columns.
func colorStats(cols []*codec.Column) map[string]metadata.ColorStats {
	out := make(map[string]metadata.ColorStats)
	for _, c := range cols {
		if c.Name == codec.ColumnIX || !c.Kind.Numeric() {
			continue
		}
		vals := make([]float64, 0, c.Len())
		for i := 0; i < c.Len(); i++ {
			if v := c.Float64(i); !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		buckets := make([]float64, 0, 11)
		for p := 0; p <= 100; p += 10 {
			buckets = append(buckets, Percentile(vals, float64(p)))
		}
		out[c.Name] = metadata.ColorStats{Buckets: buckets}
	}
	return out
}

// Percentile returns the p-th percentile of sorted values with linear
// interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// WriteDir writes p under root in the layout the local resolver serves:
// {root}/{bucket}/{projectionID}/metadata.json and .../tiles/{id}.arrow.zst.
func (p *Projection) WriteDir(root, bucket, projectionID string) error {
	if bucket == "" {
		bucket = signer.DefaultBucket
	}
	base := filepath.Join(root, bucket)
	write := func(rel string, data []byte) error {
		path := filepath.Join(base, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "create %s", filepath.Dir(path))
		}
		return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
	}
	if err := write(signer.MetadataPath(projectionID), p.Metadata); err != nil {
		return err
	}
	for id, payload := range p.Tiles {
		if err := write(signer.TilePath(projectionID, id), payload); err != nil {
			return err
		}
	}
	return nil
}
