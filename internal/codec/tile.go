// Package codec decodes tile payloads: zstd-compressed Arrow IPC containers
// holding one projection tile's points.
package codec

import (
	"github.com/cockroachdb/errors"

	"github.com/vecmap-tiles/server/internal/metadata"
)

// Reserved column names.
const (
	ColumnX      = "x"
	ColumnY      = "y"
	ColumnIX     = "ix"
	ColumnPKHash = "pkHash"
)

// Tile is the decoded form of one tile. All columns share the same length.
type Tile struct {
	columns []*Column
	index   map[string]int

	// PKHash[i] is Hash32 of the string form of row i's ix value.
	PKHash []uint32

	x, y *Column
}

// NewTile assembles a tile from columns, checking the reserved columns and
// lengths and computing PKHash.
func NewTile(columns []*Column) (*Tile, error) {
	t := &Tile{
		columns: columns,
		index:   make(map[string]int, len(columns)),
	}
	n := -1
	for i, c := range columns {
		if _, dup := t.index[c.Name]; dup {
			return nil, errors.Newf("duplicate column %q", c.Name)
		}
		t.index[c.Name] = i
		if n < 0 {
			n = c.Len()
		} else if c.Len() != n {
			return nil, errors.Newf("column %q has %d rows, expected %d", c.Name, c.Len(), n)
		}
	}
	var ok bool
	if t.x, ok = t.Column(ColumnX); !ok || !t.x.Kind.Numeric() {
		return nil, errors.New("missing numeric x column")
	}
	if t.y, ok = t.Column(ColumnY); !ok || !t.y.Kind.Numeric() {
		return nil, errors.New("missing numeric y column")
	}
	ix, ok := t.Column(ColumnIX)
	if !ok {
		return nil, errors.New("missing ix column")
	}
	t.PKHash = make([]uint32, ix.Len())
	for i := range t.PKHash {
		t.PKHash[i] = Hash32(ix.String(i))
	}
	return t, nil
}

// Len returns the number of points.
func (t *Tile) Len() int {
	return len(t.PKHash)
}

// Column returns the named column.
func (t *Tile) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.columns[i], true
}

// UserColumn returns a data column by its user-facing or prefixed name.
func (t *Tile) UserColumn(name string) (*Column, bool) {
	if c, ok := t.Column(metadata.ColumnName(name)); ok {
		return c, true
	}
	return t.Column(name)
}

// Columns returns the columns in schema order.
func (t *Tile) Columns() []*Column {
	return t.columns
}

// X returns the x coordinate of row i.
func (t *Tile) X(i int) float64 { return t.x.Float64(i) }

// Y returns the y coordinate of row i.
func (t *Tile) Y(i int) float64 { return t.y.Float64(i) }

// Row returns a view of row i.
func (t *Tile) Row(i int) Row {
	return Row{tile: t, i: i}
}

// Row is a view of one point of a tile.
type Row struct {
	tile *Tile
	i    int
}

// Field is one displayed attribute of a row.
type Field struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Display string `json:"display"`
}

// Index returns the row's position in its tile.
func (r Row) Index() int { return r.i }

// PKHash returns the row's key hash.
func (r Row) PKHash() uint32 { return r.tile.PKHash[r.i] }

// Get returns the value of a column for this row.
func (r Row) Get(name string) (any, bool) {
	c, ok := r.tile.Column(name)
	if !ok {
		return nil, false
	}
	return c.Value(r.i), true
}

// Fields lists the row's attributes for display, skipping coordinates and
// the hash and stripping the user prefix from names.
func (r Row) Fields() []Field {
	out := make([]Field, 0, len(r.tile.columns))
	for _, c := range r.tile.columns {
		switch c.Name {
		case ColumnX, ColumnY, ColumnPKHash:
			continue
		}
		out = append(out, Field{
			Name:    metadata.DisplayName(c.Name),
			Value:   c.Value(r.i),
			Display: c.Display(r.i),
		})
	}
	return out
}
