package codec

// Builder accumulates rows copied from decoded tiles into columns typed like
// the first source that contributes each column.
type Builder struct {
	cols  []*Column
	index map[string]int
	hash  []uint32
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]int)}
}

// Len returns the number of accumulated rows.
func (b *Builder) Len() int {
	return len(b.hash)
}

// AppendRow copies row i of src. Columns missing from src are padded with
// nulls, and columns first seen in src are back-filled with nulls.
func (b *Builder) AppendRow(src *Tile, i int) error {
	n := b.Len()
	for _, sc := range src.Columns() {
		if _, ok := b.index[sc.Name]; ok {
			continue
		}
		c := NewColumn(sc.Name, sc.Kind)
		for j := 0; j < n; j++ {
			c.appendNull()
		}
		b.index[sc.Name] = len(b.cols)
		b.cols = append(b.cols, c)
	}
	for _, c := range b.cols {
		sc, ok := src.Column(c.Name)
		switch {
		case !ok:
			c.appendNull()
		case sc.Kind != c.Kind:
			// Producers may widen a column between tiles; keep the
			// accumulator's type and store the value as missing.
			c.appendNull()
		default:
			if err := c.Append(sc, i); err != nil {
				return err
			}
		}
	}
	b.hash = append(b.hash, src.PKHash[i])
	return nil
}

// Tile returns the accumulated rows as a tile, or nil when empty.
func (b *Builder) Tile() *Tile {
	if b.Len() == 0 {
		return nil
	}
	t := &Tile{
		columns: b.cols,
		index:   b.index,
		PKHash:  b.hash,
	}
	t.x, _ = t.Column(ColumnX)
	t.y, _ = t.Column(ColumnY)
	return t
}
