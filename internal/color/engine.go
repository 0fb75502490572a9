// Package color assigns a fill colour to every rendered point. Discrete
// columns get palette colours in first-seen order; continuous columns are
// bucketed by the manifest's colour stats; query matches override both.
package color

import (
	"image/color"
	"sync"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/pkg/colormap"
)

// MaxCategories is the number of distinct values that get their own colour.
const MaxCategories = 200

// overflowIndex is the palette entry shared by values past MaxCategories.
const overflowIndex = 11

// paletteCycle is the number of palette entries handed out to categories.
const paletteCycle = 11

// ColorBy selects the column that drives colouring.
type ColorBy struct {
	Column   string `json:"column"`
	Discrete bool   `json:"discrete"`
}

// Matcher reports whether a key hash belongs to the active query.
type Matcher interface {
	Contains(h uint32) bool
}

// QueryState is the query context of one render pass.
type QueryState struct {
	// Hashes is nil when no query is active. A non-nil empty set fades
	// every point.
	Hashes Matcher
	// OverlayActive is set when the overlay layer has rows, which then
	// paints matched points itself.
	OverlayActive bool
}

// Category is one assigned discrete colour.
type Category struct {
	Value string      `json:"value"`
	Color color.NRGBA `json:"-"`
}

// Engine is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	colorBy    *ColorBy
	column     string
	buckets    []float64
	scale      *colormap.Quantile
	categories map[string]color.NRGBA
	order      []Category
}

// NewEngine returns an engine with no colour column.
func NewEngine() *Engine {
	return &Engine{categories: make(map[string]color.NRGBA)}
}

// Reset selects a new colour column and forgets every assigned category.
// A nil colorBy colours everything with the primary colour.
func (e *Engine) Reset(colorBy *ColorBy, meta *metadata.Metadata) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.categories = make(map[string]color.NRGBA)
	e.order = nil
	e.colorBy = nil
	e.column = ""
	e.buckets = nil
	e.scale = nil
	if colorBy == nil || colorBy.Column == "" {
		return
	}
	cb := *colorBy
	e.colorBy = &cb
	e.column = metadata.ColumnName(cb.Column)
	if buckets, ok := meta.Buckets(cb.Column); ok {
		e.buckets = buckets
		e.scale = colormap.NewQuantile(buckets, colormap.Deciles)
	}
}

// ColorBy returns the current colour column, or nil.
func (e *Engine) ColorBy() *ColorBy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.colorBy == nil {
		return nil
	}
	cb := *e.colorBy
	return &cb
}

// FillColor returns the base-layer colour of row i of t.
func (e *Engine) FillColor(t *codec.Tile, i int, q QueryState) color.NRGBA {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q.Hashes != nil {
		if !q.Hashes.Contains(t.PKHash[i]) {
			return colormap.Faded
		}
		if q.OverlayActive {
			return colormap.Transparent
		}
	}
	return e.columnColor(t, i)
}

// OverlayFillColor returns the colour of row i of the overlay dataset.
func (e *Engine) OverlayFillColor(t *codec.Tile, i int) color.NRGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.columnColor(t, i)
}

func (e *Engine) columnColor(t *codec.Tile, i int) color.NRGBA {
	switch {
	case e.colorBy == nil:
		return colormap.Primary
	case !e.colorBy.Discrete:
		if e.scale == nil {
			return colormap.Primary
		}
		col, ok := t.Column(e.column)
		if !ok {
			return colormap.Primary
		}
		if c, ok := e.scale.At(col.Float64(i)); ok {
			return c
		}
		return colormap.Primary
	default:
		var key string
		if col, ok := t.Column(e.column); ok {
			key = col.Key(i)
		} else {
			key = "undefined"
		}
		return e.category(key)
	}
}

// category returns the colour of a discrete value, assigning the next
// palette entry on first sight until MaxCategories values are known.
func (e *Engine) category(key string) color.NRGBA {
	if c, ok := e.categories[key]; ok {
		return c
	}
	if len(e.order) >= MaxCategories {
		return colormap.Categorical[overflowIndex]
	}
	c := colormap.Categorical[(len(e.order)+1)%paletteCycle]
	e.categories[key] = c
	e.order = append(e.order, Category{Value: key, Color: c})
	return c
}

// Categories returns the assigned categories in assignment order.
func (e *Engine) Categories() []Category {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Category, len(e.order))
	copy(out, e.order)
	return out
}

// Overflowed reports whether the category cap has been reached.
func (e *Engine) Overflowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order) >= MaxCategories
}
