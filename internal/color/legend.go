package color

import (
	"image/color"

	"github.com/vecmap-tiles/server/internal/codec"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/pkg/colormap"
)

// LegendEntry is one swatch of the legend.
type LegendEntry struct {
	Label string   `json:"label"`
	Color [4]uint8 `json:"color"`
	Hex   string   `json:"hex"`
}

// Legend describes the current colouring.
type Legend struct {
	Column   string        `json:"column,omitempty"`
	Discrete bool          `json:"discrete"`
	Buckets  []float64     `json:"buckets,omitempty"`
	Entries  []LegendEntry `json:"entries"`
	// Overflow is set when later categories share the overflow colour.
	Overflow *LegendEntry `json:"overflow,omitempty"`
}

// Legend returns swatches for the current colour column: one per assigned
// category in discrete mode, one per bucket range in continuous mode.
// Timestamp columns label their ranges with dates.
func (e *Engine) Legend() Legend {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.colorBy == nil {
		return Legend{Entries: []LegendEntry{entry("all points", colormap.Primary)}}
	}
	l := Legend{Column: metadata.DisplayName(e.column), Discrete: e.colorBy.Discrete}
	if e.colorBy.Discrete {
		for _, c := range e.order {
			l.Entries = append(l.Entries, entry(c.Value, c.Color))
		}
		if len(e.order) >= MaxCategories {
			o := entry("other", colormap.Categorical[overflowIndex])
			l.Overflow = &o
		}
		return l
	}
	if e.scale == nil {
		l.Entries = []LegendEntry{entry("no colour stats", colormap.Primary)}
		return l
	}
	l.Buckets = e.buckets
	timestamp := codec.TimestampColumns.Has(e.column)
	th := e.scale.Thresholds()
	lo := e.buckets[0]
	for i := 0; i < colormap.Deciles.Len(); i++ {
		hi := e.buckets[len(e.buckets)-1]
		if i < len(th) {
			hi = th[i]
		}
		l.Entries = append(l.Entries, entry(tick(lo, timestamp)+" to "+tick(hi, timestamp), colormap.Deciles.AtIndex(i)))
		lo = hi
	}
	return l
}

func tick(v float64, timestamp bool) string {
	if timestamp {
		return codec.FormatTimestamp(int64(v))[:10]
	}
	return codec.FormatNumber(v)
}

func entry(label string, c color.NRGBA) LegendEntry {
	return LegendEntry{Label: label, Color: colormap.Array(c), Hex: colormap.Hex(c)}
}
