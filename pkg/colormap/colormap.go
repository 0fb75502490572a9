// Package colormap provides the colour schemes used to paint points.
package colormap

import (
	"image/color"
	"math"
	"sort"
)

// Colormap maps an index to a colour.
type Colormap interface {
	AtIndex(i int) color.NRGBA
	Len() int
}

// Palette is a fixed list of colours.
type Palette []color.NRGBA

// AtIndex returns colour i, wrapping around.
func (p Palette) AtIndex(i int) color.NRGBA {
	n := len(p)
	return p[((i%n)+n)%n]
}

// Len returns the number of colours.
func (p Palette) Len() int { return len(p) }

// Categorical is the 12-colour paired palette used for discrete columns.
// Entry 11 is reserved for values past the category cap.
var Categorical = Palette{
	{177, 89, 40, 200},   // brown
	{31, 120, 180, 200},  // blue
	{178, 223, 138, 200}, // light green
	{51, 160, 44, 200},   // green
	{251, 154, 153, 200}, // pink
	{227, 26, 28, 200},   // red
	{253, 191, 111, 200}, // light orange
	{255, 127, 0, 200},   // orange
	{202, 178, 214, 200}, // lavender
	{106, 61, 154, 200},  // purple
	{255, 255, 153, 200}, // yellow
	{166, 206, 227, 200}, // light blue
}

// Deciles is a ten-step magma ramp for continuous columns.
var Deciles = Palette{
	{0, 0, 4, 200},
	{24, 15, 61, 200},
	{68, 15, 118, 200},
	{114, 31, 129, 200},
	{158, 47, 127, 200},
	{205, 64, 113, 200},
	{241, 96, 93, 200},
	{253, 150, 104, 200},
	{254, 202, 141, 200},
	{252, 253, 191, 200},
}

// Colours for query highlighting.
var (
	Primary     = color.NRGBA{225, 29, 72, 180}
	Faded       = color.NRGBA{170, 170, 170, 60}
	Transparent = color.NRGBA{}
)

// Quantile maps a continuous domain onto a discrete range so that each
// colour covers an equal share of the domain's samples.
type Quantile struct {
	domain     []float64
	rng        Colormap
	thresholds []float64
}

// NewQuantile builds a quantile scale over domain. NaN samples are ignored.
func NewQuantile(domain []float64, rng Colormap) *Quantile {
	sorted := make([]float64, 0, len(domain))
	for _, v := range domain {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	q := &Quantile{domain: sorted, rng: rng}
	n := rng.Len()
	if len(sorted) == 0 || n == 0 {
		return q
	}
	q.thresholds = make([]float64, n-1)
	for i := 1; i < n; i++ {
		q.thresholds[i-1] = quantileSorted(sorted, float64(i)/float64(n))
	}
	return q
}

// quantileSorted is the R-7 sample quantile.
func quantileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	pos := float64(n-1) * p
	i0 := int(math.Floor(pos))
	return sorted[i0] + (sorted[i0+1]-sorted[i0])*(pos-float64(i0))
}

// Thresholds returns the boundaries between consecutive colours.
func (q *Quantile) Thresholds() []float64 {
	return q.thresholds
}

// Index returns the range index for v, or -1 if v is NaN or the scale is empty.
func (q *Quantile) Index(v float64) int {
	if math.IsNaN(v) || len(q.domain) == 0 || q.rng.Len() == 0 {
		return -1
	}
	return sort.Search(len(q.thresholds), func(i int) bool { return q.thresholds[i] > v })
}

// At returns the colour for v and whether v could be mapped.
func (q *Quantile) At(v float64) (color.NRGBA, bool) {
	i := q.Index(v)
	if i < 0 {
		return color.NRGBA{}, false
	}
	return q.rng.AtIndex(i), true
}

// Hex formats c as #rrggbb.
func Hex(c color.NRGBA) string {
	const digits = "0123456789abcdef"
	b := []byte{'#', 0, 0, 0, 0, 0, 0}
	for i, v := range []uint8{c.R, c.G, c.B} {
		b[1+2*i] = digits[v>>4]
		b[2+2*i] = digits[v&0x0f]
	}
	return string(b)
}

// Array returns c as [r, g, b, a].
func Array(c color.NRGBA) [4]uint8 {
	return [4]uint8{c.R, c.G, c.B, c.A}
}
