package metadata

import "math"

// ViewSettings controls point radius for a projection.
type ViewSettings struct {
	RadiusScale     float64 `json:"radius_scale"`
	RadiusMinPixels float64 `json:"radius_min_pixels"`
}

// ViewTuning holds the breakpoints and curve parameters for ViewSettings.
type ViewTuning struct {
	SmallBreak     float64
	MidBreak       float64
	VeryLargeBreak float64

	KSmall, ExpSmall       float64
	KMid, ExpMid           float64
	KHigh, ExpHigh         float64
	KVeryHigh, ExpVeryHigh float64

	MinFloor   float64
	ExpSmallPx float64
	ExpBigPx   float64
}

// DefaultViewTuning is tuned for projections from ten thousand to several million points.
var DefaultViewTuning = ViewTuning{
	SmallBreak:     1e4,
	MidBreak:       5e4,
	VeryLargeBreak: 1.5e6,
	KSmall:         10, ExpSmall: 0.5,
	KMid: 12, ExpMid: 0.45,
	KHigh: 8, ExpHigh: 0.55,
	KVeryHigh: 7, ExpVeryHigh: 0.6,
	MinFloor:   0.6,
	ExpSmallPx: 0.17,
	ExpBigPx:   0.115,
}

// ViewSettings derives point radius settings from the root tile's point count.
func (m *Metadata) ViewSettings() ViewSettings {
	return DefaultViewTuning.Settings(float64(m.RootCount()))
}

// Settings computes radius settings for a given point count.
func (t ViewTuning) Settings(count float64) ViewSettings {
	if count < 1 {
		count = 1
	}
	var scale float64
	switch {
	case count <= t.SmallBreak:
		scale = math.Min(0.9, t.KSmall/math.Pow(count, t.ExpSmall))
	case count <= t.MidBreak:
		scale = math.Min(0.9, t.KMid/math.Pow(count, t.ExpMid))
	case count <= t.VeryLargeBreak:
		scale = math.Min(0.9, t.KHigh/math.Pow(count, t.ExpHigh))
	default:
		scale = math.Min(0.85, t.KVeryHigh/math.Pow(count, t.ExpVeryHigh))
	}

	expPx := t.ExpBigPx
	if count <= t.SmallBreak {
		expPx = t.ExpSmallPx
	}
	minPx := math.Min(3, math.Max(t.MinFloor, 4/math.Pow(count, expPx)))

	return ViewSettings{RadiusScale: scale, RadiusMinPixels: minPx}
}

// BaseRadius is the radius of points not matched by a query.
const BaseRadius = 0.5

// QueriedSizeMultiplier returns the radius of matched points. Small filters
// over large projections get a larger boost so matches stay visible.
func QueriedSizeMultiplier(hashCount, rootCount int) float64 {
	if hashCount < 1000 {
		if rootCount > 50_000 {
			return 8.5
		} else if rootCount > 10_000 {
			return 6
		}
	}
	return 2
}

// PixelRadius converts a point radius in world units to canvas pixels at the
// given pixels-per-unit scale, honouring the minimum pixel size.
func (s ViewSettings) PixelRadius(radius, scale float64) float64 {
	return math.Max(radius*s.RadiusScale*scale, s.RadiusMinPixels)
}
