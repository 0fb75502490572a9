// Package lod selects the quadtree tiles that cover a viewport.
//
// Selection accumulates every level from the minimum zoom up to the current
// one, so coarse tiles stay visible underneath finer tiles. The result only
// ever contains addresses present in the manifest.
package lod

import (
	"math"

	"github.com/vecmap-tiles/server/internal/tile"
)

// TileSize is the pixel size the tile grid is indexed against.
const TileSize = 512

// Bounds is an axis-aligned box in world units.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Extent returns the square [0,0,size,size].
func Extent(size float64) Bounds {
	return Bounds{MaxX: size, MaxY: size}
}

// Clamp restricts b to ext. Corners never cross each other.
func (b Bounds) Clamp(ext Bounds) Bounds {
	return Bounds{
		MinX: math.Max(math.Min(b.MinX, ext.MaxX), ext.MinX),
		MinY: math.Max(math.Min(b.MinY, ext.MaxY), ext.MinY),
		MaxX: math.Min(math.Max(b.MaxX, ext.MinX), ext.MaxX),
		MaxY: math.Min(math.Max(b.MaxY, ext.MinY), ext.MaxY),
	}
}

// Contains reports whether (x, y) lies inside b.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Viewport is an orthographic view: a pixel canvas centred on a world target.
type Viewport struct {
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	TargetX float64 `json:"target_x"`
	TargetY float64 `json:"target_y"`
	Zoom    float64 `json:"zoom"`
}

// Scale returns pixels per world unit.
func (v Viewport) Scale() float64 {
	return math.Pow(2, v.Zoom)
}

// Bounds returns the world-space box visible in the viewport.
func (v Viewport) Bounds() Bounds {
	s := v.Scale()
	hw := float64(v.Width) / 2 / s
	hh := float64(v.Height) / 2 / s
	return Bounds{
		MinX: v.TargetX - hw,
		MinY: v.TargetY - hh,
		MaxX: v.TargetX + hw,
		MaxY: v.TargetY + hh,
	}
}

// Project maps a world coordinate to canvas pixels.
func (v Viewport) Project(x, y float64) (float64, float64) {
	s := v.Scale()
	return (x-v.TargetX)*s + float64(v.Width)/2, (y-v.TargetY)*s + float64(v.Height)/2
}

func scale(z int, tileSize float64) float64 {
	return math.Pow(2, float64(z)) * TileSize / tileSize
}

// SelectTiles returns the manifest tiles intersecting bounds for every level
// in [minZoom, zoom], with zoom first clamped to [minZoom, maxZoom].
// tileSize is the square extent size in world units.
func SelectTiles(bounds Bounds, zoom, minZoom, maxZoom int, tileSize float64, ids tile.IDSet) []tile.Address {
	if tileSize <= 0 || len(ids) == 0 {
		return nil
	}
	if zoom < minZoom {
		zoom = minZoom
	}
	if zoom > maxZoom {
		zoom = maxZoom
	}

	bbox := bounds.Clamp(Extent(tileSize))
	var out []tile.Address
	for z := minZoom; z <= zoom; z++ {
		k := scale(z, tileSize) / TileSize
		minX, minY := bbox.MinX*k, bbox.MinY*k
		maxX, maxY := bbox.MaxX*k, bbox.MaxY*k

		//  |  TILE  |  TILE  |  TILE  |
		//    |(minX)            |(maxX)
		for x := int(math.Floor(minX)); float64(x) < maxX; x++ {
			for y := int(math.Floor(minY)); float64(y) < maxY; y++ {
				a := tile.Address{X: x, Y: y, Z: z}
				if ids.Has(a) {
					out = append(out, a)
				}
			}
		}
	}
	return out
}

// Selector holds the per-projection parameters of tile selection.
type Selector struct {
	ExtentSize float64
	MinZoom    int
	MaxZoom    int
	ZoomOffset int
	IDs        tile.IDSet
}

// NewSelector builds a selector whose maximum zoom is the manifest's deepest level.
func NewSelector(extentSize float64, zoomOffset int, ids tile.IDSet) *Selector {
	maxZ := ids.MaxZoom()
	if maxZ < 0 {
		maxZ = 0
	}
	return &Selector{
		ExtentSize: extentSize,
		MaxZoom:    maxZ,
		ZoomOffset: zoomOffset,
		IDs:        ids,
	}
}

// TileZoom converts a continuous view zoom into the integer tile level.
func (s *Selector) TileZoom(viewZoom float64) int {
	return int(math.Ceil(viewZoom)) + s.ZoomOffset
}

// Select returns the tiles needed for the viewport.
func (s *Selector) Select(v Viewport) []tile.Address {
	return SelectTiles(v.Bounds(), s.TileZoom(v.Zoom), s.MinZoom, s.MaxZoom, s.ExtentSize, s.IDs)
}
