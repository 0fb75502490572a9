// Package render rasterises a view of the active projection using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fogleman/gg"

	"github.com/vecmap-tiles/server/internal/codec"
	colors "github.com/vecmap-tiles/server/internal/color"
	"github.com/vecmap-tiles/server/internal/lod"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/tilecache"
)

// Config contains renderer configuration.
type Config struct {
	Width      int
	Height     int
	Background color.Color
}

// DefaultConfig returns a 1024x768 canvas on white.
func DefaultConfig() Config {
	return Config{Width: 1024, Height: 768, Background: color.White}
}

// Colorer supplies per-point colours.
type Colorer interface {
	FillColor(t *codec.Tile, i int, q colors.QueryState) color.NRGBA
	OverlayFillColor(t *codec.Tile, i int) color.NRGBA
}

// Frame is everything one render pass draws.
type Frame struct {
	View  lod.Viewport
	Tiles []tilecache.Loaded
	// Overlay is drawn above the base layer; nil when empty.
	Overlay       *codec.Tile
	Query         colors.QueryState
	Colors        Colorer
	Settings      metadata.ViewSettings
	QueriedRadius float64
}

// Stats counts what a render pass drew.
type Stats struct {
	Tiles         int
	Points        int
	Hidden        int
	OverlayPoints int
}

// Renderer renders frames to PNG.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewRenderer creates a renderer. Canvases of the configured size are pooled.
func NewRenderer(cfg Config) *Renderer {
	def := DefaultConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.Background == nil {
		cfg.Background = def.Background
	}
	r := &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
	return r
}

// Config returns the renderer configuration.
func (r *Renderer) Config() Config {
	return r.config
}

// RenderView draws the base layer in tile order, then the overlay, and
// returns the PNG. A viewport without a size uses the configured size.
func (r *Renderer) RenderView(f Frame) ([]byte, Stats, error) {
	if f.Colors == nil {
		return nil, Stats{}, errors.New("frame has no colorer")
	}
	if f.View.Width <= 0 || f.View.Height <= 0 {
		f.View.Width, f.View.Height = r.config.Width, r.config.Height
	}

	dc := r.acquire(f.View.Width, f.View.Height)
	defer r.release(dc)

	dc.SetColor(r.config.Background)
	dc.Clear()

	stats := Stats{Tiles: len(f.Tiles)}
	scale := f.View.Scale()
	w, h := float64(f.View.Width), float64(f.View.Height)

	baseRadius := f.Settings.PixelRadius(metadata.BaseRadius, scale)
	for _, lt := range f.Tiles {
		t := lt.Tile
		for i := 0; i < t.Len(); i++ {
			x, y := f.View.Project(t.X(i), t.Y(i))
			if !visible(x, y, baseRadius, w, h) {
				continue
			}
			c := f.Colors.FillColor(t, i, f.Query)
			if c.A == 0 {
				stats.Hidden++
				continue
			}
			dot(dc, x, y, baseRadius, c)
			stats.Points++
		}
	}

	if f.Overlay != nil {
		radius := f.QueriedRadius
		if radius <= 0 {
			radius = metadata.BaseRadius
		}
		radius = f.Settings.PixelRadius(radius, scale)
		for i := 0; i < f.Overlay.Len(); i++ {
			x, y := f.View.Project(f.Overlay.X(i), f.Overlay.Y(i))
			if !visible(x, y, radius, w, h) {
				continue
			}
			dot(dc, x, y, radius, f.Colors.OverlayFillColor(f.Overlay, i))
			stats.OverlayPoints++
		}
	}

	data, err := r.encodeContext(dc)
	return data, stats, err
}

func visible(x, y, r, w, h float64) bool {
	return x+r >= 0 && y+r >= 0 && x-r <= w && y-r <= h
}

func dot(dc *gg.Context, x, y, r float64, c color.NRGBA) {
	dc.SetColor(c)
	dc.DrawCircle(x, y, r)
	dc.Fill()
}

func (r *Renderer) acquire(w, h int) *gg.Context {
	if w == r.config.Width && h == r.config.Height {
		return r.contextPool.Get().(*gg.Context)
	}
	return gg.NewContext(w, h)
}

func (r *Renderer) release(dc *gg.Context) {
	if dc.Width() == r.config.Width && dc.Height() == r.config.Height {
		r.contextPool.Put(dc)
	}
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// Empty returns a transparent PNG of the given size.
func (r *Renderer) Empty(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = r.config.Width, r.config.Height
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}
