package render

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/vecmap-tiles/server/internal/codec"
	colors "github.com/vecmap-tiles/server/internal/color"
	"github.com/vecmap-tiles/server/internal/lod"
	"github.com/vecmap-tiles/server/internal/metadata"
	"github.com/vecmap-tiles/server/internal/tilecache"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

// indexColorer paints row 0 red and hides every other base row.
type indexColorer struct{}

func (indexColorer) FillColor(t *codec.Tile, i int, q colors.QueryState) color.NRGBA {
	if i == 0 {
		return red
	}
	return color.NRGBA{}
}

func (indexColorer) OverlayFillColor(t *codec.Tile, i int) color.NRGBA {
	return blue
}

func points(t *testing.T, xy ...float32) *codec.Tile {
	t.Helper()
	x := codec.NewColumn(codec.ColumnX, codec.KindFloat32)
	y := codec.NewColumn(codec.ColumnY, codec.KindFloat32)
	ix := codec.NewColumn(codec.ColumnIX, codec.KindInt)
	for i := 0; i+1 < len(xy); i += 2 {
		x.F32 = append(x.F32, xy[i])
		y.F32 = append(y.F32, xy[i+1])
		ix.I64 = append(ix.I64, int64(i/2))
	}
	tl, err := codec.NewTile([]*codec.Column{x, y, ix})
	if err != nil {
		t.Fatalf("NewTile: %v", err)
	}
	return tl
}

func TestRenderView(t *testing.T) {
	r := NewRenderer(Config{Width: 64, Height: 64})
	frame := Frame{
		View:          lod.Viewport{Width: 64, Height: 64, TargetX: 50, TargetY: 50},
		Tiles:         []tilecache.Loaded{{Tile: points(t, 50, 50, 40, 40)}},
		Overlay:       points(t, 60, 60),
		Colors:        indexColorer{},
		Settings:      metadata.ViewSettings{RadiusScale: 1, RadiusMinPixels: 3},
		QueriedRadius: 1,
	}

	data, stats, err := r.RenderView(frame)
	if err != nil {
		t.Fatalf("RenderView: %v", err)
	}
	if stats.Points != 1 || stats.Hidden != 1 || stats.OverlayPoints != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("unexpected size %v", b)
	}

	tests := []struct {
		name string
		x, y int
		want color.NRGBA
	}{
		{"base point", 32, 32, red},
		{"hidden point", 22, 22, color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
		{"overlay point", 42, 42, blue},
		{"background", 5, 60, color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := color.NRGBAModel.Convert(img.At(tt.x, tt.y)).(color.NRGBA)
			if got != tt.want {
				t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestRenderViewSkipsOffscreen(t *testing.T) {
	r := NewRenderer(Config{Width: 32, Height: 32})
	frame := Frame{
		View:     lod.Viewport{TargetX: 50, TargetY: 50},
		Tiles:    []tilecache.Loaded{{Tile: points(t, 0, 0)}},
		Colors:   indexColorer{},
		Settings: metadata.ViewSettings{RadiusScale: 1, RadiusMinPixels: 1},
	}
	_, stats, err := r.RenderView(frame)
	if err != nil {
		t.Fatalf("RenderView: %v", err)
	}
	if stats.Points != 0 {
		t.Fatalf("expected offscreen point to be skipped, got %+v", stats)
	}
}

func TestRenderViewRequiresColorer(t *testing.T) {
	r := NewRenderer(DefaultConfig())
	if _, _, err := r.RenderView(Frame{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEmpty(t *testing.T) {
	r := NewRenderer(DefaultConfig())
	data, err := r.Empty(8, 4)
	if err != nil {
		t.Fatalf("Empty: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Fatalf("unexpected size %v", b)
	}
	if _, _, _, a := img.At(3, 3).RGBA(); a != 0 {
		t.Fatalf("expected transparent pixel, alpha %d", a)
	}
}
