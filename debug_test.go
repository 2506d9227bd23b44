package vrs

import (
	"image"
	"image/color"
	"testing"

	"github.com/gogpu/vrs/rate"
	"github.com/gogpu/vrs/tile"
)

func debugResult(t *testing.T, w, h, size int, classes []rate.Class) *Result {
	t.Helper()
	g, err := tile.NewGrid(w, h, size)
	if err != nil {
		t.Fatal(err)
	}
	m := tile.NewMapper(g, nil, 1)
	valid := make([]bool, len(classes))
	return &Result{
		Grid:    g,
		Classes: classes,
		Texture: m.Upsample(classes, nil),
		Tiles:   m.TileTexture(classes, nil),
		Stats:   computeStats(g, classes, valid),
	}
}

func uniformImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestVisualizeColors(t *testing.T) {
	classes := []rate.Class{
		rate.Rate1x1, rate.Rate2x1, rate.Rate2x2,
		rate.Rate4x2, rate.Rate4x4, rate.Rate1x2,
	}
	res := debugResult(t, 12, 8, 4, classes) // 3x2 tiles
	white := color.RGBA{255, 255, 255, 255}
	out := Visualize(res, uniformImage(12, 8, white), &VisualizeOptions{GridSpacing: -1})

	tests := []struct {
		x, y int
		want color.RGBA
	}{
		{1, 1, white},                          // 1x1 shows the render
		{5, 1, color.RGBA{127, 255, 127, 255}}, // green
		{9, 1, color.RGBA{255, 255, 127, 255}}, // yellow
		{1, 5, color.RGBA{255, 191, 127, 255}}, // orange
		{5, 5, color.RGBA{255, 127, 127, 255}}, // red
		{9, 5, color.RGBA{127, 255, 127, 255}}, // green
	}
	for _, tt := range tests {
		if got := out.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("(%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestVisualizeGridLines(t *testing.T) {
	res := debugResult(t, 8, 8, 4, []rate.Class{rate.Rate1x1, rate.Rate1x1, rate.Rate1x1, rate.Rate1x1})
	out := Visualize(res, nil, nil)
	black := color.RGBA{0, 0, 0, 255}
	for _, p := range []image.Point{{0, 0}, {4, 2}, {2, 4}, {7, 0}} {
		if got := out.RGBAAt(p.X, p.Y); got != black {
			t.Errorf("grid pixel %v = %v", p, got)
		}
	}
	if got := out.RGBAAt(2, 2); got != fallbackGray {
		t.Errorf("nil render pixel = %v, want %v", got, fallbackGray)
	}
}

func TestVisualizeRenderOffset(t *testing.T) {
	res := debugResult(t, 4, 4, 4, []rate.Class{rate.Rate1x1})
	render := image.NewRGBA(image.Rect(10, 10, 14, 14))
	red := color.RGBA{255, 0, 0, 255}
	render.SetRGBA(11, 12, red)
	out := Visualize(res, render, &VisualizeOptions{GridSpacing: -1})
	if got := out.RGBAAt(1, 2); got != red {
		t.Errorf("offset render pixel = %v, want %v", got, red)
	}
}

func TestVisualizeLegend(t *testing.T) {
	classes := make([]rate.Class, 12*8)
	for i := range classes {
		classes[i] = rate.Rate4x4
	}
	res := debugResult(t, 192, 128, 16, classes)
	plain := Visualize(res, nil, &VisualizeOptions{GridSpacing: -1})
	legend := Visualize(res, nil, &VisualizeOptions{GridSpacing: -1, Legend: true})

	if plain.RGBAAt(150, 120) != legend.RGBAAt(150, 120) {
		t.Error("legend touched pixels outside its panel")
	}
	changed := false
	for y := range 20 {
		for x := range 40 {
			if plain.RGBAAt(x, y) != legend.RGBAAt(x, y) {
				changed = true
			}
		}
	}
	if !changed {
		t.Error("legend drew nothing")
	}
}

func TestClassColor(t *testing.T) {
	if _, ok := ClassColor(rate.Rate1x1); ok {
		t.Error("1x1 must not be tinted")
	}
	a, _ := ClassColor(rate.Rate2x4)
	b, _ := ClassColor(rate.Rate4x2)
	if a != b {
		t.Errorf("2x4 %v and 4x2 %v differ", a, b)
	}
}

func TestThumbnail(t *testing.T) {
	img := uniformImage(200, 100, color.RGBA{10, 20, 30, 255})
	th := Thumbnail(img, 50)
	if th.Bounds().Dx() != 50 || th.Bounds().Dy() != 25 {
		t.Fatalf("thumbnail bounds %v", th.Bounds())
	}
	got := th.RGBAAt(25, 12)
	if absDiff(got.R, 10) > 1 || absDiff(got.G, 20) > 1 || absDiff(got.B, 30) > 1 {
		t.Errorf("thumbnail pixel %v", got)
	}
	if Thumbnail(img, 0).Bounds() != (image.Rectangle{}) {
		t.Error("zero width thumbnail not empty")
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
