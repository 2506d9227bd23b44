package vrs

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/vrs/rate"
)

// Debug colours per rate class. 1x1 has none: it shows the render as is.
var (
	colorHalf    = color.RGBA{0, 255, 0, 255}   // 1x2, 2x1
	colorQuarter = color.RGBA{255, 255, 0, 255} // 2x2
	colorEighth  = color.RGBA{255, 128, 0, 255} // 2x4, 4x2
	colorCoarse  = color.RGBA{255, 0, 0, 255}   // 4x4
	gridColor    = color.RGBA{0, 0, 0, 255}
	fallbackGray = color.RGBA{128, 128, 128, 255}
)

// ClassColor returns the debug colour of c and whether c is tinted at all.
func ClassColor(c rate.Class) (color.RGBA, bool) {
	switch c {
	case rate.Rate1x2, rate.Rate2x1:
		return colorHalf, true
	case rate.Rate2x2:
		return colorQuarter, true
	case rate.Rate2x4, rate.Rate4x2:
		return colorEighth, true
	case rate.Rate4x4:
		return colorCoarse, true
	}
	return color.RGBA{}, false
}

// VisualizeOptions controls Visualize. The zero value draws tile grid
// lines and no legend.
type VisualizeOptions struct {
	// GridSpacing is the distance between grid lines in pixels. Zero uses
	// the tile size; a negative value disables the grid.
	GridSpacing int

	// Legend draws per-class tile shares in the top-left corner.
	Legend bool
}

// Visualize recolours render by the rate chosen for each pixel: tinted
// pixels are a 50/50 blend of render and class colour, 1x1 pixels show the
// render unchanged. render may be nil, in which case mid gray is used. The
// render is read from its bounds origin.
func Visualize(res *Result, render image.Image, opts *VisualizeOptions) *image.RGBA {
	if opts == nil {
		opts = &VisualizeOptions{}
	}
	tex := res.Texture
	dst := image.NewRGBA(image.Rect(0, 0, tex.Width, tex.Height))

	var origin image.Point
	var rb image.Rectangle
	if render != nil {
		rb = render.Bounds()
		origin = rb.Min
	}
	spacing := opts.GridSpacing
	if spacing == 0 {
		spacing = res.Grid.Size
	}

	for y := range tex.Height {
		for x := range tex.Width {
			base := fallbackGray
			if render != nil {
				if p := origin.Add(image.Pt(x, y)); p.In(rb) {
					base = color.RGBAModel.Convert(render.At(p.X, p.Y)).(color.RGBA)
				}
			}
			out := base
			if tint, ok := ClassColor(tex.At(x, y)); ok {
				out = blend(base, tint)
			}
			if spacing > 0 && (x%spacing == 0 || y%spacing == 0) {
				out = gridColor
			}
			dst.SetRGBA(x, y, out)
		}
	}

	if opts.Legend {
		drawLegend(dst, &res.Stats)
	}
	return dst
}

func blend(a, b color.RGBA) color.RGBA {
	return color.RGBA{
		R: uint8((uint16(a.R) + uint16(b.R)) / 2),
		G: uint8((uint16(a.G) + uint16(b.G)) / 2),
		B: uint8((uint16(a.B) + uint16(b.B)) / 2),
		A: 255,
	}
}

var legendFace = sync.OnceValues(func() (font.Face, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    12,
		DPI:     72,
		Hinting: font.HintingFull,
	})
})

type legendRow struct {
	label   string
	classes []rate.Class
	swatch  color.RGBA
}

var legendRows = []legendRow{
	{"1x1", []rate.Class{rate.Rate1x1}, fallbackGray},
	{"1x2 2x1", []rate.Class{rate.Rate1x2, rate.Rate2x1}, colorHalf},
	{"2x2", []rate.Class{rate.Rate2x2}, colorQuarter},
	{"2x4 4x2", []rate.Class{rate.Rate2x4, rate.Rate4x2}, colorEighth},
	{"4x4", []rate.Class{rate.Rate4x4}, colorCoarse},
}

func drawLegend(dst *image.RGBA, s *Stats) {
	face, err := legendFace()
	if err != nil {
		Logger().Warn("vrs: legend font unavailable", "err", err)
		return
	}
	const pad, swatch = 4, 10
	line := face.Metrics().Height.Ceil()

	lines := make([]string, 0, len(legendRows)+1)
	for _, r := range legendRows {
		n := 0
		for _, c := range r.classes {
			n += s.Count(c)
		}
		share := 0.0
		if s.Tiles > 0 {
			share = 100 * float64(n) / float64(s.Tiles)
		}
		lines = append(lines, fmt.Sprintf("%-7s %5.1f%%", r.label, share))
	}
	lines = append(lines, fmt.Sprintf("saved   %5.1f%%", 100*s.Reduction))

	width := 0
	for _, l := range lines {
		width = max(width, font.MeasureString(face, l).Ceil())
	}
	panel := image.Rect(0, 0, 3*pad+swatch+width, pad+len(lines)*line+pad).Intersect(dst.Bounds())
	draw.Draw(dst, panel, image.NewUniform(color.RGBA{0, 0, 0, 176}), image.Point{}, draw.Over)

	d := &font.Drawer{Dst: dst, Src: image.White, Face: face}
	ascent := face.Metrics().Ascent.Ceil()
	for i, l := range lines {
		top := pad + i*line
		if i < len(legendRows) {
			sw := image.Rect(pad, top+(line-swatch)/2, pad+swatch, top+(line-swatch)/2+swatch)
			draw.Draw(dst, sw, image.NewUniform(legendRows[i].swatch), image.Point{}, draw.Src)
		}
		d.Dot = fixed.P(2*pad+swatch, top+ascent)
		d.DrawString(l)
	}
}

// Thumbnail scales img to the given width, keeping its aspect ratio.
func Thumbnail(img image.Image, width int) *image.RGBA {
	b := img.Bounds()
	if width <= 0 || b.Dx() == 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	height := max(1, b.Dy()*width/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
