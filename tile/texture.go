package tile

import (
	"image"

	"github.com/gogpu/vrs/rate"
)

// RateTexture is a single-channel 8-bit image of rate class values, the
// format consumed by the rasterizer as a shading-rate control input.
type RateTexture struct {
	Width, Height int
	Pix           []uint8
}

// NewRateTexture allocates a texture filled with the finest class.
func NewRateTexture(width, height int) *RateTexture {
	return &RateTexture{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At returns the class at (x, y).
func (t *RateTexture) At(x, y int) rate.Class {
	return rate.Class(t.Pix[y*t.Width+x])
}

// Fill sets every texel to c.
func (t *RateTexture) Fill(c rate.Class) {
	for i := range t.Pix {
		t.Pix[i] = uint8(c)
	}
}

// Uniform reports whether every texel holds c.
func (t *RateTexture) Uniform(c rate.Class) bool {
	for _, v := range t.Pix {
		if rate.Class(v) != c {
			return false
		}
	}
	return true
}

// Gray exposes the texture as an image without copying.
func (t *RateTexture) Gray() *image.Gray {
	return &image.Gray{Pix: t.Pix, Stride: t.Width, Rect: image.Rect(0, 0, t.Width, t.Height)}
}
