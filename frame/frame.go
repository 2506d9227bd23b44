// Package frame holds the per-pixel inputs handed to the VRS pipeline by the
// shading stage: the G-buffer derived FrameSignal and the MotionField.
//
// All planes are row-major, one element per pixel, index = y*Width + x.
package frame

import (
	"errors"
	"fmt"

	"golang.org/x/image/math/f32"
)

// ErrPlaneSize indicates a plane whose length does not match the frame size.
var ErrPlaneSize = errors.New("frame: plane size mismatch")

// ErrEmptyFrame indicates a frame with a non-positive dimension.
var ErrEmptyFrame = errors.New("frame: empty frame")

// Signal is the current frame's shading-relevant data at full resolution.
// It is treated as immutable for the duration of one frame.
type Signal struct {
	Width, Height int

	Specular []float32
	Diffuse  []float32
	Shadow   []float32  // visibility in [0, 1]
	Normal   []f32.Vec3 // world space

	// Color is the final shaded luminance. When nil the shading signal is
	// derived as Diffuse*Shadow + Specular.
	Color []float32
}

// NewSignal allocates a zeroed signal with full shadow visibility.
func NewSignal(width, height int) *Signal {
	n := width * height
	s := &Signal{
		Width:    width,
		Height:   height,
		Specular: make([]float32, n),
		Diffuse:  make([]float32, n),
		Shadow:   make([]float32, n),
		Normal:   make([]f32.Vec3, n),
	}
	for i := range s.Shadow {
		s.Shadow[i] = 1
	}
	return s
}

// Validate checks dimensions and plane lengths.
func (s *Signal) Validate() error {
	if s == nil || s.Width <= 0 || s.Height <= 0 {
		return ErrEmptyFrame
	}
	n := s.Width * s.Height
	planes := []struct {
		name string
		len  int
	}{
		{"specular", len(s.Specular)},
		{"diffuse", len(s.Diffuse)},
		{"shadow", len(s.Shadow)},
		{"normal", len(s.Normal)},
	}
	for _, p := range planes {
		if p.len != n {
			return fmt.Errorf("%w: %s has %d elements, want %d", ErrPlaneSize, p.name, p.len, n)
		}
	}
	if s.Color != nil && len(s.Color) != n {
		return fmt.Errorf("%w: color has %d elements, want %d", ErrPlaneSize, len(s.Color), n)
	}
	return nil
}

// Shading returns the shading signal at pixel index i.
func (s *Signal) Shading(i int) float32 {
	if s.Color != nil {
		return s.Color[i]
	}
	return s.Diffuse[i]*s.Shadow[i] + s.Specular[i]
}

// ShadingPlane materializes the shading signal into dst, growing it as needed.
func (s *Signal) ShadingPlane(dst []float32) []float32 {
	n := s.Width * s.Height
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	if s.Color != nil {
		copy(dst, s.Color)
		return dst
	}
	for i := range dst {
		dst[i] = s.Diffuse[i]*s.Shadow[i] + s.Specular[i]
	}
	return dst
}

// Motion is the per-pixel screen-space displacement from the previous frame
// to the current one, in pixels.
type Motion struct {
	Width, Height int
	Vectors       []f32.Vec2

	// Valid marks pixels with usable history. A nil slice means every
	// vector is valid.
	Valid []bool
}

// NewMotion allocates a zero motion field with every vector valid.
func NewMotion(width, height int) *Motion {
	return &Motion{
		Width:   width,
		Height:  height,
		Vectors: make([]f32.Vec2, width*height),
	}
}

// Validate checks dimensions and plane lengths against the signal size.
func (m *Motion) Validate(width, height int) error {
	if m == nil {
		return ErrEmptyFrame
	}
	if m.Width != width || m.Height != height {
		return fmt.Errorf("%w: motion is %dx%d, frame is %dx%d", ErrPlaneSize, m.Width, m.Height, width, height)
	}
	n := width * height
	if len(m.Vectors) != n {
		return fmt.Errorf("%w: motion has %d vectors, want %d", ErrPlaneSize, len(m.Vectors), n)
	}
	if m.Valid != nil && len(m.Valid) != n {
		return fmt.Errorf("%w: motion validity has %d elements, want %d", ErrPlaneSize, len(m.Valid), n)
	}
	return nil
}

// IsValid reports whether pixel index i has a valid motion vector.
func (m *Motion) IsValid(i int) bool {
	return m.Valid == nil || m.Valid[i]
}
