// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package history implements the temporal history buffer of the VRS
// pipeline: a single-slot store of the previous frame's shading signal and
// camera, and its reprojection into the current frame.
//
// The buffer follows a swap-on-read-then-write contract. Every call to
// Reproject first reads the stored previous state, then replaces it with
// the current frame. There is no history window: only the immediately
// preceding frame is ever visible.
package history

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/vrs/frame"
	"github.com/gogpu/vrs/internal/parallel"
)

// Reprojected is the previous frame's shading signal remapped into the
// current frame's screen space.
type Reprojected struct {
	Width, Height int

	// Signal holds the reprojected shading value per pixel; zero where
	// Valid is false.
	Signal []float32

	// Valid marks pixels with usable history.
	Valid []bool

	// View is the current frame's view matrix, PrevView the one stored with
	// the previous state. PrevView is the identity on the first frame.
	View, PrevView f32.Mat4

	// First is true when no previous state existed.
	First bool
}

// ValidCount returns the number of pixels with usable history.
func (r *Reprojected) ValidCount() int {
	n := 0
	for _, v := range r.Valid {
		if v {
			n++
		}
	}
	return n
}

// Invalidate marks every pixel as having no history.
func (r *Reprojected) Invalidate() {
	for i := range r.Valid {
		r.Valid[i] = false
		r.Signal[i] = 0
	}
}

// Buffer is the single-slot history store.
//
// Buffer is NOT safe for concurrent use. The pipeline calls Reproject from
// exactly one in-flight frame at a time.
type Buffer struct {
	pool *parallel.Pool

	prev     []float32
	prevView f32.Mat4
	width    int
	height   int
	hasPrev  bool

	// scratch receives the current frame's shading signal; it is swapped
	// with prev once reprojection has read the previous state.
	scratch []float32
}

// New creates an empty history buffer. A nil pool runs serially.
func New(pool *parallel.Pool) *Buffer {
	return &Buffer{pool: pool, prevView: frame.Identity()}
}

// HasPrevious reports whether a previous frame is stored.
func (b *Buffer) HasPrevious() bool {
	return b.hasPrev
}

// PreviousView returns the view matrix stored with the previous frame.
func (b *Buffer) PreviousView() f32.Mat4 {
	return b.prevView
}

// Reset drops the stored state so that the next Reproject behaves like the
// first frame.
func (b *Buffer) Reset() {
	b.hasPrev = false
	b.prevView = frame.Identity()
}

// Reproject remaps the stored previous signal into the current frame using
// the motion field, then adopts sig and view as the new previous state.
//
// The previous position of pixel p is p - motion(p); the stored signal is
// sampled bilinearly there. A pixel is invalid when there is no previous
// state, the previous frame had a different size, its motion vector is
// flagged invalid, or the previous position falls outside the frame.
func (b *Buffer) Reproject(view f32.Mat4, sig *frame.Signal, motion *frame.Motion) (*Reprojected, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if err := motion.Validate(sig.Width, sig.Height); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	w, h := sig.Width, sig.Height
	n := w * h
	out := &Reprojected{
		Width:    w,
		Height:   h,
		Signal:   make([]float32, n),
		Valid:    make([]bool, n),
		View:     view,
		PrevView: b.prevView,
	}

	usable := b.hasPrev && b.width == w && b.height == h
	out.First = !b.hasPrev
	if usable {
		b.rows(h, func(y0, y1 int) {
			for y := y0; y < y1; y++ {
				for x := range w {
					i := y*w + x
					if !motion.IsValid(i) {
						continue
					}
					mv := motion.Vectors[i]
					px := float32(x) - mv[0]
					py := float32(y) - mv[1]
					v, ok := b.sample(px, py)
					if !ok {
						continue
					}
					out.Signal[i] = v
					out.Valid[i] = true
				}
			}
		})
	}

	// Write phase: the current frame becomes the previous state.
	b.scratch = sig.ShadingPlane(b.scratch)
	b.prev, b.scratch = b.scratch, b.prev
	b.prevView = view
	b.width, b.height = w, h
	b.hasPrev = true

	return out, nil
}

// sample reads the previous signal at a sub-pixel position with bilinear
// filtering. Positions outside [0, w-1] x [0, h-1] are rejected.
func (b *Buffer) sample(x, y float32) (float32, bool) {
	maxX, maxY := float32(b.width-1), float32(b.height-1)
	if isNaN(x) || isNaN(y) || x < 0 || y < 0 || x > maxX || y > maxY {
		return 0, false
	}
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, b.width-1), min(y0+1, b.height-1)
	fx, fy := x-float32(x0), y-float32(y0)

	row0, row1 := y0*b.width, y1*b.width
	top := b.prev[row0+x0]*(1-fx) + b.prev[row0+x1]*fx
	bot := b.prev[row1+x0]*(1-fx) + b.prev[row1+x1]*fx
	return top*(1-fy) + bot*fy, true
}

func (b *Buffer) rows(n int, fn func(lo, hi int)) {
	if b.pool == nil {
		fn(0, n)
		return
	}
	b.pool.Rows(n, fn)
}

func isNaN(v float32) bool {
	return math.IsNaN(float64(v))
}
