// Package rate defines the discrete shading-rate classes produced by the
// VRS decision pipeline.
//
// Class values use the D3D12 shading-rate encoding: the horizontal and
// vertical coarsening factors are stored as log2 values, x in the upper
// two bits and y in the lower two bits. A rate texture can therefore be
// handed to a D3D12 or Vulkan rasterizer without translation.
package rate

import (
	"fmt"
	"strings"
)

// Class is a shading granularity. Each axis is coarsened by 1, 2 or 4.
type Class uint8

const (
	// Rate1x1 shades every pixel. It is the finest class and the safe floor.
	Rate1x1 Class = 0x0

	// Rate1x2 shades once per 1x2 pixel block.
	Rate1x2 Class = 0x1

	// Rate2x1 shades once per 2x1 pixel block.
	Rate2x1 Class = 0x4

	// Rate2x2 shades once per 2x2 pixel block.
	Rate2x2 Class = 0x5

	// Rate2x4 shades once per 2x4 pixel block.
	Rate2x4 Class = 0x6

	// Rate4x2 shades once per 4x2 pixel block.
	Rate4x2 Class = 0x9

	// Rate4x4 shades once per 4x4 pixel block. It is the coarsest class.
	Rate4x4 Class = 0xA
)

// Finest and Coarsest bound the ordering.
const (
	Finest   = Rate1x1
	Coarsest = Rate4x4
)

// Count is the number of supported classes.
const Count = 7

// classes lists every class from finest to coarsest. Classes with equal
// pixel density are ordered horizontal-first, matching the rasterizer
// tie-break used by the selection policy.
var classes = [Count]Class{Rate1x1, Rate2x1, Rate1x2, Rate2x2, Rate4x2, Rate2x4, Rate4x4}

// Classes returns all classes ordered from finest to coarsest.
func Classes() []Class {
	out := make([]Class, Count)
	copy(out, classes[:])
	return out
}

// FromAxes returns the class for the given coarsening factors.
func FromAxes(x, y int) (Class, error) {
	lx, okx := log2(x)
	ly, oky := log2(y)
	if !okx || !oky {
		return Finest, fmt.Errorf("rate: unsupported axes %dx%d", x, y)
	}
	c := Class(lx<<2 | ly)
	if !c.Valid() {
		return Finest, fmt.Errorf("rate: unsupported axes %dx%d", x, y)
	}
	return c, nil
}

// Parse converts a name such as "2x4" to a Class.
func Parse(s string) (Class, error) {
	var x, y int
	if _, err := fmt.Sscanf(strings.ToLower(strings.TrimSpace(s)), "%dx%d", &x, &y); err != nil {
		return Finest, fmt.Errorf("rate: cannot parse %q", s)
	}
	return FromAxes(x, y)
}

func log2(v int) (uint8, bool) {
	switch v {
	case 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	default:
		return 0, false
	}
}

// Valid reports whether c is one of the seven supported classes.
func (c Class) Valid() bool {
	return c.Rank() >= 0
}

// Axes returns the horizontal and vertical coarsening factors.
func (c Class) Axes() (x, y int) {
	return 1 << (c >> 2 & 0x3), 1 << (c & 0x3)
}

// Pixels returns how many pixels share one shading sample.
func (c Class) Pixels() int {
	x, y := c.Axes()
	return x * y
}

// Rank returns the position of c in the finest-to-coarsest order,
// or -1 when c is not a supported class.
func (c Class) Rank() int {
	for i, k := range classes {
		if k == c {
			return i
		}
	}
	return -1
}

// Coarser reports whether c shades less densely than o.
func (c Class) Coarser(o Class) bool {
	return c.Rank() > o.Rank()
}

// Saving returns the fraction of shading work removed relative to 1x1.
func (c Class) Saving() float64 {
	return 1 - 1/float64(c.Pixels())
}

// String returns the class name, e.g. "2x4".
func (c Class) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Class(0x%x)", uint8(c))
	}
	x, y := c.Axes()
	return fmt.Sprintf("%dx%d", x, y)
}
