// Package tile maps between full-resolution pixel space and the coarse tile
// grid on which shading rates are decided.
//
// The tile size is fixed by the rasterizer's shading-rate image granularity
// (typically 8, 16 or 32 pixels). The grid has ceil(W/T) x ceil(H/T) tiles;
// tiles in the last column and row cover only the remainder of the frame.
package tile

import (
	"errors"
	"fmt"
	"image"
)

// ErrGeometry indicates a frame, tile or model geometry that cannot be mapped.
var ErrGeometry = errors.New("tile: invalid geometry")

// Grid divides a frame into Size x Size pixel tiles.
type Grid struct {
	Width, Height int // frame size in pixels
	Size          int // tile edge in pixels
	Cols, Rows    int // grid size in tiles
}

// NewGrid returns the grid covering a width x height frame.
func NewGrid(width, height, size int) (Grid, error) {
	if width <= 0 || height <= 0 || size <= 0 {
		return Grid{}, fmt.Errorf("%w: frame %dx%d, tile %d", ErrGeometry, width, height, size)
	}
	return Grid{
		Width:  width,
		Height: height,
		Size:   size,
		Cols:   (width + size - 1) / size,
		Rows:   (height + size - 1) / size,
	}, nil
}

// Tiles returns the number of tiles.
func (g Grid) Tiles() int {
	return g.Cols * g.Rows
}

// Index returns the row-major index of tile (tx, ty).
func (g Grid) Index(tx, ty int) int {
	return ty*g.Cols + tx
}

// TileOf returns the tile containing pixel (x, y).
func (g Grid) TileOf(x, y int) (tx, ty int) {
	return x / g.Size, y / g.Size
}

// Bounds returns the pixel rectangle of tile (tx, ty), clipped to the frame.
func (g Grid) Bounds(tx, ty int) image.Rectangle {
	x0, y0 := tx*g.Size, ty*g.Size
	return image.Rect(x0, y0, min(x0+g.Size, g.Width), min(y0+g.Size, g.Height))
}

// String returns e.g. "120x68@16".
func (g Grid) String() string {
	return fmt.Sprintf("%dx%d@%d", g.Cols, g.Rows, g.Size)
}
