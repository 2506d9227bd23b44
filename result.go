package vrs

import (
	"time"

	"github.com/gogpu/vrs/rate"
	"github.com/gogpu/vrs/tile"
)

// Result is the output of one Execute. It owns all of its slices.
type Result struct {
	// Frame counts executed frames since the pipeline was created.
	Frame uint64

	Grid tile.Grid

	// Classes holds one rate per tile, row-major.
	Classes []rate.Class

	// Valid reports per tile whether history was trusted.
	Valid []bool

	// Metrics is the raw model output per tile, channel-major, with
	// MetricChannels values per tile. Nil on a degraded frame.
	Metrics        []float32
	MetricChannels int

	// Texture is the per-pixel rate texture, Tiles the per-tile one.
	Texture *tile.RateTexture
	Tiles   *tile.RateTexture

	Stats    Stats
	Timings  Timings
	Settings Settings

	// Degraded is set when inference failed and every tile fell back to
	// the finest rate. Cause holds the *DeviceError.
	Degraded bool
	Cause    error
}

// Stats summarises a frame's rate decisions.
type Stats struct {
	Tiles int
	Valid int

	// Counts is indexed by rate.Class.Rank.
	Counts [rate.Count]int

	// Reduction is the fraction of pixel shading work saved, weighted by
	// each tile's pixel area.
	Reduction float64
}

// Count returns how many tiles selected c.
func (s *Stats) Count(c rate.Class) int {
	if r := c.Rank(); r >= 0 {
		return s.Counts[r]
	}
	return 0
}

func computeStats(g tile.Grid, classes []rate.Class, valid []bool) Stats {
	s := Stats{Tiles: len(classes)}
	var saved float64
	for ty := range g.Rows {
		for tx := range g.Cols {
			i := g.Index(tx, ty)
			c := classes[i]
			s.Counts[c.Rank()]++
			if valid[i] {
				s.Valid++
			}
			b := g.Bounds(tx, ty)
			saved += c.Saving() * float64(b.Dx()*b.Dy())
		}
	}
	if px := g.Width * g.Height; px > 0 {
		s.Reduction = saved / float64(px)
	}
	return s
}

// Timings records the wall time of each stage.
type Timings struct {
	Gather     time.Duration
	Reproject  time.Duration
	Downsample time.Duration
	Infer      time.Duration
	Select     time.Duration
	Emit       time.Duration
}

// Total returns the sum of all stages.
func (t Timings) Total() time.Duration {
	return t.Gather + t.Reproject + t.Downsample + t.Infer + t.Select + t.Emit
}
