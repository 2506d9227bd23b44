package tile

import (
	"fmt"
	"math"

	"github.com/gogpu/vrs/frame"
	"github.com/gogpu/vrs/history"
	"github.com/gogpu/vrs/infer"
	"github.com/gogpu/vrs/internal/parallel"
	"github.com/gogpu/vrs/rate"
)

// Mapper resamples frame data into the model's input layout and maps model
// output and rate decisions back onto the tile grid.
//
// Two integer strides relate the resolutions. The model stride is the
// network's own downsampling (input size / output size). The grid stride
// relates the tile grid to the model output: tile (tx, ty) reads the
// prediction at (tx/s, ty/s). Both are recomputed by Configure whenever a
// model is loaded.
//
// Mapper is NOT safe for concurrent use.
type Mapper struct {
	grid      Grid
	pool      *parallel.Pool
	threshold float64

	channels    []Channel
	in, out     infer.Shape
	modelStride int
	gridStride  int

	// Pixel box edges of every model input column and row.
	xs, ys []int
}

// NewMapper returns a mapper for grid. threshold is the fraction of valid
// pixels a tile needs to count as having history; values outside (0, 1]
// are clamped, so 1 requires every pixel. A nil pool runs serially.
func NewMapper(grid Grid, pool *parallel.Pool, threshold float64) *Mapper {
	if math.IsNaN(threshold) || threshold > 1 {
		threshold = 1
	}
	threshold = max(threshold, 0)
	return &Mapper{grid: grid, pool: pool, threshold: threshold}
}

// Grid returns the tile grid.
func (m *Mapper) Grid() Grid { return m.grid }

// ModelStride returns the network's input/output downsampling factor.
func (m *Mapper) ModelStride() int { return m.modelStride }

// GridStride returns how many tiles share one model output element per axis.
func (m *Mapper) GridStride() int { return m.gridStride }

// Channels returns the resolved input channels.
func (m *Mapper) Channels() []Channel { return m.channels }

// Configure resolves the channel names and strides of model.
func (m *Mapper) Configure(model *infer.Model) error {
	channels := make([]Channel, len(model.Channels))
	for i, name := range model.Channels {
		c, err := ParseChannel(name)
		if err != nil {
			return err
		}
		channels[i] = c
	}
	modelStride, err := model.Stride()
	if err != nil {
		return err
	}

	out := model.Output.Shape
	if out.W > m.grid.Cols || out.H > m.grid.Rows {
		return fmt.Errorf("%w: model output %dx%d exceeds tile grid %v", ErrGeometry, out.W, out.H, m.grid)
	}
	s := (m.grid.Cols + out.W - 1) / out.W
	if (m.grid.Cols+s-1)/s != out.W || (m.grid.Rows+s-1)/s != out.H {
		return fmt.Errorf("%w: no integer stride maps tile grid %v onto model output %dx%d",
			ErrGeometry, m.grid, out.W, out.H)
	}

	m.channels = channels
	m.in, m.out = model.Input.Shape, out
	m.modelStride, m.gridStride = modelStride, s
	m.xs = boxEdges(m.grid.Width, m.in.W)
	m.ys = boxEdges(m.grid.Height, m.in.H)
	return nil
}

// boxEdges splits n pixels into cells boxes. Box j spans
// [edges[j], edges[j+1]) and is never empty, so a model input larger than
// the frame repeats pixels instead of reading nothing.
func boxEdges(n, cells int) []int {
	edges := make([]int, cells+1)
	for j := range cells + 1 {
		edges[j] = j * n / cells
	}
	return edges
}

func (m *Mapper) box(edges []int, j, limit int) (int, int) {
	a, b := edges[j], edges[j+1]
	if b <= a {
		b = a + 1
	}
	if b > limit {
		a, b = limit-1, limit
	}
	return a, b
}

// Downsample writes every configured channel into dst.Input by averaging
// the pixels of each input cell's box.
func (m *Mapper) Downsample(sig *frame.Signal, motion *frame.Motion, rep *history.Reprojected, dst *infer.Buffers) error {
	if m.channels == nil {
		return fmt.Errorf("%w: mapper not configured", ErrGeometry)
	}
	if dst.InputShape != m.in {
		return fmt.Errorf("%w: buffers %v, configured for %v", ErrGeometry, dst.InputShape, m.in)
	}
	if sig.Width != m.grid.Width || sig.Height != m.grid.Height {
		return fmt.Errorf("%w: frame %dx%d, grid covers %dx%d", ErrGeometry, sig.Width, sig.Height, m.grid.Width, m.grid.Height)
	}
	if rep.Width != sig.Width || rep.Height != sig.Height {
		return fmt.Errorf("%w: reprojection %dx%d, frame %dx%d", ErrGeometry, rep.Width, rep.Height, sig.Width, sig.Height)
	}

	for ci, ch := range m.channels {
		sample := m.sampler(ch, sig, motion, rep)
		plane := dst.InputPlane(ci)
		m.rows(m.in.H, func(y0, y1 int) {
			for j := y0; j < y1; j++ {
				py0, py1 := m.box(m.ys, j, sig.Height)
				for i := range m.in.W {
					px0, px1 := m.box(m.xs, i, sig.Width)
					var sum float64
					for y := py0; y < py1; y++ {
						row := y * sig.Width
						for x := px0; x < px1; x++ {
							sum += float64(sample(row + x))
						}
					}
					plane[j*m.in.W+i] = float32(sum / float64((py1-py0)*(px1-px0)))
				}
			}
		})
	}
	return nil
}

// sampler returns the per-pixel reader for one channel.
func (m *Mapper) sampler(ch Channel, sig *frame.Signal, motion *frame.Motion, rep *history.Reprojected) func(i int) float32 {
	switch ch {
	case ChannelReproject:
		return func(i int) float32 { return rep.Signal[i] }
	case ChannelValid:
		return func(i int) float32 {
			if rep.Valid[i] {
				return 1
			}
			return 0
		}
	case ChannelDiffuse:
		return func(i int) float32 { return sig.Diffuse[i] }
	case ChannelSpecular:
		return func(i int) float32 { return sig.Specular[i] }
	case ChannelShadow:
		return func(i int) float32 { return sig.Shadow[i] }
	case ChannelNormalX, ChannelNormalY, ChannelNormalZ:
		axis := int(ch - ChannelNormalX)
		view := rep.View
		return func(i int) float32 { return frame.TransformDirection(&view, sig.Normal[i])[axis] }
	case ChannelColor:
		return sig.Shading
	case ChannelMotionX:
		return func(i int) float32 { return motion.Vectors[i][0] }
	case ChannelMotionY:
		return func(i int) float32 { return motion.Vectors[i][1] }
	default:
		return func(int) float32 { return 0 }
	}
}

// Validity reports per tile whether enough pixels have valid history.
// The result is written to dst when it has room.
func (m *Mapper) Validity(rep *history.Reprojected, dst []bool) []bool {
	n := m.grid.Tiles()
	if cap(dst) < n {
		dst = make([]bool, n)
	}
	dst = dst[:n]
	m.rows(m.grid.Rows, func(r0, r1 int) {
		for ty := r0; ty < r1; ty++ {
			for tx := range m.grid.Cols {
				b := m.grid.Bounds(tx, ty)
				valid := 0
				for y := b.Min.Y; y < b.Max.Y; y++ {
					for x := b.Min.X; x < b.Max.X; x++ {
						if rep.Valid[y*rep.Width+x] {
							valid++
						}
					}
				}
				need := int(math.Ceil(m.threshold * float64(b.Dx()*b.Dy())))
				dst[m.grid.Index(tx, ty)] = valid > 0 && valid >= need
			}
		}
	})
	return dst
}

// Gather copies the model output onto the tile grid, channel-major:
// dst[c*tiles + t] is channel c of tile t.
func (m *Mapper) Gather(src *infer.Buffers, dst []float32) []float32 {
	tiles := m.grid.Tiles()
	n := m.out.C * tiles
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	s := m.gridStride
	for c := range m.out.C {
		plane := src.OutputPlane(c)
		for ty := range m.grid.Rows {
			for tx := range m.grid.Cols {
				dst[c*tiles+m.grid.Index(tx, ty)] = plane[(ty/s)*m.out.W+tx/s]
			}
		}
	}
	return dst
}

// MetricChannels returns the number of output channels per tile.
func (m *Mapper) MetricChannels() int { return m.out.C }

// Upsample replicates each tile's class over its pixel footprint.
// Nearest-neighbour only: classes are categorical.
func (m *Mapper) Upsample(classes []rate.Class, dst *RateTexture) *RateTexture {
	g := m.grid
	if dst == nil || dst.Width != g.Width || dst.Height != g.Height {
		dst = NewRateTexture(g.Width, g.Height)
	}
	m.rows(g.Height, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := dst.Pix[y*dst.Width : (y+1)*dst.Width]
			base := (y / g.Size) * g.Cols
			for x := range row {
				row[x] = uint8(classes[base+x/g.Size])
			}
		}
	})
	return dst
}

// TileTexture packs the per-tile classes into a tile-resolution texture,
// the layout a hardware shading-rate image expects.
func (m *Mapper) TileTexture(classes []rate.Class, dst *RateTexture) *RateTexture {
	g := m.grid
	if dst == nil || dst.Width != g.Cols || dst.Height != g.Rows {
		dst = NewRateTexture(g.Cols, g.Rows)
	}
	for i, c := range classes[:g.Tiles()] {
		dst.Pix[i] = uint8(c)
	}
	return dst
}

func (m *Mapper) rows(n int, fn func(lo, hi int)) {
	if m.pool == nil {
		fn(0, n)
		return
	}
	m.pool.Rows(n, fn)
}
