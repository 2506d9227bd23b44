package infer

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// PredictorConfig describes the fixed error-prediction network.
type PredictorConfig struct {
	// Channels names the input channels, in order.
	Channels []string

	// Width is the hidden channel count. It must be divisible by 4.
	Width int

	// Stride is the downsampling factor from input to output resolution.
	// It must be a power of two, at least 8.
	Stride int

	// Guesses is the number of output metric channels (1, 2, 4 or 6).
	Guesses int

	// OutputWidth and OutputHeight are the metric resolution, normally the
	// tile grid.
	OutputWidth, OutputHeight int

	// Seed makes the generated weights reproducible.
	Seed uint64

	Transform Transform
}

// DefaultChannels are the inputs of the default predictor.
var DefaultChannels = []string{"reproject", "valid", "diffuse", "normal_z"}

// DefaultTransform is the linear metric encoding used by the default
// predictor.
var DefaultTransform = Transform{Kind: TransformLinear, Factor: 0.25}

func (c *PredictorConfig) normalize() error {
	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels
	}
	if c.Width == 0 {
		c.Width = 16
	}
	if c.Stride == 0 {
		c.Stride = 16
	}
	if c.Guesses == 0 {
		c.Guesses = 2
	}
	if c.Transform.Kind == "" {
		c.Transform = DefaultTransform
	}
	if c.Width%4 != 0 {
		return fmt.Errorf("infer: predictor width %d not divisible by 4", c.Width)
	}
	if c.Stride < 8 || c.Stride&(c.Stride-1) != 0 {
		return fmt.Errorf("infer: predictor stride %d must be a power of two >= 8", c.Stride)
	}
	switch c.Guesses {
	case 1, 2, 4, 6:
	default:
		return fmt.Errorf("infer: predictor guesses %d not in {1,2,4,6}", c.Guesses)
	}
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 {
		return fmt.Errorf("infer: predictor output %dx%d", c.OutputWidth, c.OutputHeight)
	}
	return nil
}

// NewPredictor builds the error-prediction network with deterministic
// weights derived from cfg.Seed.
//
// The topology is five down blocks (3x3 conv, ReLU, batch norm, optional
// max pool) followed by a sigmoid. The first three pools halve the
// resolution; the last one absorbs the rest of the stride. Later blocks
// use grouped convolutions so spatially pooled features stay separate.
func NewPredictor(cfg PredictorConfig) (*Model, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x9e3779b97f4a7c15))

	s := cfg.Stride
	p1, p2, p3 := min(s, 2), min(s/2, 2), min(s/4, 2)
	w := cfg.Width
	in := len(cfg.Channels)

	var layers []Layer
	down := func(from, to, pool, groups int) {
		layers = append(layers, convLayer(rng, from, to, groups))
		layers = append(layers, Layer{Kind: LayerReLU})
		layers = append(layers, identityNorm(to))
		if pool > 1 {
			layers = append(layers, Layer{Kind: LayerMaxPool, Size: pool})
		}
	}
	down(in, w, 1, 1)
	down(w, w, p1, 1)
	down(w, w, p2, p1)
	down(w, w, p3, p2*p1)
	down(w, cfg.Guesses, s/8, 1)

	// Shift the head norm so the post-ReLU range straddles the sigmoid midpoint.
	head := &layers[len(layers)-1]
	if head.Kind == LayerMaxPool {
		head = &layers[len(layers)-2]
	}
	for i := range head.Shift {
		head.Shift[i] = -1.5
	}
	layers = append(layers, Layer{Kind: LayerSigmoid})

	m := &Model{
		Name: fmt.Sprintf("predictor-w%d-s%d", w, s),
		Input: Port{Name: PortInput, Shape: Shape{
			N: 1, C: in, H: cfg.OutputHeight * s, W: cfg.OutputWidth * s,
		}},
		Output: Port{Name: PortMetric, Shape: Shape{
			N: 1, C: cfg.Guesses, H: cfg.OutputHeight, W: cfg.OutputWidth,
		}},
		Channels:  append([]string(nil), cfg.Channels...),
		Transform: cfg.Transform,
		Layers:    layers,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func convLayer(rng *rand.Rand, from, to, groups int) Layer {
	fanIn := (from / groups) * 9
	std := math.Sqrt(2 / float64(fanIn))
	weights := make([]float32, to*(from/groups)*9)
	for i := range weights {
		weights[i] = float32(rng.NormFloat64() * std)
	}
	return Layer{
		Kind:        LayerConv,
		InChannels:  from,
		OutChannels: to,
		Kernel:      3,
		Padding:     1,
		Groups:      groups,
		Weights:     weights,
		Bias:        make([]float32, to),
	}
}

func identityNorm(c int) Layer {
	l := Layer{
		Kind:     LayerBatchNorm,
		Mean:     make([]float32, c),
		Variance: make([]float32, c),
		Scale:    make([]float32, c),
		Shift:    make([]float32, c),
		Epsilon:  1e-5,
	}
	for i := range c {
		l.Variance[i] = 1
		l.Scale[i] = 1
	}
	return l
}
