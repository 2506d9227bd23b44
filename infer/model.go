package infer

import (
	"fmt"
	"strings"
)

// Port names recognised by the engine.
const (
	PortInput  = "input"
	PortMetric = "metric"
	PortOutput = "output"
)

// Shape is an NCHW tensor shape.
type Shape struct {
	N, C, H, W int
}

// Elements returns the number of scalars in a tensor of this shape.
func (s Shape) Elements() int {
	return s.N * s.C * s.H * s.W
}

func (s Shape) valid() bool {
	return s.N > 0 && s.C > 0 && s.H > 0 && s.W > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", s.N, s.C, s.H, s.W)
}

// Port is a named network tensor.
type Port struct {
	Name  string
	Shape Shape
}

// LayerKind identifies a layer of the fixed network topology.
type LayerKind int

const (
	// LayerConv is a 2D convolution with stride 1.
	LayerConv LayerKind = iota

	// LayerReLU is max(0, x).
	LayerReLU

	// LayerBatchNorm is inference-mode batch normalization.
	LayerBatchNorm

	// LayerMaxPool is max pooling with a square window equal to its stride.
	LayerMaxPool

	// LayerSigmoid is the logistic function.
	LayerSigmoid
)

var layerNames = [...]string{"conv", "relu", "batchnorm", "maxpool", "sigmoid"}

// String returns the artifact name of the layer kind.
func (k LayerKind) String() string {
	if k < 0 || int(k) >= len(layerNames) {
		return fmt.Sprintf("LayerKind(%d)", int(k))
	}
	return layerNames[k]
}

func parseLayerKind(s string) (LayerKind, bool) {
	for i, n := range layerNames {
		if strings.EqualFold(s, n) {
			return LayerKind(i), true
		}
	}
	return 0, false
}

// Layer is one stage of the network. Only the fields of its Kind are used.
type Layer struct {
	Kind LayerKind

	// Convolution.
	InChannels  int
	OutChannels int
	Kernel      int
	Padding     int
	Groups      int
	Weights     []float32 // [out][in/groups][kernel][kernel]
	Bias        []float32 // [out], may be empty

	// Batch normalization.
	Mean     []float32
	Variance []float32
	Scale    []float32
	Shift    []float32
	Epsilon  float32

	// Max pooling.
	Size int
}

// TransformKind selects how the network's output metric maps back to a
// perceptual error value.
type TransformKind string

const (
	// TransformLinear models metric = error*Factor + Offset.
	TransformLinear TransformKind = "linear"

	// TransformLogit models metric = sigmoid((error-Mid)*Growth).
	TransformLogit TransformKind = "logit"
)

// Transform describes the metric encoding the network was trained with.
type Transform struct {
	Kind   TransformKind
	Factor float64
	Offset float64
	Growth float64
	Mid    float64
}

// Model is a parsed and validated inference network.
type Model struct {
	Name      string
	Input     Port
	Output    Port
	Channels  []string // one name per input channel
	Transform Transform
	Layers    []Layer
}

// Stride returns the integer downsampling factor between the input and
// output resolutions.
func (m *Model) Stride() (int, error) {
	in, out := m.Input.Shape, m.Output.Shape
	if out.W == 0 || out.H == 0 || in.W%out.W != 0 || in.H%out.H != 0 {
		return 0, fmt.Errorf("%w: input %dx%d is not an integer multiple of output %dx%d",
			ErrModelParse, in.W, in.H, out.W, out.H)
	}
	sx, sy := in.W/out.W, in.H/out.H
	if sx != sy {
		return 0, fmt.Errorf("%w: anisotropic stride %dx%d", ErrModelParse, sx, sy)
	}
	return sx, nil
}

// checkPorts enforces the fixed two-port contract.
func checkPorts(inputs, outputs []Port) error {
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("%w: %d inputs and %d outputs, want 1 and 1",
			ErrUnexpectedPortLayout, len(inputs), len(outputs))
	}
	if inputs[0].Name != PortInput {
		return fmt.Errorf("%w: input port %q, want %q", ErrUnexpectedPortLayout, inputs[0].Name, PortInput)
	}
	if n := outputs[0].Name; n != PortMetric && n != PortOutput {
		return fmt.Errorf("%w: output port %q, want %q or %q", ErrUnexpectedPortLayout, n, PortMetric, PortOutput)
	}
	return nil
}

// Validate walks the layers from the input shape and checks every layer's
// parameters and the resulting output shape.
func (m *Model) Validate() error {
	if err := checkPorts([]Port{m.Input}, []Port{m.Output}); err != nil {
		return err
	}
	if !m.Input.Shape.valid() || !m.Output.Shape.valid() {
		return fmt.Errorf("%w: port shapes %v -> %v", ErrModelParse, m.Input.Shape, m.Output.Shape)
	}
	if m.Input.Shape.N != m.Output.Shape.N {
		return fmt.Errorf("%w: batch %d -> %d", ErrModelParse, m.Input.Shape.N, m.Output.Shape.N)
	}
	if len(m.Channels) != m.Input.Shape.C {
		return fmt.Errorf("%w: %d channel names for %d input channels", ErrModelParse, len(m.Channels), m.Input.Shape.C)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrModelParse)
	}
	if err := m.Transform.validate(); err != nil {
		return err
	}

	d := dims{m.Input.Shape.C, m.Input.Shape.H, m.Input.Shape.W}
	for i := range m.Layers {
		next, err := m.Layers[i].outDims(d)
		if err != nil {
			return fmt.Errorf("%w: layer %d (%v): %v", ErrModelParse, i, m.Layers[i].Kind, err)
		}
		d = next
	}
	want := dims{m.Output.Shape.C, m.Output.Shape.H, m.Output.Shape.W}
	if d != want {
		return fmt.Errorf("%w: layers produce %dx%dx%d, output port declares %dx%dx%d",
			ErrModelParse, d.c, d.h, d.w, want.c, want.h, want.w)
	}
	return nil
}

func (t Transform) validate() error {
	switch t.Kind {
	case TransformLinear:
		if t.Factor == 0 {
			return fmt.Errorf("%w: linear transform with zero factor", ErrModelParse)
		}
	case TransformLogit:
		if t.Growth == 0 {
			return fmt.Errorf("%w: logit transform with zero growth", ErrModelParse)
		}
	default:
		return fmt.Errorf("%w: unknown transform %q", ErrModelParse, t.Kind)
	}
	return nil
}

type dims struct {
	c, h, w int
}

func (l *Layer) outDims(in dims) (dims, error) {
	switch l.Kind {
	case LayerConv:
		if l.InChannels != in.c {
			return dims{}, fmt.Errorf("expects %d input channels, got %d", l.InChannels, in.c)
		}
		if l.OutChannels <= 0 || l.Kernel <= 0 || l.Kernel%2 == 0 || l.Padding < 0 {
			return dims{}, fmt.Errorf("bad geometry out=%d kernel=%d pad=%d", l.OutChannels, l.Kernel, l.Padding)
		}
		if l.Groups <= 0 || l.InChannels%l.Groups != 0 || l.OutChannels%l.Groups != 0 {
			return dims{}, fmt.Errorf("groups %d do not divide %d->%d", l.Groups, l.InChannels, l.OutChannels)
		}
		if n := l.OutChannels * (l.InChannels / l.Groups) * l.Kernel * l.Kernel; len(l.Weights) != n {
			return dims{}, fmt.Errorf("%d weights, want %d", len(l.Weights), n)
		}
		if len(l.Bias) != 0 && len(l.Bias) != l.OutChannels {
			return dims{}, fmt.Errorf("%d biases, want %d", len(l.Bias), l.OutChannels)
		}
		out := dims{l.OutChannels, in.h + 2*l.Padding - l.Kernel + 1, in.w + 2*l.Padding - l.Kernel + 1}
		if out.h <= 0 || out.w <= 0 {
			return dims{}, fmt.Errorf("kernel %d larger than padded input %dx%d", l.Kernel, in.w, in.h)
		}
		return out, nil

	case LayerBatchNorm:
		for _, v := range [][]float32{l.Mean, l.Variance, l.Scale, l.Shift} {
			if len(v) != in.c {
				return dims{}, fmt.Errorf("parameter length %d, want %d", len(v), in.c)
			}
		}
		if l.Epsilon < 0 {
			return dims{}, fmt.Errorf("negative epsilon %v", l.Epsilon)
		}
		return in, nil

	case LayerMaxPool:
		if l.Size <= 0 {
			return dims{}, fmt.Errorf("pool size %d", l.Size)
		}
		out := dims{in.c, in.h / l.Size, in.w / l.Size}
		if out.h == 0 || out.w == 0 {
			return dims{}, fmt.Errorf("pool %d larger than input %dx%d", l.Size, in.w, in.h)
		}
		return out, nil

	case LayerReLU, LayerSigmoid:
		return in, nil

	default:
		return dims{}, fmt.Errorf("unknown layer kind %d", int(l.Kind))
	}
}
