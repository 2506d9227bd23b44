package infer

import "math"

// OpKind identifies a lowered, backend-facing operation.
type OpKind int

const (
	// OpConv is a grouped 2D convolution with stride 1 and zero padding.
	OpConv OpKind = iota

	// OpReLU is max(0, x).
	OpReLU

	// OpAffine is a per-channel x*Scale[c] + Shift[c]. Batch normalization
	// lowers to it.
	OpAffine

	// OpMaxPool is max pooling with window and stride Size.
	OpMaxPool

	// OpSigmoid is 1 / (1 + exp(-x)).
	OpSigmoid
)

// String returns the op name.
func (k OpKind) String() string {
	switch k {
	case OpConv:
		return "conv"
	case OpReLU:
		return "relu"
	case OpAffine:
		return "affine"
	case OpMaxPool:
		return "maxpool"
	case OpSigmoid:
		return "sigmoid"
	default:
		return "unknown"
	}
}

// Dims is the CHW extent of an activation.
type Dims struct {
	C, H, W int
}

// Elements returns C*H*W.
func (d Dims) Elements() int {
	return d.C * d.H * d.W
}

// Op is one lowered operation with its resolved input and output extents.
// Parameters are already rounded to the plan precision.
type Op struct {
	Kind    OpKind
	In, Out Dims

	Kernel  int
	Padding int
	Groups  int
	Weights []float32 // OpConv: [out][in/groups][k][k]
	Bias    []float32 // OpConv: [out], zero-filled when absent

	Scale []float32 // OpAffine
	Shift []float32 // OpAffine

	Size int // OpMaxPool
}

// Lower resolves the layer list of a validated model into backend ops,
// folding batch normalization into a per-channel affine transform.
func Lower(m *Model, p Precision) []Op {
	d := Dims{m.Input.Shape.C, m.Input.Shape.H, m.Input.Shape.W}
	ops := make([]Op, 0, len(m.Layers))
	for i := range m.Layers {
		l := &m.Layers[i]
		op := Op{In: d}
		switch l.Kind {
		case LayerConv:
			op.Kind = OpConv
			op.Kernel, op.Padding, op.Groups = l.Kernel, l.Padding, l.Groups
			op.Out = Dims{l.OutChannels, d.H + 2*l.Padding - l.Kernel + 1, d.W + 2*l.Padding - l.Kernel + 1}
			op.Weights = rounded(l.Weights, p)
			op.Bias = make([]float32, l.OutChannels)
			copy(op.Bias, l.Bias)
			p.RoundSlice(op.Bias)
		case LayerReLU:
			op.Kind, op.Out = OpReLU, d
		case LayerSigmoid:
			op.Kind, op.Out = OpSigmoid, d
		case LayerBatchNorm:
			op.Kind, op.Out = OpAffine, d
			op.Scale = make([]float32, d.C)
			op.Shift = make([]float32, d.C)
			for c := range d.C {
				s := float64(l.Scale[c]) / math.Sqrt(float64(l.Variance[c])+float64(l.Epsilon))
				op.Scale[c] = p.Round(float32(s))
				op.Shift[c] = p.Round(float32(float64(l.Shift[c]) - float64(l.Mean[c])*s))
			}
		case LayerMaxPool:
			op.Kind, op.Size = OpMaxPool, l.Size
			op.Out = Dims{d.C, d.H / l.Size, d.W / l.Size}
		}
		ops = append(ops, op)
		d = op.Out
	}
	return ops
}

// MaxElements returns the largest activation, input and output included.
func MaxElements(ops []Op) int {
	n := 0
	for _, op := range ops {
		n = max(n, op.In.Elements(), op.Out.Elements())
	}
	return n
}

func rounded(src []float32, p Precision) []float32 {
	out := make([]float32, len(src))
	copy(out, src)
	p.RoundSlice(out)
	return out
}
