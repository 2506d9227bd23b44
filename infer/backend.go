package infer

import "context"

// Backend builds executable plans for a model on one kind of device.
//
// infer/cpu is the reference implementation. The wgpu compute accelerator
// lives in internal/gpu and is registered by importing github.com/gogpu/vrs/gpu.
type Backend interface {
	// Name returns the backend name (e.g., "cpu", "wgpu").
	Name() string

	// Build compiles the model into a plan bound to bufs. The plan reads
	// bufs.Input and writes bufs.Output on every Run. Failures are
	// reported to the caller as ErrEngineBuild.
	Build(m *Model, bufs *Buffers, p Precision) (Plan, error)
}

// Plan is a model compiled for a device and bound to one Buffers arena.
type Plan interface {
	// Run executes one forward pass and blocks until the device has
	// finished and the output buffer is populated.
	Run(ctx context.Context) error

	// Release frees device resources. The plan must not be used afterwards.
	Release()
}

// Buffers are the input and output tensors of one loaded model.
//
// They are sized once from the model's declared port shapes and never
// resized. A reload allocates a new arena with a higher generation; holders
// of an older arena detect it with Engine.Check.
type Buffers struct {
	generation uint64

	InputShape  Shape
	OutputShape Shape

	// Input is written by the caller before Infer, NCHW.
	Input []float32

	// Output is valid after Infer returns, NCHW.
	Output []float32
}

// NewBuffers allocates an arena for the given port shapes.
func NewBuffers(generation uint64, in, out Shape) *Buffers {
	return &Buffers{
		generation:  generation,
		InputShape:  in,
		OutputShape: out,
		Input:       make([]float32, in.Elements()),
		Output:      make([]float32, out.Elements()),
	}
}

// Generation returns the model generation the arena was allocated for.
func (b *Buffers) Generation() uint64 {
	return b.generation
}

// InputPlane returns channel c of batch item 0 of the input tensor.
func (b *Buffers) InputPlane(c int) []float32 {
	n := b.InputShape.H * b.InputShape.W
	return b.Input[c*n : (c+1)*n]
}

// OutputPlane returns channel c of batch item 0 of the output tensor.
func (b *Buffers) OutputPlane(c int) []float32 {
	n := b.OutputShape.H * b.OutputShape.W
	return b.Output[c*n : (c+1)*n]
}
