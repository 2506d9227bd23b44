//go:build !nogpu

package gpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vrs/infer"
)

// paramsSize is the byte size of the Params uniform (16 x u32).
const paramsSize = 64

// fenceTimeout bounds the wait for one forward pass.
const fenceTimeout = 5 * time.Second

// step is one kernel dispatch.
type step struct {
	kernel  *kernel
	params  hal.Buffer
	weights hal.Buffer
	group   hal.BindGroup
	gx, gy  uint32
}

// plan is a model lowered to a fixed sequence of dispatches over two
// ping-pong activation buffers.
type plan struct {
	a      *Accelerator
	device hal.Device
	queue  hal.Queue
	bufs   *infer.Buffers
	prec   infer.Precision

	act     [2]hal.Buffer
	actSize uint64
	staging hal.Buffer
	dummy   hal.Buffer
	steps   []step

	inBytes  []byte
	outBytes []byte
}

// Build lowers m, creates the kernels it needs and records one bind group
// per op. All device memory is allocated here; Run only uploads, dispatches
// and reads back.
func (a *Accelerator) Build(m *infer.Model, bufs *infer.Buffers, p infer.Precision) (infer.Plan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil || a.queue == nil {
		return nil, fmt.Errorf("%w: %w", infer.ErrEngineBuild, ErrNoDevice)
	}
	if m.Input.Shape.N != 1 {
		return nil, fmt.Errorf("%w: gpu backend supports batch 1, got %d", infer.ErrEngineBuild, m.Input.Shape.N)
	}

	ops := infer.Lower(m, p)
	if err := a.ensureKernels(ops); err != nil {
		return nil, fmt.Errorf("%w: %w", infer.ErrEngineBuild, err)
	}

	pl := &plan{
		a:        a,
		device:   a.device,
		queue:    a.queue,
		bufs:     bufs,
		prec:     p,
		actSize:  uint64(infer.MaxElements(ops)) * 4, //nolint:gosec // element count is positive
		inBytes:  make([]byte, len(bufs.Input)*4),
		outBytes: make([]byte, len(bufs.Output)*4),
	}
	if err := pl.allocate(ops); err != nil {
		pl.Release()
		return nil, fmt.Errorf("%w: %w", infer.ErrEngineBuild, err)
	}
	a.log.Debug("gpu: plan built",
		"ops", len(ops),
		"activation_bytes", 2*pl.actSize,
		"input", m.Input.Shape.String(),
		"output", m.Output.Shape.String())
	return pl, nil
}

func (pl *plan) createBuffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	buf, err := pl.device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("create %s buffer: %w", label, err)
	}
	return buf, nil
}

func (pl *plan) allocate(ops []infer.Op) error {
	var err error
	for i := range pl.act {
		pl.act[i], err = pl.createBuffer(fmt.Sprintf("vrs_act%d", i), pl.actSize,
			gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
	}
	pl.staging, err = pl.createBuffer("vrs_staging", uint64(len(pl.outBytes)),
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	pl.dummy, err = pl.createBuffer("vrs_dummy", 16, gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}

	pl.steps = make([]step, 0, len(ops))
	for i := range ops {
		st, err := pl.record(i, &ops[i])
		if err != nil {
			return err
		}
		pl.steps = append(pl.steps, st)
	}
	return nil
}

// record creates the uniform, parameter buffer and bind group for op i.
// Op i reads act[i%2] and writes act[(i+1)%2].
func (pl *plan) record(i int, op *infer.Op) (step, error) {
	count := op.Out.Elements()
	gx, gy, row := dispatchSize(count)
	st := step{kernel: pl.a.kernels[op.Kind], gx: gx, gy: gy}

	var err error
	st.params, err = pl.createBuffer("vrs_params", paramsSize, gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		return st, err
	}
	pl.queue.WriteBuffer(st.params, 0, encodeParams(op, count, row, pl.prec))

	weights := opWeights(op)
	wbuf, wsize := pl.dummy, uint64(16)
	if len(weights) > 0 {
		wsize = uint64(len(weights)) * 4 //nolint:gosec // slice length is positive
		st.weights, err = pl.createBuffer("vrs_weights", wsize, gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst)
		if err != nil {
			pl.device.DestroyBuffer(st.params)
			return st, err
		}
		pl.queue.WriteBuffer(st.weights, 0, floatBytes(make([]byte, wsize), weights))
		wbuf = st.weights
	}

	src, dst := pl.act[i%2], pl.act[(i+1)%2]
	st.group, err = pl.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "vrs_" + op.Kind.String() + "_bind",
		Layout: pl.a.layout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: st.params.NativeHandle(), Offset: 0, Size: paramsSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: src.NativeHandle(), Offset: 0, Size: pl.actSize}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: dst.NativeHandle(), Offset: 0, Size: pl.actSize}},
			{Binding: 3, Resource: gputypes.BufferBinding{Buffer: wbuf.NativeHandle(), Offset: 0, Size: wsize}},
		},
	})
	if err != nil {
		pl.destroyStep(st)
		return st, fmt.Errorf("create bind group %d: %w", i, err)
	}
	return st, nil
}

// opWeights flattens the parameters an op kernel reads from binding 3.
func opWeights(op *infer.Op) []float32 {
	switch op.Kind {
	case infer.OpConv:
		return append(append([]float32(nil), op.Weights...), op.Bias...)
	case infer.OpAffine:
		return append(append([]float32(nil), op.Scale...), op.Shift...)
	default:
		return nil
	}
}

// encodeParams lays out the Params uniform. The precision code is the
// infer.Precision value the kernels quantize activations to.
func encodeParams(op *infer.Op, count int, row uint32, prec infer.Precision) []byte {
	vals := [16]int{
		op.In.C, op.In.H, op.In.W,
		op.Out.C, op.Out.H, op.Out.W,
		op.Kernel, op.Padding, max(op.Groups, 1), op.Size,
		count, int(row), int(prec),
	}
	out := make([]byte, paramsSize)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v)) //nolint:gosec // shapes fit u32
	}
	return out
}

func floatBytes(dst []byte, src []float32) []byte {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	return dst
}

// Run uploads the input tensor, dispatches every op in one command buffer,
// waits on a fence and reads the output tensor back into the buffers.
func (pl *plan) Run(ctx context.Context) error {
	if pl.device == nil {
		return fmt.Errorf("gpu: plan released")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, v := range pl.bufs.Input {
		binary.LittleEndian.PutUint32(pl.inBytes[i*4:], math.Float32bits(pl.prec.Round(v)))
	}
	pl.queue.WriteBuffer(pl.act[0], 0, pl.inBytes)

	encoder, err := pl.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "vrs_infer_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("vrs_infer"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	for _, st := range pl.steps {
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "vrs_infer_pass"})
		pass.SetPipeline(st.kernel.pipeline)
		pass.SetBindGroup(0, st.group, nil)
		pass.Dispatch(st.gx, st.gy, 1)
		pass.End()
	}
	final := pl.act[len(pl.steps)%2]
	encoder.CopyBufferToBuffer(final, pl.staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: uint64(len(pl.outBytes))},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer pl.device.FreeCommandBuffer(cmdBuf)

	fence, err := pl.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer pl.device.DestroyFence(fence)
	if err := pl.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	timeout := fenceTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	fenceOK, err := pl.device.Wait(fence, 1, timeout)
	if err != nil || !fenceOK {
		return fmt.Errorf("wait for GPU: ok=%v err=%w", fenceOK, err)
	}

	if err := pl.queue.ReadBuffer(pl.staging, 0, pl.outBytes); err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	for i := range pl.bufs.Output {
		pl.bufs.Output[i] = math.Float32frombits(binary.LittleEndian.Uint32(pl.outBytes[i*4:]))
	}
	return nil
}

func (pl *plan) destroyStep(st step) {
	if st.group != nil {
		pl.device.DestroyBindGroup(st.group)
	}
	if st.weights != nil {
		pl.device.DestroyBuffer(st.weights)
	}
	if st.params != nil {
		pl.device.DestroyBuffer(st.params)
	}
}

// Release destroys the plan's buffers and bind groups. Kernels stay cached
// on the accelerator.
func (pl *plan) Release() {
	if pl.device == nil {
		return
	}
	for _, st := range pl.steps {
		pl.destroyStep(st)
	}
	pl.steps = nil
	for _, b := range []hal.Buffer{pl.act[0], pl.act[1], pl.staging, pl.dummy} {
		if b != nil {
			pl.device.DestroyBuffer(b)
		}
	}
	pl.device = nil
}
