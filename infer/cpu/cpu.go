// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cpu is the reference inference backend. It evaluates the lowered
// network on the host, spreading convolutions over a worker pool.
//
// It is always available and is what the pipeline falls back to when no
// accelerator is registered.
package cpu

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/gogpu/vrs/infer"
	"github.com/gogpu/vrs/internal/parallel"
)

// Backend builds host plans.
type Backend struct {
	pool *parallel.Pool
	log  *slog.Logger
}

var _ infer.Backend = (*Backend)(nil)

// New returns a CPU backend running on pool. A nil pool runs serially.
func New(pool *parallel.Pool) *Backend {
	return &Backend{pool: pool, log: slog.New(slog.DiscardHandler)}
}

// Name returns "cpu".
func (b *Backend) Name() string { return "cpu" }

// SetLogger sets the backend logger.
func (b *Backend) SetLogger(l *slog.Logger) {
	if l != nil {
		b.log = l
	}
}

// Build lowers m and allocates two ping-pong activation buffers sized for
// the largest intermediate tensor.
func (b *Backend) Build(m *infer.Model, bufs *infer.Buffers, p infer.Precision) (infer.Plan, error) {
	if bufs.InputShape != m.Input.Shape || bufs.OutputShape != m.Output.Shape {
		return nil, fmt.Errorf("%w: buffers %v->%v do not match model %v->%v", infer.ErrEngineBuild,
			bufs.InputShape, bufs.OutputShape, m.Input.Shape, m.Output.Shape)
	}
	if m.Input.Shape.N != 1 {
		return nil, fmt.Errorf("%w: cpu backend supports batch 1, got %d", infer.ErrEngineBuild, m.Input.Shape.N)
	}
	ops := infer.Lower(m, p)
	n := infer.MaxElements(ops)
	b.log.Debug("cpu: plan built", "ops", len(ops), "scratch", 2*n)
	return &plan{
		backend:   b,
		ops:       ops,
		bufs:      bufs,
		precision: p,
		ping:      make([]float32, n),
		pong:      make([]float32, n),
	}, nil
}

type plan struct {
	backend    *Backend
	ops        []infer.Op
	bufs       *infer.Buffers
	precision  infer.Precision
	ping, pong []float32
	released   bool
}

func (p *plan) Run(ctx context.Context) error {
	if p.released {
		return fmt.Errorf("cpu: plan released")
	}
	src := p.ping[:len(p.bufs.Input)]
	copy(src, p.bufs.Input)
	p.precision.RoundSlice(src)

	for i := range p.ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := &p.ops[i]
		dst := p.pong[:op.Out.Elements()]
		p.run(op, src[:op.In.Elements()], dst)
		p.precision.RoundSlice(dst)
		p.ping, p.pong = p.pong, p.ping
		src = dst
	}
	copy(p.bufs.Output, src)
	return nil
}

func (p *plan) Release() {
	p.released = true
	p.ping, p.pong = nil, nil
}

func (p *plan) run(op *infer.Op, src, dst []float32) {
	switch op.Kind {
	case infer.OpConv:
		p.channels(op.Out.C, func(c0, c1 int) { conv(op, src, dst, c0, c1) })
	case infer.OpReLU:
		for i, v := range src {
			dst[i] = max(v, 0)
		}
	case infer.OpSigmoid:
		for i, v := range src {
			dst[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case infer.OpAffine:
		plane := op.In.H * op.In.W
		for c := range op.In.C {
			s, t := op.Scale[c], op.Shift[c]
			for i := c * plane; i < (c+1)*plane; i++ {
				dst[i] = src[i]*s + t
			}
		}
	case infer.OpMaxPool:
		p.channels(op.Out.C, func(c0, c1 int) { maxPool(op, src, dst, c0, c1) })
	}
}

func (p *plan) channels(n int, fn func(lo, hi int)) {
	if p.backend.pool == nil {
		fn(0, n)
		return
	}
	p.backend.pool.Rows(n, fn)
}

// conv evaluates output channels [c0, c1) of a grouped convolution.
func conv(op *infer.Op, src, dst []float32, c0, c1 int) {
	in, out := op.In, op.Out
	k, pad := op.Kernel, op.Padding
	inPerGroup := in.C / op.Groups
	outPerGroup := out.C / op.Groups
	inPlane := in.H * in.W
	outPlane := out.H * out.W

	for oc := c0; oc < c1; oc++ {
		g := oc / outPerGroup
		wBase := oc * inPerGroup * k * k
		bias := op.Bias[oc]
		plane := dst[oc*outPlane : (oc+1)*outPlane]
		for oy := range out.H {
			for ox := range out.W {
				acc := bias
				for ic := range inPerGroup {
					chanBase := (g*inPerGroup + ic) * inPlane
					wc := wBase + ic*k*k
					for ky := range k {
						iy := oy + ky - pad
						if iy < 0 || iy >= in.H {
							continue
						}
						row := chanBase + iy*in.W
						for kx := range k {
							ix := ox + kx - pad
							if ix < 0 || ix >= in.W {
								continue
							}
							acc += src[row+ix] * op.Weights[wc+ky*k+kx]
						}
					}
				}
				plane[oy*out.W+ox] = acc
			}
		}
	}
}

func maxPool(op *infer.Op, src, dst []float32, c0, c1 int) {
	in, out, s := op.In, op.Out, op.Size
	for c := c0; c < c1; c++ {
		sp := src[c*in.H*in.W:]
		dp := dst[c*out.H*out.W:]
		for oy := range out.H {
			for ox := range out.W {
				m := float32(math.Inf(-1))
				for dy := range s {
					row := (oy*s + dy) * in.W
					for dx := range s {
						m = max(m, sp[row+ox*s+dx])
					}
				}
				dp[oy*out.W+ox] = m
			}
		}
	}
}
