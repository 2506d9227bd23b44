// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/vrs/frame"
	"github.com/gogpu/vrs/history"
	"github.com/gogpu/vrs/infer"
	"github.com/gogpu/vrs/infer/cpu"
	"github.com/gogpu/vrs/internal/parallel"
	"github.com/gogpu/vrs/policy"
	"github.com/gogpu/vrs/rate"
	"github.com/gogpu/vrs/tile"
)

// Frame is the per-frame input handed over by the renderer.
type Frame struct {
	// Signal holds the current G-buffer planes. Required.
	Signal *frame.Signal

	// Motion maps current pixels to their previous position. Nil means a
	// static camera with every vector valid.
	Motion *frame.Motion

	// View is the current camera transform.
	View f32.Mat4
}

// Pipeline runs the per-frame rate decision. Execute must be called from
// one goroutine at a time; calls are serialised by an internal lock. State
// and the settings accessors are safe to call concurrently with Execute.
type Pipeline struct {
	mu     sync.Mutex
	state  atomic.Int32
	closed bool

	settingsMu sync.Mutex
	settings   atomic.Pointer[Settings]

	grid      tile.Grid
	pool      *parallel.Pool
	precision infer.Precision
	strict    bool
	fallback  bool // an accelerator may be replaced by the CPU backend

	engine  *infer.Engine
	mapper  *tile.Mapper
	history *history.Buffer
	policy  *policy.Policy
	log     *slog.Logger

	frames     uint64
	zeroMotion *frame.Motion
}

// New creates a pipeline for width x height frames and loads its model.
// Any load failure aborts creation with a *ConfigurationError.
func New(width, height int, opts ...Option) (*Pipeline, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	normalizeOptions(&o)
	if err := o.settings.Validate(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	grid, err := tile.NewGrid(width, height, o.tileSize)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	pool := parallel.NewPool(o.workers)
	p := &Pipeline{
		grid:      grid,
		pool:      pool,
		precision: o.precision,
		strict:    o.strict,
		mapper:    tile.NewMapper(grid, pool, o.threshold),
		history:   history.New(pool),
		log:       Logger(),
	}
	s := o.settings
	p.settings.Store(&s)

	backend := o.backend
	if backend == nil {
		if a := RegisteredAccelerator(); a != nil {
			backend, p.fallback = a, true
		} else {
			backend = cpu.New(pool)
		}
	}
	p.engine = p.newEngine(backend)

	if o.model != nil {
		err = p.LoadModel(o.model)
	} else {
		err = p.Load(o.modelPath)
	}
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) newEngine(b infer.Backend) *infer.Engine {
	e := infer.NewEngine(b, p.precision)
	e.SetLogger(p.log)
	return e
}

// Load replaces the model with the artifact at path. The pipeline passes
// through Uninitialized and history is discarded; on failure it stays
// Uninitialized and Execute returns ErrNotReady until a load succeeds.
func (p *Pipeline) Load(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.unready()
	m, err := infer.ReadFile(path)
	if err != nil {
		return &ConfigurationError{Model: path, Err: err}
	}
	return p.loadLocked(path, m)
}

// LoadModel is Load for an in-memory model.
func (p *Pipeline) LoadModel(m *infer.Model) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.unready()
	name := ""
	if m != nil {
		name = m.Name
	}
	return p.loadLocked(name, m)
}

func (p *Pipeline) unready() {
	p.state.Store(int32(Uninitialized))
	p.engine.Close()
	p.history.Reset()
}

func (p *Pipeline) loadLocked(name string, m *infer.Model) error {
	p.log = Logger()
	p.engine.SetLogger(p.log)

	err := p.engine.LoadModel(m)
	if err != nil && p.fallback && errors.Is(err, infer.ErrEngineBuild) {
		p.log.Warn("vrs: accelerator cannot run model, falling back to CPU",
			"backend", p.engine.Backend().Name(), "err", err)
		p.engine = p.newEngine(cpu.New(p.pool))
		p.fallback = false
		err = p.engine.LoadModel(m)
	}
	if err != nil {
		return &ConfigurationError{Model: name, Err: err}
	}
	if err := p.configure(m); err != nil {
		p.engine.Close()
		return &ConfigurationError{Model: name, Err: err}
	}

	p.state.Store(int32(Ready))
	p.log.Info("vrs: pipeline ready",
		"model", name,
		"grid", p.grid.String(),
		"backend", p.engine.Backend().Name(),
		"modelStride", p.mapper.ModelStride(),
		"gridStride", p.mapper.GridStride())
	return nil
}

func (p *Pipeline) configure(m *infer.Model) error {
	if err := (policy.Predictions{Channels: m.Output.Shape.C}).Validate(); err != nil {
		return err
	}
	if err := p.mapper.Configure(m); err != nil {
		return err
	}
	pol, err := policy.New(m.Transform)
	if err != nil {
		return err
	}
	p.policy = pol
	return nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) enter(s State) {
	p.state.Store(int32(s))
}

// Grid returns the tile grid.
func (p *Pipeline) Grid() tile.Grid { return p.grid }

// Backend returns the name of the inference backend in use.
func (p *Pipeline) Backend() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine.Backend().Name()
}

// Model returns the loaded model, or nil.
func (p *Pipeline) Model() *infer.Model {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine.Model()
}

// Reset discards history, so the next frame is treated as the first. Use
// it on camera cuts.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.history.Reset()
	p.mu.Unlock()
}

// Execute decides the shading rates for one frame.
//
// It returns ErrNotReady unless a model is loaded. Inference failures do
// not fail the frame: every tile gets the finest rate and Result.Degraded
// is set, unless the pipeline was built with WithStrictDeviceErrors.
func (p *Pipeline) Execute(ctx context.Context, f Frame) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.State() != Ready {
		return nil, ErrNotReady
	}
	defer p.enter(Ready)

	p.frames++
	res := &Result{Frame: p.frames, Grid: p.grid}
	mark := time.Now()
	lap := func(d *time.Duration) {
		now := time.Now()
		*d = now.Sub(mark)
		mark = now
	}

	p.enter(Gathering)
	set := p.Settings()
	res.Settings = set
	motion, err := p.gather(f)
	if err != nil {
		return nil, err
	}
	lap(&res.Timings.Gather)

	p.enter(Reprojecting)
	rep, err := p.history.Reproject(f.View, f.Signal, motion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if !set.UseReprojection {
		rep.Invalidate()
	}
	res.Valid = p.mapper.Validity(rep, nil)
	lap(&res.Timings.Reproject)

	p.enter(Downsampling)
	bufs := p.engine.Buffers()
	if err := p.engine.Check(bufs); err != nil {
		return nil, err
	}
	if err := p.mapper.Downsample(f.Signal, motion, rep, bufs); err != nil {
		return nil, err
	}
	lap(&res.Timings.Downsample)

	p.enter(Inferring)
	inferErr := p.engine.Infer(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lap(&res.Timings.Infer)

	p.enter(Selecting)
	tiles := p.grid.Tiles()
	res.Classes = make([]rate.Class, tiles)
	if inferErr != nil {
		derr := &DeviceError{Backend: p.engine.Backend().Name(), Frame: p.frames, Err: inferErr}
		if p.strict {
			return nil, derr
		}
		p.log.Warn("vrs: inference failed, emitting finest rates", "frame", p.frames, "err", inferErr)
		policy.Finest(res.Classes)
		res.Degraded, res.Cause = true, derr
	} else {
		res.MetricChannels = p.mapper.MetricChannels()
		res.Metrics = p.mapper.Gather(bufs, nil)
		valid := res.Valid
		if set.PredictUnseen {
			valid = nil
		}
		pred := policy.Predictions{Values: res.Metrics, Channels: res.MetricChannels, Tiles: tiles}
		if err := p.policy.Select(pred, valid, set.MaxError, res.Classes); err != nil {
			return nil, err
		}
	}
	lap(&res.Timings.Select)

	p.enter(Emitting)
	res.Texture = p.mapper.Upsample(res.Classes, nil)
	res.Tiles = p.mapper.TileTexture(res.Classes, nil)
	res.Stats = computeStats(p.grid, res.Classes, res.Valid)
	lap(&res.Timings.Emit)

	p.log.Debug("vrs: frame",
		"frame", res.Frame,
		"valid", res.Stats.Valid,
		"reduction", res.Stats.Reduction,
		"degraded", res.Degraded,
		"total", res.Timings.Total())
	return res, nil
}

// gather validates the frame and resolves the motion field.
func (p *Pipeline) gather(f Frame) (*frame.Motion, error) {
	sig := f.Signal
	if sig == nil {
		return nil, fmt.Errorf("%w: no signal", ErrInvalidFrame)
	}
	if sig.Width != p.grid.Width || sig.Height != p.grid.Height {
		return nil, fmt.Errorf("%w: frame %dx%d, pipeline %dx%d",
			ErrInvalidFrame, sig.Width, sig.Height, p.grid.Width, p.grid.Height)
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Motion == nil {
		if p.zeroMotion == nil {
			p.zeroMotion = frame.NewMotion(sig.Width, sig.Height)
		}
		return p.zeroMotion, nil
	}
	if err := f.Motion.Validate(sig.Width, sig.Height); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return f.Motion, nil
}

// Close releases the model and worker pool. The registered accelerator is
// shared and stays open.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.state.Store(int32(Uninitialized))
	p.engine.Close()
	p.pool.Close()
}
