package infer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine adapts one backend to the fixed two-port inference contract.
//
// Load parses the artifact, builds a plan and allocates the Buffers arena.
// Infer then runs the plan in place: the caller writes Buffers().Input
// before the call and reads Buffers().Output after it.
//
// Engine is safe for concurrent use, but Infer calls are serialized.
type Engine struct {
	mu        sync.Mutex
	backend   Backend
	precision Precision
	log       *slog.Logger

	model      *Model
	plan       Plan
	buffers    *Buffers
	generation uint64
}

// NewEngine creates an engine with no model loaded.
func NewEngine(backend Backend, precision Precision) *Engine {
	return &Engine{
		backend:   backend,
		precision: precision,
		log:       slog.New(slog.DiscardHandler),
	}
}

// SetLogger sets the logger for load and run diagnostics.
func (e *Engine) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	e.mu.Lock()
	e.log = l
	e.mu.Unlock()
	if ls, ok := e.backend.(interface{ SetLogger(*slog.Logger) }); ok {
		ls.SetLogger(l)
	}
}

// Backend returns the backend the engine builds on.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Precision returns the numeric format plans are built with.
func (e *Engine) Precision() Precision {
	return e.precision
}

// Load reads the artifact at path and makes it the current model.
func (e *Engine) Load(path string) error {
	m, err := ReadFile(path)
	if err != nil {
		e.unload()
		return err
	}
	return e.LoadModel(m)
}

// LoadModel makes m the current model. The previous model, plan and
// buffers are released first even when loading fails, so a failed load
// leaves the engine empty.
func (e *Engine) LoadModel(m *Model) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseLocked()
	if m == nil {
		return fmt.Errorf("%w: nil model", ErrModelParse)
	}
	if err := m.Validate(); err != nil {
		return err
	}

	e.generation++
	bufs := NewBuffers(e.generation, m.Input.Shape, m.Output.Shape)
	start := time.Now()
	plan, err := e.backend.Build(m, bufs, e.precision)
	if err != nil {
		if errors.Is(err, ErrEngineBuild) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrEngineBuild, e.backend.Name(), err)
	}

	e.model, e.plan, e.buffers = m, plan, bufs
	e.log.Info("infer: model loaded",
		"name", m.Name,
		"backend", e.backend.Name(),
		"precision", e.precision.String(),
		"input", m.Input.Shape.String(),
		"output", m.Output.Shape.String(),
		"generation", e.generation,
		"build", time.Since(start))
	return nil
}

func (e *Engine) unload() {
	e.mu.Lock()
	e.releaseLocked()
	e.mu.Unlock()
}

func (e *Engine) releaseLocked() {
	if e.plan != nil {
		e.plan.Release()
	}
	e.model, e.plan, e.buffers = nil, nil, nil
}

// Loaded reports whether a model is ready for inference.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan != nil
}

// Model returns the current model, or nil.
func (e *Engine) Model() *Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// InputShape returns the declared input shape, or the zero Shape when no
// model is loaded.
func (e *Engine) InputShape() Shape {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return Shape{}
	}
	return e.model.Input.Shape
}

// OutputShape returns the declared output shape, or the zero Shape when no
// model is loaded.
func (e *Engine) OutputShape() Shape {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return Shape{}
	}
	return e.model.Output.Shape
}

// Buffers returns the arena of the current model, or nil.
func (e *Engine) Buffers() *Buffers {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers
}

// Generation returns the current model generation. It increases on every
// load attempt that reaches allocation.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Check reports ErrStaleBuffers when b does not belong to the current model.
func (e *Engine) Check(b *Buffers) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buffers == nil {
		return ErrNotLoaded
	}
	if b == nil || b.generation != e.buffers.generation {
		return ErrStaleBuffers
	}
	return nil
}

// Infer runs one forward pass on the bound buffers and blocks until the
// output is available.
func (e *Engine) Infer(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil {
		return ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.plan.Run(ctx); err != nil {
		return fmt.Errorf("infer: %s run: %w", e.backend.Name(), err)
	}
	return nil
}

// Close releases the current plan.
func (e *Engine) Close() {
	e.unload()
}
