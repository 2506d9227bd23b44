package vrs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/vrs/frame"
	"github.com/gogpu/vrs/infer"
	"github.com/gogpu/vrs/rate"
	"github.com/gogpu/vrs/tile"
)

const (
	testWidth  = 64
	testHeight = 48 // 4x3 tiles of 16px
)

// constModel predicts value for every tile on every channel.
func constModel(t *testing.T, width, height int, value float32, channels int) *infer.Model {
	t.Helper()
	g, err := tile.NewGrid(width, height, DefaultTileSize)
	if err != nil {
		t.Fatal(err)
	}
	bias := make([]float32, channels)
	for i := range bias {
		bias[i] = value
	}
	m := &infer.Model{
		Name:      "const",
		Input:     infer.Port{Name: infer.PortInput, Shape: infer.Shape{N: 1, C: 1, H: g.Rows, W: g.Cols}},
		Output:    infer.Port{Name: infer.PortMetric, Shape: infer.Shape{N: 1, C: channels, H: g.Rows, W: g.Cols}},
		Channels:  []string{"valid"},
		Transform: infer.Transform{Kind: infer.TransformLinear, Factor: 1},
		Layers: []infer.Layer{{
			Kind:        infer.LayerConv,
			InChannels:  1,
			OutChannels: channels,
			Kernel:      1,
			Groups:      1,
			Weights:     make([]float32, channels),
			Bias:        bias,
		}},
	}
	if err := m.Validate(); err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestPipeline(t *testing.T, value float32, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{
		WithModel(constModel(t, testWidth, testHeight, value, 2)),
		WithWorkers(2),
	}, opts...)
	p, err := New(testWidth, testHeight, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func testFrame(w, h int) Frame {
	sig := frame.NewSignal(w, h)
	for i := range sig.Diffuse {
		sig.Diffuse[i] = float32(i%w) / float32(w)
		sig.Normal[i] = f32.Vec3{0, 0, 1}
	}
	return Frame{Signal: sig, View: frame.Identity()}
}

func execute(t *testing.T, p *Pipeline, f Frame) *Result {
	t.Helper()
	res, err := p.Execute(context.Background(), f)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func assertUniform(t *testing.T, res *Result, want rate.Class) {
	t.Helper()
	for i, c := range res.Classes {
		if c != want {
			t.Fatalf("tile %d = %v, want %v (classes %v)", i, c, want, res.Classes)
		}
	}
	if !res.Texture.Uniform(want) {
		t.Errorf("pixel texture not uniformly %v", want)
	}
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewMissingModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	p, err := New(testWidth, testHeight, WithModelPath(path))
	if p != nil {
		t.Fatal("New returned a pipeline on failure")
	}
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %T %v, want *ConfigurationError", err, err)
	}
	if cerr.Model != path {
		t.Errorf("Model = %q, want %q", cerr.Model, path)
	}
	if !errors.Is(err, infer.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestNewFromArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vrs.json")
	if err := infer.WriteFile(path, constModel(t, testWidth, testHeight, 0, 1)); err != nil {
		t.Fatal(err)
	}
	p, err := New(testWidth, testHeight, WithModelPath(path))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if p.State() != Ready {
		t.Errorf("State = %v, want Ready", p.State())
	}
	if p.Backend() != "cpu" {
		t.Errorf("Backend = %q, want cpu", p.Backend())
	}
}

func TestNewConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		opts []Option
		want error
	}{
		{"negative budget", testWidth, testHeight, []Option{WithMaxError(-1)}, ErrInvalidBudget},
		{"empty frame", 0, testHeight, nil, tile.ErrGeometry},
		{"grid mismatch", 128, 48, nil, tile.ErrGeometry},
		{"nil model layers", testWidth, testHeight, []Option{WithModel(&infer.Model{})}, infer.ErrUnexpectedPortLayout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithModel(constModel(t, testWidth, testHeight, 0, 2))}, tt.opts...)
			_, err := New(tt.w, tt.h, opts...)
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("err = %v, want *ConfigurationError", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewRejectsUnsupportedMetricChannels(t *testing.T) {
	_, err := New(testWidth, testHeight, WithModel(constModel(t, testWidth, testHeight, 0, 3)))
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
}

// =============================================================================
// Frame Tests
// =============================================================================

func TestFirstFrameAllFinest(t *testing.T) {
	p := newTestPipeline(t, 0)
	res := execute(t, p, testFrame(testWidth, testHeight))
	assertUniform(t, res, rate.Finest)
	if res.Stats.Valid != 0 {
		t.Errorf("Valid = %d on first frame", res.Stats.Valid)
	}
	if res.Stats.Reduction != 0 {
		t.Errorf("Reduction = %v, want 0", res.Stats.Reduction)
	}
	if p.State() != Ready {
		t.Errorf("State after Execute = %v", p.State())
	}
}

func TestStaticSceneZeroErrorAllCoarsest(t *testing.T) {
	p := newTestPipeline(t, 0, WithMaxError(2))
	f := testFrame(testWidth, testHeight)
	execute(t, p, f)
	res := execute(t, p, f)
	assertUniform(t, res, rate.Coarsest)
	if res.Stats.Valid != 12 || res.Stats.Count(rate.Coarsest) != 12 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if got, want := res.Stats.Reduction, 15.0/16; got != want {
		t.Errorf("Reduction = %v, want %v", got, want)
	}
	if res.Tiles.Width != 4 || res.Tiles.Height != 3 {
		t.Errorf("tile texture %dx%d", res.Tiles.Width, res.Tiles.Height)
	}
	if res.MetricChannels != 2 || len(res.Metrics) != 24 {
		t.Errorf("metrics %d x %d", res.MetricChannels, len(res.Metrics))
	}
	if res.Frame != 2 {
		t.Errorf("Frame = %d", res.Frame)
	}
}

func TestLargeErrorAllFinest(t *testing.T) {
	p := newTestPipeline(t, 1e6, WithMaxError(2))
	f := testFrame(testWidth, testHeight)
	execute(t, p, f)
	assertUniform(t, execute(t, p, f), rate.Finest)
}

func TestReprojectionOffAllFinest(t *testing.T) {
	p := newTestPipeline(t, 0)
	p.SetUseReprojection(false)
	f := testFrame(testWidth, testHeight)
	for range 3 {
		res := execute(t, p, f)
		assertUniform(t, res, rate.Finest)
		if res.Settings.UseReprojection {
			t.Error("snapshot reports reprojection on")
		}
	}
	p.SetUseReprojection(true)
	assertUniform(t, execute(t, p, f), rate.Coarsest)
}

func TestPredictUnseenTrustsModel(t *testing.T) {
	p := newTestPipeline(t, 0, WithPredictUnseen(true))
	assertUniform(t, execute(t, p, testFrame(testWidth, testHeight)), rate.Coarsest)
}

func TestBudgetAppliesNextFrame(t *testing.T) {
	// Two channels of 0.5: half rates 0.5, quarter rates 1.065.
	p := newTestPipeline(t, 0.5)
	f := testFrame(testWidth, testHeight)
	execute(t, p, f)

	tests := []struct {
		budget float64
		want   rate.Class
	}{
		{1, rate.Rate2x2},
		{2, rate.Rate4x4},
		{0.1, rate.Rate1x1},
		{0.5, rate.Rate2x2},
	}
	for _, tt := range tests {
		if err := p.SetMaxError(tt.budget); err != nil {
			t.Fatal(err)
		}
		res := execute(t, p, f)
		if res.Settings.MaxError != tt.budget {
			t.Errorf("snapshot budget %v, want %v", res.Settings.MaxError, tt.budget)
		}
		assertUniform(t, res, tt.want)
	}
}

func TestMotionDisoccludesEdgeTiles(t *testing.T) {
	p := newTestPipeline(t, 0)
	f := testFrame(testWidth, testHeight)
	execute(t, p, f)

	// Content moved 4px right: the left 4 columns have no history.
	mv := frame.NewMotion(testWidth, testHeight)
	for i := range mv.Vectors {
		mv.Vectors[i] = f32.Vec2{4, 0}
	}
	f.Motion = mv
	res := execute(t, p, f)
	g := res.Grid
	for ty := range g.Rows {
		for tx := range g.Cols {
			c := res.Classes[g.Index(tx, ty)]
			want := rate.Coarsest
			if tx == 0 {
				want = rate.Finest
			}
			if c != want {
				t.Errorf("tile (%d,%d) = %v, want %v", tx, ty, c, want)
			}
		}
	}
}

func TestPartialValidityThreshold(t *testing.T) {
	p := newTestPipeline(t, 0, WithValidityThreshold(0.5))
	f := testFrame(testWidth, testHeight)
	execute(t, p, f)
	mv := frame.NewMotion(testWidth, testHeight)
	for i := range mv.Vectors {
		mv.Vectors[i] = f32.Vec2{4, 0}
	}
	f.Motion = mv
	// 12 of 16 columns in the left tiles keep history, above the threshold.
	assertUniform(t, execute(t, p, f), rate.Coarsest)
}

func TestExecuteInvalidFrame(t *testing.T) {
	p := newTestPipeline(t, 0)
	tests := []struct {
		name string
		f    Frame
	}{
		{"no signal", Frame{}},
		{"wrong size", testFrame(32, 32)},
		{"bad motion", Frame{Signal: frame.NewSignal(testWidth, testHeight), Motion: frame.NewMotion(8, 8)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Execute(context.Background(), tt.f)
			if !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("err = %v, want ErrInvalidFrame", err)
			}
			if p.State() != Ready {
				t.Errorf("State = %v after rejected frame", p.State())
			}
		})
	}
}

func TestExecuteCanceled(t *testing.T) {
	p := newTestPipeline(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Execute(ctx, testFrame(testWidth, testHeight)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPredictorModel(t *testing.T) {
	m, err := infer.NewPredictor(infer.PredictorConfig{
		Width:        4,
		Stride:       8,
		OutputWidth:  4,
		OutputHeight: 3,
		Seed:         7,
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(testWidth, testHeight, WithModel(m), WithWorkers(3))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	f := testFrame(testWidth, testHeight)
	for range 3 {
		res := execute(t, p, f)
		total := 0
		for _, n := range res.Stats.Counts {
			total += n
		}
		if total != 12 {
			t.Fatalf("counts sum %d, want 12", total)
		}
		for i, c := range res.Classes {
			if !c.Valid() {
				t.Fatalf("tile %d has invalid class %v", i, c)
			}
		}
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestStateMachineReload(t *testing.T) {
	p := newTestPipeline(t, 0, WithMaxError(2))
	f := testFrame(testWidth, testHeight)
	execute(t, p, f)

	err := p.Load(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, infer.ErrModelNotFound) {
		t.Fatalf("Load(missing) = %v", err)
	}
	if p.State() != Uninitialized {
		t.Errorf("State after failed load = %v", p.State())
	}
	if _, err := p.Execute(context.Background(), f); !errors.Is(err, ErrNotReady) {
		t.Errorf("Execute after failed load = %v, want ErrNotReady", err)
	}

	if err := p.LoadModel(constModel(t, testWidth, testHeight, 0, 1)); err != nil {
		t.Fatal(err)
	}
	if p.State() != Ready {
		t.Fatalf("State after reload = %v", p.State())
	}
	// History was discarded by the reload.
	assertUniform(t, execute(t, p, f), rate.Finest)
	assertUniform(t, execute(t, p, f), rate.Coarsest)
}

func TestReset(t *testing.T) {
	p := newTestPipeline(t, 0)
	f := testFrame(testWidth, testHeight)
	execute(t, p, f)
	p.Reset()
	assertUniform(t, execute(t, p, f), rate.Finest)
}

func TestClose(t *testing.T) {
	p := newTestPipeline(t, 0)
	p.Close()
	p.Close()
	if _, err := p.Execute(context.Background(), testFrame(testWidth, testHeight)); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute after Close = %v", err)
	}
	if err := p.LoadModel(constModel(t, testWidth, testHeight, 0, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadModel after Close = %v", err)
	}
	if p.State() != Uninitialized {
		t.Errorf("State = %v", p.State())
	}
}

func TestConcurrentSettingsDuringExecute(t *testing.T) {
	p := newTestPipeline(t, 0)
	f := testFrame(testWidth, testHeight)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			_ = p.SetMaxError(float64(i%3) * 0.5)
			p.SetUseReprojection(i%2 == 0)
			_ = p.State()
			_ = p.Settings()
		}
	}()
	for range 20 {
		execute(t, p, f)
	}
	wg.Wait()
}

// =============================================================================
// Device Error Tests
// =============================================================================

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Build(*infer.Model, *infer.Buffers, infer.Precision) (infer.Plan, error) {
	return failingPlan{}, nil
}

type failingPlan struct{}

func (failingPlan) Run(context.Context) error { return errors.New("device lost") }
func (failingPlan) Release()                  {}

func TestDeviceErrorDegradesFrame(t *testing.T) {
	p := newTestPipeline(t, 0, WithBackend(failingBackend{}), WithPredictUnseen(true))
	res := execute(t, p, testFrame(testWidth, testHeight))
	if !res.Degraded {
		t.Fatal("Degraded not set")
	}
	assertUniform(t, res, rate.Finest)
	var derr *DeviceError
	if !errors.As(res.Cause, &derr) {
		t.Fatalf("Cause = %v, want *DeviceError", res.Cause)
	}
	if derr.Backend != "failing" || derr.Frame != 1 {
		t.Errorf("DeviceError = %+v", derr)
	}
	if res.Metrics != nil {
		t.Error("degraded frame carries metrics")
	}
}

func TestDeviceErrorStrict(t *testing.T) {
	p := newTestPipeline(t, 0, WithBackend(failingBackend{}), WithStrictDeviceErrors())
	_, err := p.Execute(context.Background(), testFrame(testWidth, testHeight))
	var derr *DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want *DeviceError", err)
	}
	if p.State() != Ready {
		t.Errorf("State = %v, pipeline should stay usable", p.State())
	}
}

// =============================================================================
// Stats Tests
// =============================================================================

func TestComputeStatsWeightsPartialTiles(t *testing.T) {
	g, _ := tile.NewGrid(20, 20, 16) // tiles of 256, 64, 64 and 16 pixels
	classes := []rate.Class{rate.Rate1x1, rate.Rate4x4, rate.Rate4x4, rate.Rate2x2}
	valid := []bool{true, true, false, true}
	s := computeStats(g, classes, valid)
	if s.Tiles != 4 || s.Valid != 3 {
		t.Errorf("stats = %+v", s)
	}
	if s.Count(rate.Rate4x4) != 2 || s.Count(rate.Rate1x1) != 1 || s.Count(rate.Rate2x2) != 1 {
		t.Errorf("counts = %v", s.Counts)
	}
	want := (64*15.0/16 + 64*15.0/16 + 16*0.75) / 400
	if diff := s.Reduction - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Reduction = %v, want %v", s.Reduction, want)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Uninitialized, "Uninitialized"},
		{Ready, "Ready"},
		{Inferring, "Inferring"},
		{Emitting, "Emitting"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.s), got, tt.want)
		}
	}
}

func BenchmarkExecute1080p(b *testing.B) {
	m, err := infer.NewPredictor(infer.PredictorConfig{OutputWidth: 120, OutputHeight: 68})
	if err != nil {
		b.Fatal(err)
	}
	p, err := New(1920, 1080, WithModel(m))
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()
	f := testFrame(1920, 1080)
	ctx := context.Background()
	b.ResetTimer()
	for b.Loop() {
		if _, err := p.Execute(ctx, f); err != nil {
			b.Fatal(err)
		}
	}
}
