package infer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeBackend copies a constant into the output buffer on every run.
type fakeBackend struct {
	buildErr error
	runErr   error
	value    float32
	released int
	builds   int
}

type fakePlan struct {
	b    *fakeBackend
	bufs *Buffers
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Build(_ *Model, bufs *Buffers, _ Precision) (Plan, error) {
	f.builds++
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &fakePlan{b: f, bufs: bufs}, nil
}

func (p *fakePlan) Run(context.Context) error {
	if p.b.runErr != nil {
		return p.b.runErr
	}
	for i := range p.bufs.Output {
		p.bufs.Output[i] = p.b.value
	}
	return nil
}

func (p *fakePlan) Release() { p.b.released++ }

// tinyModel is a 1-channel 4x4 -> 1x2x2 network: conv, relu, pool, sigmoid.
func tinyModel() *Model {
	return &Model{
		Name:      "tiny",
		Input:     Port{Name: PortInput, Shape: Shape{1, 1, 4, 4}},
		Output:    Port{Name: PortMetric, Shape: Shape{1, 1, 2, 2}},
		Channels:  []string{"reproject"},
		Transform: Transform{Kind: TransformLinear, Factor: 1},
		Layers: []Layer{
			{Kind: LayerConv, InChannels: 1, OutChannels: 1, Kernel: 3, Padding: 1, Groups: 1,
				Weights: []float32{0, 0, 0, 0, 1, 0, 0, 0, 0}, Bias: []float32{0}},
			{Kind: LayerReLU},
			{Kind: LayerMaxPool, Size: 2},
			{Kind: LayerSigmoid},
		},
	}
}

func writeModel(t *testing.T, m *Model) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	if err := WriteFile(path, m); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// =============================================================================
// Artifact Tests
// =============================================================================

func TestReadFile_NotFound(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestDecode_Errors(t *testing.T) {
	base := func() string {
		var buf bytes.Buffer
		if err := Encode(&buf, tinyModel()); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		return buf.String()
	}

	tests := []struct {
		name   string
		mutate func(string) string
		want   error
	}{
		{"not json", func(string) string { return "{{" }, ErrModelParse},
		{"wrong format", func(s string) string {
			return strings.Replace(s, ArtifactFormat, "onnx", 1)
		}, ErrModelParse},
		{"unknown field", func(s string) string {
			return strings.Replace(s, `"format"`, `"extra":1,"format"`, 1)
		}, ErrModelParse},
		{"renamed input", func(s string) string {
			return strings.Replace(s, `"name":"input"`, `"name":"image"`, 1)
		}, ErrUnexpectedPortLayout},
		{"renamed output", func(s string) string {
			return strings.Replace(s, `"name":"metric"`, `"name":"error"`, 1)
		}, ErrUnexpectedPortLayout},
		{"extra output", func(s string) string {
			return strings.Replace(s, `"outputs":[`, `"outputs":[{"name":"aux","shape":[1,1,2,2]},`, 1)
		}, ErrUnexpectedPortLayout},
		{"unknown op", func(s string) string {
			return strings.Replace(s, `"op":"relu"`, `"op":"gelu"`, 1)
		}, ErrModelParse},
		{"wrong rank", func(s string) string {
			return strings.Replace(s, `"shape":[1,1,4,4]`, `"shape":[1,4,4]`, 1)
		}, ErrModelParse},
		{"shape mismatch", func(s string) string {
			return strings.Replace(s, `"shape":[1,1,2,2]`, `"shape":[1,1,3,3]`, 1)
		}, ErrModelParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.mutate(base())))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecode_OutputPortAlias(t *testing.T) {
	m := tinyModel()
	m.Output.Name = PortOutput
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf(`"output" name should be accepted: %v`, err)
	}
	if got.Output.Name != PortOutput {
		t.Errorf("Output.Name = %q", got.Output.Name)
	}
}

func TestEncodeDecode_Predictor(t *testing.T) {
	m, err := NewPredictor(PredictorConfig{OutputWidth: 4, OutputHeight: 3, Seed: 7})
	if err != nil {
		t.Fatalf("NewPredictor: %v", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Input.Shape != m.Input.Shape || got.Output.Shape != m.Output.Shape {
		t.Errorf("ports changed: %v -> %v", got.Input.Shape, got.Output.Shape)
	}
	if len(got.Layers) != len(m.Layers) || got.Transform != m.Transform {
		t.Error("layers or transform changed")
	}
}

// =============================================================================
// Predictor Tests
// =============================================================================

func TestNewPredictor(t *testing.T) {
	tests := []struct {
		stride, pools int
	}{
		{8, 3},
		{16, 4},
		{32, 4},
	}
	for _, tt := range tests {
		m, err := NewPredictor(PredictorConfig{Stride: tt.stride, OutputWidth: 5, OutputHeight: 2})
		if err != nil {
			t.Fatalf("stride %d: %v", tt.stride, err)
		}
		s, err := m.Stride()
		if err != nil || s != tt.stride {
			t.Errorf("Stride() = %d, %v; want %d", s, err, tt.stride)
		}
		pools := 0
		for _, l := range m.Layers {
			if l.Kind == LayerMaxPool {
				pools++
			}
		}
		if pools != tt.pools {
			t.Errorf("stride %d: %d pools, want %d", tt.stride, pools, tt.pools)
		}
		if last := m.Layers[len(m.Layers)-1].Kind; last != LayerSigmoid {
			t.Errorf("last layer = %v, want sigmoid", last)
		}
	}
}

func TestNewPredictor_Deterministic(t *testing.T) {
	cfg := PredictorConfig{OutputWidth: 2, OutputHeight: 2, Seed: 42}
	a, _ := NewPredictor(cfg)
	b, _ := NewPredictor(cfg)
	if a.Layers[0].Weights[3] != b.Layers[0].Weights[3] {
		t.Error("same seed should give same weights")
	}
}

func TestNewPredictor_Rejects(t *testing.T) {
	bad := []PredictorConfig{
		{OutputWidth: 2, OutputHeight: 2, Stride: 4},
		{OutputWidth: 2, OutputHeight: 2, Stride: 12},
		{OutputWidth: 2, OutputHeight: 2, Width: 6},
		{OutputWidth: 2, OutputHeight: 2, Guesses: 3},
		{OutputWidth: 0, OutputHeight: 2},
	}
	for i, cfg := range bad {
		if _, err := NewPredictor(cfg); err == nil {
			t.Errorf("config %d should be rejected", i)
		}
	}
}

// =============================================================================
// Engine Tests
// =============================================================================

func TestEngine_LoadAndInfer(t *testing.T) {
	fb := &fakeBackend{value: 0.25}
	eng := NewEngine(fb, PrecisionFP32)
	if err := eng.Infer(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Infer before load: %v", err)
	}

	if err := eng.Load(writeModel(t, tinyModel())); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := eng.InputShape(); got != (Shape{1, 1, 4, 4}) {
		t.Errorf("InputShape() = %v", got)
	}
	if got := eng.OutputShape(); got != (Shape{1, 1, 2, 2}) {
		t.Errorf("OutputShape() = %v", got)
	}
	bufs := eng.Buffers()
	if len(bufs.Input) != 16 || len(bufs.Output) != 4 {
		t.Fatalf("buffer sizes %d/%d", len(bufs.Input), len(bufs.Output))
	}
	if err := eng.Infer(context.Background()); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if bufs.Output[3] != 0.25 {
		t.Errorf("Output[3] = %v, want 0.25", bufs.Output[3])
	}
}

func TestEngine_LoadErrors(t *testing.T) {
	eng := NewEngine(&fakeBackend{}, PrecisionFP32)
	if err := eng.Load(filepath.Join(t.TempDir(), "nope.json")); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("missing: %v", err)
	}

	garbage := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(garbage, []byte("not a model"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := eng.Load(garbage); !errors.Is(err, ErrModelParse) {
		t.Errorf("garbage: %v", err)
	}

	broken := &fakeBackend{buildErr: errors.New("out of device memory")}
	eng = NewEngine(broken, PrecisionFP16)
	err := eng.Load(writeModel(t, tinyModel()))
	if !errors.Is(err, ErrEngineBuild) {
		t.Errorf("build: %v", err)
	}
	if eng.Loaded() || eng.Buffers() != nil {
		t.Error("failed load must leave the engine empty")
	}
}

func TestEngine_ReloadBumpsGeneration(t *testing.T) {
	fb := &fakeBackend{}
	eng := NewEngine(fb, PrecisionFP32)
	if err := eng.LoadModel(tinyModel()); err != nil {
		t.Fatal(err)
	}
	old := eng.Buffers()
	if err := eng.Check(old); err != nil {
		t.Fatalf("Check(current) = %v", err)
	}
	if err := eng.LoadModel(tinyModel()); err != nil {
		t.Fatal(err)
	}
	if eng.Buffers().Generation() <= old.Generation() {
		t.Error("generation must increase on reload")
	}
	if err := eng.Check(old); !errors.Is(err, ErrStaleBuffers) {
		t.Errorf("Check(old) = %v, want ErrStaleBuffers", err)
	}
	if fb.released != 1 {
		t.Errorf("released %d plans, want 1", fb.released)
	}
	eng.Close()
	if fb.released != 2 || eng.Loaded() {
		t.Error("Close must release the plan")
	}
}

func TestEngine_InferErrors(t *testing.T) {
	fb := &fakeBackend{runErr: errors.New("device lost")}
	eng := NewEngine(fb, PrecisionFP32)
	if err := eng.LoadModel(tinyModel()); err != nil {
		t.Fatal(err)
	}
	if err := eng.Infer(context.Background()); err == nil || !strings.Contains(err.Error(), "device lost") {
		t.Errorf("Infer = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fb.runErr = nil
	if err := eng.Infer(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Infer = %v", err)
	}
}

// =============================================================================
// Lowering and Precision Tests
// =============================================================================

func TestLower_FoldsBatchNorm(t *testing.T) {
	m := &Model{
		Input:     Port{Name: PortInput, Shape: Shape{1, 2, 1, 1}},
		Output:    Port{Name: PortMetric, Shape: Shape{1, 2, 1, 1}},
		Channels:  []string{"a", "b"},
		Transform: Transform{Kind: TransformLinear, Factor: 1},
		Layers: []Layer{{
			Kind:     LayerBatchNorm,
			Mean:     []float32{1, 0},
			Variance: []float32{4, 1},
			Scale:    []float32{2, 1},
			Shift:    []float32{0.5, -1},
		}},
	}
	if err := m.Validate(); err != nil {
		t.Fatal(err)
	}
	ops := Lower(m, PrecisionFP32)
	if len(ops) != 1 || ops[0].Kind != OpAffine {
		t.Fatalf("ops = %+v", ops)
	}
	// (x - 1) / 2 * 2 + 0.5 = x - 0.5
	if ops[0].Scale[0] != 1 || ops[0].Shift[0] != -0.5 {
		t.Errorf("channel 0 affine = %v, %v", ops[0].Scale[0], ops[0].Shift[0])
	}
	if ops[0].Scale[1] != 1 || ops[0].Shift[1] != -1 {
		t.Errorf("channel 1 affine = %v, %v", ops[0].Scale[1], ops[0].Shift[1])
	}
}

func TestPrecisionRound(t *testing.T) {
	tests := []struct {
		p    Precision
		in   float32
		want float32
	}{
		{PrecisionFP32, 1.0000001, 1.0000001},
		{PrecisionFP16, 1.0, 1.0},
		{PrecisionFP16, 1 + 1.0/4096, 1},
		{PrecisionFP16, 1 + 3.0/2048, 1 + 2.0/1024},
		{PrecisionFP16, 70000, float32(math.Inf(1))},
		{PrecisionFP16, -70000, float32(math.Inf(-1))},
		{PrecisionFP16, 1e-9, 0},
		{PrecisionFP16, 65504, 65504},
		{PrecisionFP16, -0.5, -0.5},
		{PrecisionFP16, 3.0 / (1 << 24), 3.0 / (1 << 24)},
		{PrecisionTF32, 70000, 70016},
		{PrecisionTF32, 1 + 1.0/4096, 1},
	}
	for _, tt := range tests {
		if got := tt.p.Round(tt.in); got != tt.want {
			t.Errorf("%v.Round(%v) = %v, want %v", tt.p, tt.in, got, tt.want)
		}
	}
	nan := float32(math.NaN())
	if got := PrecisionFP16.Round(nan); !math.IsNaN(float64(got)) {
		t.Errorf("NaN rounded to %v", got)
	}
}

func TestParsePrecision(t *testing.T) {
	for _, s := range []string{"fp32", "FP16", "Tf32"} {
		if _, err := ParsePrecision(s); err != nil {
			t.Errorf("ParsePrecision(%q) = %v", s, err)
		}
	}
	if _, err := ParsePrecision("int8"); err == nil {
		t.Error("int8 should be rejected")
	}
}
