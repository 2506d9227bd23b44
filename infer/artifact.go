package infer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ArtifactFormat identifies model artifacts in their "format" field.
const ArtifactFormat = "gogpu-vrs-model"

// ArtifactVersion is the artifact schema version written by Encode.
const ArtifactVersion = 1

type artifact struct {
	Format    string         `json:"format"`
	Version   int            `json:"version"`
	Name      string         `json:"name,omitempty"`
	Inputs    []portJSON     `json:"inputs"`
	Outputs   []portJSON     `json:"outputs"`
	Channels  []string       `json:"channels"`
	Transform *transformJSON `json:"transform,omitempty"`
	Layers    []layerJSON    `json:"layers"`
}

type portJSON struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type transformJSON struct {
	Kind   string  `json:"kind"`
	Factor float64 `json:"factor,omitempty"`
	Offset float64 `json:"offset,omitempty"`
	Growth float64 `json:"growth,omitempty"`
	Mid    float64 `json:"mid,omitempty"`
}

type layerJSON struct {
	Op       string    `json:"op"`
	In       int       `json:"in,omitempty"`
	Out      int       `json:"out,omitempty"`
	Kernel   int       `json:"kernel,omitempty"`
	Padding  int       `json:"padding,omitempty"`
	Groups   int       `json:"groups,omitempty"`
	Weights  []float32 `json:"weights,omitempty"`
	Bias     []float32 `json:"bias,omitempty"`
	Mean     []float32 `json:"mean,omitempty"`
	Variance []float32 `json:"variance,omitempty"`
	Scale    []float32 `json:"scale,omitempty"`
	Shift    []float32 `json:"shift,omitempty"`
	Epsilon  float32   `json:"epsilon,omitempty"`
	Size     int       `json:"size,omitempty"`
}

// ReadFile loads and validates the model artifact at path.
func ReadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrModelParse, err)
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Decode parses and validates a model artifact.
//
// Port layout is checked before topology, so an artifact with the wrong
// ports reports ErrUnexpectedPortLayout even if its layers are also broken.
func Decode(r io.Reader) (*Model, error) {
	var a artifact
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelParse, err)
	}
	if a.Format != ArtifactFormat {
		return nil, fmt.Errorf("%w: format %q, want %q", ErrModelParse, a.Format, ArtifactFormat)
	}
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrModelParse, a.Version)
	}

	inputs, err := decodePorts(a.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := decodePorts(a.Outputs)
	if err != nil {
		return nil, err
	}
	if err := checkPorts(inputs, outputs); err != nil {
		return nil, err
	}

	m := &Model{
		Name:      a.Name,
		Input:     inputs[0],
		Output:    outputs[0],
		Channels:  a.Channels,
		Transform: Transform{Kind: TransformLinear, Factor: 1},
		Layers:    make([]Layer, len(a.Layers)),
	}
	if t := a.Transform; t != nil {
		m.Transform = Transform{
			Kind:   TransformKind(t.Kind),
			Factor: t.Factor,
			Offset: t.Offset,
			Growth: t.Growth,
			Mid:    t.Mid,
		}
	}
	for i, lj := range a.Layers {
		kind, ok := parseLayerKind(lj.Op)
		if !ok {
			return nil, fmt.Errorf("%w: layer %d: unknown op %q", ErrModelParse, i, lj.Op)
		}
		m.Layers[i] = Layer{
			Kind:        kind,
			InChannels:  lj.In,
			OutChannels: lj.Out,
			Kernel:      lj.Kernel,
			Padding:     lj.Padding,
			Groups:      max(lj.Groups, 1),
			Weights:     lj.Weights,
			Bias:        lj.Bias,
			Mean:        lj.Mean,
			Variance:    lj.Variance,
			Scale:       lj.Scale,
			Shift:       lj.Shift,
			Epsilon:     lj.Epsilon,
			Size:        lj.Size,
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePorts(ps []portJSON) ([]Port, error) {
	out := make([]Port, len(ps))
	for i, p := range ps {
		if len(p.Shape) != 4 {
			return nil, fmt.Errorf("%w: port %q has rank %d, want NCHW", ErrModelParse, p.Name, len(p.Shape))
		}
		out[i] = Port{Name: p.Name, Shape: Shape{N: p.Shape[0], C: p.Shape[1], H: p.Shape[2], W: p.Shape[3]}}
	}
	return out, nil
}

// Encode writes m as a model artifact.
func Encode(w io.Writer, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	a := artifact{
		Format:   ArtifactFormat,
		Version:  ArtifactVersion,
		Name:     m.Name,
		Inputs:   []portJSON{encodePort(m.Input)},
		Outputs:  []portJSON{encodePort(m.Output)},
		Channels: m.Channels,
		Transform: &transformJSON{
			Kind:   string(m.Transform.Kind),
			Factor: m.Transform.Factor,
			Offset: m.Transform.Offset,
			Growth: m.Transform.Growth,
			Mid:    m.Transform.Mid,
		},
		Layers: make([]layerJSON, len(m.Layers)),
	}
	for i, l := range m.Layers {
		lj := layerJSON{Op: l.Kind.String()}
		switch l.Kind {
		case LayerConv:
			lj.In, lj.Out, lj.Kernel, lj.Padding, lj.Groups = l.InChannels, l.OutChannels, l.Kernel, l.Padding, l.Groups
			lj.Weights, lj.Bias = l.Weights, l.Bias
		case LayerBatchNorm:
			lj.Mean, lj.Variance, lj.Scale, lj.Shift, lj.Epsilon = l.Mean, l.Variance, l.Scale, l.Shift, l.Epsilon
		case LayerMaxPool:
			lj.Size = l.Size
		}
		a.Layers[i] = lj
	}
	enc := json.NewEncoder(w)
	return enc.Encode(&a)
}

// WriteFile encodes m to path.
func WriteFile(path string, m *Model) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, m); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func encodePort(p Port) portJSON {
	return portJSON{Name: p.Name, Shape: []int{p.Shape.N, p.Shape.C, p.Shape.H, p.Shape.W}}
}
