package vrs

import (
	"runtime"

	"github.com/gogpu/vrs/infer"
)

// DefaultModelPath is the artifact loaded when no model is configured.
const DefaultModelPath = "models/vrs.json"

// DefaultTileSize is the shading-rate image granularity in pixels.
const DefaultTileSize = 16

// Option configures a Pipeline during creation.
//
// Example:
//
//	p, err := vrs.New(1920, 1080,
//	    vrs.WithModelPath("models/vrs.json"),
//	    vrs.WithMaxError(0.5),
//	)
type Option func(*options)

type options struct {
	modelPath string
	model     *infer.Model
	tileSize  int
	backend   infer.Backend
	precision infer.Precision
	workers   int
	threshold float64
	strict    bool
	settings  Settings
}

func defaultOptions() options {
	return options{
		modelPath: DefaultModelPath,
		tileSize:  DefaultTileSize,
		precision: infer.PrecisionFP32,
		threshold: 1,
		settings:  DefaultSettings(),
	}
}

// normalizeOptions fills zero values left by options with defaults.
func normalizeOptions(o *options) {
	if o.modelPath == "" {
		o.modelPath = DefaultModelPath
	}
	if o.tileSize <= 0 {
		o.tileSize = DefaultTileSize
	}
	if o.workers <= 0 {
		o.workers = runtime.GOMAXPROCS(0)
	}
}

// WithModelPath sets the model artifact to load. The path is fixed for the
// pipeline's lifetime; use Pipeline.Load to switch models.
func WithModelPath(path string) Option {
	return func(o *options) {
		o.modelPath = path
	}
}

// WithModel uses an in-memory model instead of reading an artifact.
func WithModel(m *infer.Model) Option {
	return func(o *options) {
		o.model = m
	}
}

// WithTileSize sets the tile edge in pixels (typically 8, 16 or 32).
func WithTileSize(size int) Option {
	return func(o *options) {
		o.tileSize = size
	}
}

// WithBackend forces an inference backend. Without it the registered
// accelerator is used when present, else the CPU. A forced backend never
// falls back.
func WithBackend(b infer.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithPrecision sets the numeric precision of inference.
func WithPrecision(p infer.Precision) Option {
	return func(o *options) {
		o.precision = p
	}
}

// WithWorkers sets the worker count used for per-stage parallelism.
// Defaults to GOMAXPROCS. 1 runs every stage serially.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithValidityThreshold sets the fraction of pixels in a tile that need
// valid history for the tile to be trusted. Default 1: any disoccluded
// pixel forces the finest rate.
func WithValidityThreshold(f float64) Option {
	return func(o *options) {
		o.threshold = f
	}
}

// WithStrictDeviceErrors makes Execute return *DeviceError instead of
// emitting an all-finest frame.
func WithStrictDeviceErrors() Option {
	return func(o *options) {
		o.strict = true
	}
}

// WithMaxError sets the initial error budget. Default 1.
func WithMaxError(v float64) Option {
	return func(o *options) {
		o.settings.MaxError = v
	}
}

// WithReprojection sets whether history is used. Default true.
func WithReprojection(enabled bool) Option {
	return func(o *options) {
		o.settings.UseReprojection = enabled
	}
}

// WithPredictUnseen trusts predictions for tiles without history instead
// of forcing them to the finest rate. Intended for evaluating the model.
func WithPredictUnseen(enabled bool) Option {
	return func(o *options) {
		o.settings.PredictUnseen = enabled
	}
}
