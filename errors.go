package vrs

import (
	"errors"
	"fmt"

	"github.com/gogpu/vrs/policy"
)

var (
	// ErrNotReady is returned by Execute when no model is loaded.
	ErrNotReady = errors.New("vrs: pipeline not ready")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vrs: pipeline closed")

	// ErrInvalidFrame indicates frame data that does not match the pipeline.
	ErrInvalidFrame = errors.New("vrs: invalid frame")

	// ErrInvalidBudget indicates a NaN or negative error budget.
	ErrInvalidBudget = policy.ErrInvalidBudget
)

// ConfigurationError reports a model or geometry problem found while
// building or reloading a pipeline. The pipeline is left Uninitialized.
//
// Err wraps one of the infer load errors (ErrModelNotFound, ErrModelParse,
// ErrEngineBuild, ErrUnexpectedPortLayout) or a tile geometry error.
type ConfigurationError struct {
	Model string // artifact path or model name
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("vrs: configuration: %v", e.Err)
	}
	return fmt.Sprintf("vrs: configuration: model %q: %v", e.Model, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DeviceError reports an inference failure on the compute device.
//
// By default Execute does not return it: the frame falls back to the finest
// rate everywhere and the error is recorded in Result.Cause. With
// WithStrictDeviceErrors it is returned instead.
type DeviceError struct {
	Backend string
	Frame   uint64
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("vrs: device %s: frame %d: %v", e.Backend, e.Frame, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
