package infer

import "errors"

// Load errors. Every failure of Engine.Load wraps exactly one of these.
var (
	// ErrModelNotFound indicates the model artifact does not exist.
	ErrModelNotFound = errors.New("infer: model artifact not found")

	// ErrModelParse indicates the artifact cannot be parsed into the fixed
	// network topology.
	ErrModelParse = errors.New("infer: cannot parse model")

	// ErrEngineBuild indicates the backend cannot build an executable plan
	// for the model on its device.
	ErrEngineBuild = errors.New("infer: cannot build engine")

	// ErrUnexpectedPortLayout indicates the network does not expose exactly
	// one "input" port and one "metric" (or "output") port.
	ErrUnexpectedPortLayout = errors.New("infer: unexpected port layout")
)

// Runtime errors.
var (
	// ErrNotLoaded is returned by Infer before a model has been loaded.
	ErrNotLoaded = errors.New("infer: no model loaded")

	// ErrStaleBuffers indicates buffers that belong to an earlier model
	// generation than the one currently loaded.
	ErrStaleBuffers = errors.New("infer: buffers from a previous model generation")
)
