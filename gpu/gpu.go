//go:build !nogpu

// Package gpu registers the wgpu compute accelerator for inference.
//
// Import it for its side effect:
//
//	import _ "github.com/gogpu/vrs/gpu"
//
// The accelerator opens a Vulkan device through wgpu/hal and runs every
// network layer as a WGSL compute kernel. If no device is available the
// registration is skipped with a warning and pipelines use the CPU. Build
// with -tags nogpu to leave it out entirely.
package gpu

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/vrs"
	gpuimpl "github.com/gogpu/vrs/internal/gpu"
)

func init() {
	if err := vrs.RegisterAccelerator(gpuimpl.New()); err != nil {
		vrs.Logger().Warn("gpu: inference accelerator not available", "err", err)
	}
}

// SetDeviceProvider makes the accelerator share the host renderer's device
// and queue, so inference and rendering run on the same device. Call it
// before creating pipelines; plans built earlier keep the old device.
func SetDeviceProvider(provider gpucontext.DeviceProvider) error {
	return vrs.SetAcceleratorDeviceProvider(provider)
}
