package vrs

import (
	"errors"
	"sync"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/vrs/infer"
)

// Accelerator is an optional inference backend running on a compute device.
//
// Implementations live in backend packages and register themselves on
// import:
//
//	import _ "github.com/gogpu/vrs/gpu"
type Accelerator interface {
	infer.Backend

	// Init acquires device resources. Called once during registration.
	Init() error

	// Close releases device resources.
	Close()
}

// DeviceProviderAware is implemented by accelerators that can share a
// device owned by the host renderer instead of opening their own.
type DeviceProviderAware interface {
	SetDeviceProvider(provider any) error
}

var (
	accelMu sync.RWMutex
	accel   Accelerator
)

// RegisterAccelerator makes a the backend for pipelines created without
// WithBackend. Init is called first; if it fails, a is not registered and
// the error is returned. A previously registered accelerator is closed.
func RegisterAccelerator(a Accelerator) error {
	if a == nil {
		return errors.New("vrs: accelerator must not be nil")
	}
	if err := a.Init(); err != nil {
		return err
	}
	propagateLogger(a, Logger())

	accelMu.Lock()
	old := accel
	accel = a
	accelMu.Unlock()
	if old != nil && old != a {
		old.Close()
	}
	return nil
}

// RegisteredAccelerator returns the registered accelerator, or nil.
func RegisteredAccelerator() Accelerator {
	accelMu.RLock()
	a := accel
	accelMu.RUnlock()
	return a
}

// UnregisterAccelerator closes and removes the registered accelerator.
// Pipelines already using it must be closed first.
func UnregisterAccelerator() {
	accelMu.Lock()
	a := accel
	accel = nil
	accelMu.Unlock()
	if a != nil {
		a.Close()
	}
}

// SetAcceleratorDeviceProvider hands the host's device to the registered
// accelerator so inference shares the renderer's device and queue. It is a
// no-op without an accelerator or when the accelerator cannot share.
//
// The provider must also expose HalDevice() any and HalQueue() any, as
// gogpu providers do.
func SetAcceleratorDeviceProvider(provider gpucontext.DeviceProvider) error {
	a := RegisteredAccelerator()
	if a == nil || provider == nil {
		return nil
	}
	if dpa, ok := a.(DeviceProviderAware); ok {
		return dpa.SetDeviceProvider(provider)
	}
	return nil
}
