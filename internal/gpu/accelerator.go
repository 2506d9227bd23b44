//go:build !nogpu

package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vrs/infer"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// ErrNoDevice indicates that no GPU device is available to build plans on.
var ErrNoDevice = errors.New("gpu: no device")

// ShaderSource selects how kernels are handed to the device.
type ShaderSource int

const (
	// SourceWGSL passes WGSL text and lets the HAL translate it.
	SourceWGSL ShaderSource = iota

	// SourceSPIRV compiles WGSL with naga first and passes SPIR-V words.
	SourceSPIRV
)

// String returns the source name.
func (s ShaderSource) String() string {
	switch s {
	case SourceWGSL:
		return "WGSL"
	case SourceSPIRV:
		return "SPIR-V"
	default:
		return "Unknown"
	}
}

// Accelerator runs inference plans as wgpu/hal compute dispatches.
//
// It either brings up its own Vulkan device (Init) or borrows one from a
// host renderer (NewWithDevice, SetDeviceProvider). A borrowed device is
// never destroyed by Close.
type Accelerator struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	source   ShaderSource
	adapter  string

	layout     hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	kernels    map[infer.OpKind]*kernel

	log *slog.Logger
}

type kernel struct {
	module   hal.ShaderModule
	pipeline hal.ComputePipeline
}

var _ infer.Backend = (*Accelerator)(nil)

// New returns an accelerator without a device. Call Init or
// SetDeviceProvider before building plans.
func New() *Accelerator {
	return &Accelerator{source: SourceSPIRV, log: slog.New(slog.DiscardHandler)}
}

// NewWithDevice returns an accelerator on an existing device and queue.
func NewWithDevice(device hal.Device, queue hal.Queue, source ShaderSource) *Accelerator {
	return &Accelerator{
		device:   device,
		queue:    queue,
		external: true,
		source:   source,
		adapter:  "external",
		log:      slog.New(slog.DiscardHandler),
	}
}

// Name returns "wgpu".
func (a *Accelerator) Name() string { return "wgpu" }

// SetLogger sets the logger for device and plan diagnostics.
func (a *Accelerator) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	a.mu.Lock()
	a.log = l
	a.mu.Unlock()
}

// Init opens a Vulkan device, preferring discrete then integrated GPUs.
// It is a no-op when a device is already attached.
func (a *Accelerator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device != nil {
		return nil
	}

	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan backend not available", ErrNoDevice)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("%w: no GPU adapters found", ErrNoDevice)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		for i := range adapters {
			if adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
				selected = &adapters[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("open device: %w", err)
	}
	a.instance = instance
	a.device = openDev.Device
	a.queue = openDev.Queue
	a.adapter = selected.Info.Name
	a.log.Info("gpu: inference device opened", "adapter", a.adapter, "shaders", a.source.String())
	return nil
}

// SetDeviceProvider switches the accelerator to a shared device. The
// provider must implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue, as gpucontext.DeviceProvider implementations
// from gogpu do.
func (a *Accelerator) SetDeviceProvider(provider any) error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return fmt.Errorf("gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("gpu: provider HalQueue is not hal.Queue")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
	a.device, a.queue = device, queue
	a.external = true
	a.adapter = "shared"
	a.log.Info("gpu: switched to shared device")
	return nil
}

// Adapter returns the name of the adapter in use.
func (a *Accelerator) Adapter() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adapter
}

// Close destroys cached pipelines and, unless borrowed, the device.
// Plans built earlier must be released first.
func (a *Accelerator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
	a.external = false
}

func (a *Accelerator) releaseLocked() {
	a.destroyKernels()
	if !a.external {
		if a.device != nil {
			a.device.Destroy()
		}
		if a.instance != nil {
			a.instance.Destroy()
		}
	}
	a.device, a.queue, a.instance = nil, nil, nil
}

// ensureKernels creates the shared layouts and one pipeline per op kind
// used by ops. Caller holds a.mu.
func (a *Accelerator) ensureKernels(ops []infer.Op) error {
	if a.layout == nil {
		layout, err := a.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label: "vrs_infer_bind_layout",
			Entries: []gputypes.BindGroupLayoutEntry{
				{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
				{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
				{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
				{Binding: 3, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			},
		})
		if err != nil {
			return fmt.Errorf("create bind group layout: %w", err)
		}
		a.layout = layout
	}
	if a.pipeLayout == nil {
		pl, err := a.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label: "vrs_infer_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{a.layout},
		})
		if err != nil {
			return fmt.Errorf("create pipeline layout: %w", err)
		}
		a.pipeLayout = pl
	}
	if a.kernels == nil {
		a.kernels = make(map[infer.OpKind]*kernel)
	}
	for _, op := range ops {
		if _, ok := a.kernels[op.Kind]; ok {
			continue
		}
		k, err := a.createKernel(op.Kind)
		if err != nil {
			return err
		}
		a.kernels[op.Kind] = k
	}
	return nil
}

func (a *Accelerator) createKernel(kind infer.OpKind) (*kernel, error) {
	src, err := kernelSource(kind)
	if err != nil {
		return nil, err
	}
	label := "vrs_" + kind.String()
	desc := &hal.ShaderModuleDescriptor{Label: label}
	if a.source == SourceSPIRV {
		words, err := compileSPIRV(src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		desc.Source = hal.ShaderSource{SPIRV: words}
	} else {
		desc.Source = hal.ShaderSource{WGSL: src}
	}
	module, err := a.device.CreateShaderModule(desc)
	if err != nil {
		return nil, fmt.Errorf("create %s shader: %w", label, err)
	}
	pipeline, err := a.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   label + "_pipeline",
		Layout:  a.pipeLayout,
		Compute: hal.ComputeState{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		a.device.DestroyShaderModule(module)
		return nil, fmt.Errorf("create %s pipeline: %w", label, err)
	}
	a.log.Debug("gpu: kernel created", "op", kind.String())
	return &kernel{module: module, pipeline: pipeline}, nil
}

func (a *Accelerator) destroyKernels() {
	if a.device == nil {
		return
	}
	for kind, k := range a.kernels {
		a.device.DestroyComputePipeline(k.pipeline)
		a.device.DestroyShaderModule(k.module)
		delete(a.kernels, kind)
	}
	if a.pipeLayout != nil {
		a.device.DestroyPipelineLayout(a.pipeLayout)
		a.pipeLayout = nil
	}
	if a.layout != nil {
		a.device.DestroyBindGroupLayout(a.layout)
		a.layout = nil
	}
}
