//go:build !nogpu

// Package gpu runs lowered error-prediction networks as WGSL compute kernels
// on a wgpu HAL device.
//
// An Accelerator owns one device and queue, either opened by Init through
// the Vulkan backend or borrowed from a host renderer via SetDeviceProvider.
// Each op kind (conv, affine, relu, maxpool, sigmoid) compiles lazily into
// one compute pipeline that every plan shares.
//
// Build turns a model into a plan: weights and activations live in storage
// buffers allocated once, and Run records every layer into a single command
// buffer, submits it, waits on a fence and copies the metric back into the
// host output buffer. Activations ping-pong between two buffers sized for
// the largest layer.
//
// Kernels are translated to SPIR-V with naga by default; SourceWGSL hands
// the WGSL text to the HAL instead.
package gpu
