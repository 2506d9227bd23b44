// Package vrs decides per-tile shading rates for variable-rate shading.
//
// # Overview
//
// Each frame, a [Pipeline] chooses how coarsely every screen tile of the
// next frame may be shaded while keeping predicted perceptual error under a
// user budget. It fuses three stages:
//
//   - temporal reprojection of the previous frame's shading into the
//     current view using inverse motion (package history)
//   - a small convolutional network predicting per-tile perceptual error
//     from reprojected and current G-buffer signals (package infer)
//   - a policy mapping predicted error to one of seven rate classes
//     (packages policy and rate)
//
// The result is a per-pixel and a per-tile rate texture in the D3D12
// shading-rate encoding, ready to be bound as a rasterizer control input.
//
// # Quick Start
//
//	p, err := vrs.New(1920, 1080, vrs.WithModelPath("models/vrs.json"))
//	if err != nil {
//	    log.Fatal(err) // *vrs.ConfigurationError
//	}
//	defer p.Close()
//
//	res, err := p.Execute(ctx, vrs.Frame{Signal: sig, Motion: mv, View: view})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	upload(res.Tiles.Pix) // one byte per 16x16 tile
//
// # Stages
//
// Execute runs Gathering, Reprojecting, Downsampling, Inferring, Selecting
// and Emitting strictly in order. Only one frame is in flight at a time;
// the history buffer holds exactly one previous frame.
//
// Tiles without valid history (the first frame, disocclusions, resized
// frames) always get the finest rate. Disabling reprojection through
// [Pipeline.SetUseReprojection] treats the whole screen as unseen.
//
// # Acceleration
//
// Inference runs on the CPU by default. Importing the gpu package registers
// a wgpu compute accelerator:
//
//	import _ "github.com/gogpu/vrs/gpu"
//
// If the accelerator cannot build a plan for the model, the pipeline falls
// back to the CPU backend with a warning.
//
// # Logging
//
// The package is silent by default. See [SetLogger].
package vrs
