// Package infer is the inference engine adapter of the VRS pipeline.
//
// It wraps a fixed two-port feed-forward network: one "input" tensor built
// by the tile mapper from reprojected history and G-buffer signals, and one
// "metric" (or "output") tensor holding the predicted perceptual error per
// tile. The network is described by a JSON artifact (see Decode) and
// compiled by a Backend into a Plan bound to a Buffers arena.
//
// # Loading
//
//	eng := infer.NewEngine(cpu.New(nil), infer.PrecisionFP16)
//	if err := eng.Load("models/vrs.json"); err != nil {
//	    // err wraps ErrModelNotFound, ErrModelParse, ErrEngineBuild
//	    // or ErrUnexpectedPortLayout
//	}
//
// # Running
//
//	bufs := eng.Buffers()
//	fill(bufs.Input)
//	if err := eng.Infer(ctx); err != nil { ... }
//	read(bufs.Output)
//
// Every successful load allocates a fresh arena with a higher generation.
// Engine.Check rejects an arena from an earlier generation, so a component
// that cached the previous model's buffers cannot silently write into
// memory the current plan never reads.
package infer
