// Command vrs exercises the adaptive shading-rate pipeline on a synthetic
// camera pan, and creates and inspects model artifacts.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vrs:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "vrs"
	app.Usage = "decide per-tile shading rates with a learned error predictor"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable info logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable debug logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "run the pipeline over a synthetic camera pan",
			Description: `
Render a procedural scene panning left to right, feed every frame through the
pipeline and print the per-frame rate distribution. The first frame has no
history, so every tile is shaded at the finest rate.`,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "model, m", Usage: "model artifact (default: generate one for the frame size)"},
				cli.IntFlag{Name: "width", Value: 1920, Usage: "frame width"},
				cli.IntFlag{Name: "height", Value: 1080, Usage: "frame height"},
				cli.IntFlag{Name: "tile", Value: 16, Usage: "tile size in pixels"},
				cli.IntFlag{Name: "frames, n", Value: 8, Usage: "number of frames"},
				cli.Float64Flag{Name: "speed", Value: 3, Usage: "pan speed in pixels per frame"},
				cli.Float64Flag{Name: "budget, b", Value: 1, Usage: "maximum perceptual error per tile (0..2)"},
				cli.BoolFlag{Name: "no-reprojection", Usage: "treat every frame as unseen"},
				cli.StringFlag{Name: "precision", Value: "FP32", Usage: "FP32, FP16 or TF32"},
				cli.StringFlag{Name: "backend", Value: "auto", Usage: "auto, cpu or wgpu"},
				cli.IntFlag{Name: "workers", Usage: "worker goroutines (default GOMAXPROCS)"},
				cli.StringFlag{Name: "debug, d", Usage: "write a debug visualization of the last frame to this PNG"},
				cli.BoolFlag{Name: "legend", Usage: "draw a legend on the debug image"},
				cli.IntFlag{Name: "thumbnail", Usage: "scale the debug image to this width"},
			},
			Action: runPipeline,
		},
		{
			Name:  "model",
			Usage: "write a predictor artifact with generated weights",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out, o", Value: "models/vrs.json", Usage: "artifact path"},
				cli.IntFlag{Name: "width", Value: 1920, Usage: "frame width"},
				cli.IntFlag{Name: "height", Value: 1080, Usage: "frame height"},
				cli.IntFlag{Name: "tile", Value: 16, Usage: "tile size in pixels"},
				cli.IntFlag{Name: "stride", Value: 16, Usage: "network downsampling (power of two, >= 8)"},
				cli.IntFlag{Name: "hidden", Value: 16, Usage: "hidden channel count"},
				cli.IntFlag{Name: "guesses", Value: 2, Usage: "metric channels: 1, 2, 4 or 6"},
				cli.Int64Flag{Name: "seed", Value: 1, Usage: "weight seed"},
			},
			Action: writeModel,
		},
		{
			Name:      "inspect",
			Usage:     "print the ports and layers of an artifact",
			ArgsUsage: "model.json",
			Action:    inspectModel,
		},
	}
	return app
}
