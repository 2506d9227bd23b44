package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"

	"github.com/gogpu/vrs/infer"
	"github.com/gogpu/vrs/tile"
)

func writeModel(ctx *cli.Context) error {
	setupLogging(ctx)

	g, err := tile.NewGrid(ctx.Int("width"), ctx.Int("height"), ctx.Int("tile"))
	if err != nil {
		return err
	}
	m, err := infer.NewPredictor(infer.PredictorConfig{
		Width:        ctx.Int("hidden"),
		Stride:       ctx.Int("stride"),
		Guesses:      ctx.Int("guesses"),
		OutputWidth:  g.Cols,
		OutputHeight: g.Rows,
		Seed:         uint64(ctx.Int64("seed")),
	})
	if err != nil {
		return err
	}

	out := ctx.String("out")
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := infer.WriteFile(out, m); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "wrote %s: %s, input %s, output %s\n", out, m.Name, m.Input.Shape, m.Output.Shape)
	return nil
}
