package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/vrs"
	"github.com/gogpu/vrs/infer"
	"github.com/gogpu/vrs/rate"
	"github.com/gogpu/vrs/tile"
)

var printer = message.NewPrinter(language.English)

func runPipeline(ctx *cli.Context) error {
	setupLogging(ctx)

	width, height := ctx.Int("width"), ctx.Int("height")
	frames := ctx.Int("frames")
	if frames <= 0 {
		return fmt.Errorf("frames must be positive, got %d", frames)
	}
	precision, err := infer.ParsePrecision(ctx.String("precision"))
	if err != nil {
		return err
	}

	opts := []vrs.Option{
		vrs.WithTileSize(ctx.Int("tile")),
		vrs.WithPrecision(precision),
		vrs.WithMaxError(ctx.Float64("budget")),
		vrs.WithReprojection(!ctx.Bool("no-reprojection")),
	}
	if n := ctx.Int("workers"); n > 0 {
		opts = append(opts, vrs.WithWorkers(n))
	}
	switch b := ctx.String("backend"); b {
	case "auto":
	case "cpu":
		vrs.UnregisterAccelerator()
	case "wgpu":
		a := vrs.RegisteredAccelerator()
		if a == nil {
			return errors.New("wgpu accelerator not available")
		}
		opts = append(opts, vrs.WithBackend(a))
	default:
		return fmt.Errorf("unknown backend %q", b)
	}

	if path := ctx.String("model"); path != "" {
		opts = append(opts, vrs.WithModelPath(path))
	} else {
		m, err := generatedModel(width, height, ctx.Int("tile"))
		if err != nil {
			return err
		}
		opts = append(opts, vrs.WithModel(m))
	}

	p, err := vrs.New(width, height, opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintf(ctx.App.Writer, "grid %s, backend %s, model %s\n", p.Grid(), p.Backend(), p.Model().Name)

	sc := newScene(width, height, ctx.Float64("speed"))
	results := make([]*vrs.Result, 0, frames)
	var last *vrs.Result
	for n := range frames {
		res, err := p.Execute(context.Background(), sc.frame(n))
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		results = append(results, res)
		last = res
	}
	writeStats(ctx.App.Writer, results)

	if out := ctx.String("debug"); out != "" {
		img := vrs.Visualize(last, sc.render, &vrs.VisualizeOptions{Legend: ctx.Bool("legend")})
		if w := ctx.Int("thumbnail"); w > 0 {
			img = vrs.Thumbnail(img, w)
		}
		if err := writePNG(out, img); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "wrote %s\n", out)
	}
	return nil
}

// generatedModel builds a default predictor whose output matches the tile
// grid of a width x height frame.
func generatedModel(width, height, size int) (*infer.Model, error) {
	g, err := tile.NewGrid(width, height, size)
	if err != nil {
		return nil, err
	}
	return infer.NewPredictor(infer.PredictorConfig{
		OutputWidth:  g.Cols,
		OutputHeight: g.Rows,
		Seed:         1,
	})
}

func writeStats(w io.Writer, results []*vrs.Result) {
	header := []string{"frame", "valid"}
	for _, c := range rate.Classes() {
		header = append(header, c.String())
	}
	header = append(header, "saved", "time")

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	var total time.Duration
	for _, res := range results {
		row := []string{
			strconv.FormatUint(res.Frame, 10),
			printer.Sprintf("%d/%d", res.Stats.Valid, res.Stats.Tiles),
		}
		for _, c := range rate.Classes() {
			row = append(row, printer.Sprintf("%d", res.Stats.Count(c)))
		}
		saved := printer.Sprintf("%.1f%%", res.Stats.Reduction*100)
		if res.Degraded {
			saved += " (degraded)"
		}
		row = append(row, saved, res.Timings.Total().Round(time.Microsecond).String())
		table.Append(row)
		total += res.Timings.Total()
	}
	if n := len(results); n > 0 {
		footer := make([]string, len(header))
		footer[0] = "mean"
		footer[len(footer)-1] = (total / time.Duration(n)).Round(time.Microsecond).String()
		table.SetFooter(footer)
	}
	table.Render()
}

func writePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, img)
}
