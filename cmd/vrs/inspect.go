package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gogpu/vrs/infer"
)

func inspectModel(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return errors.New("inspect: missing model path")
	}
	m, err := infer.ReadFile(path)
	if err != nil {
		return err
	}
	stride, err := m.Stride()
	if err != nil {
		return err
	}

	w := ctx.App.Writer
	fmt.Fprintf(w, "model    %s\n", m.Name)
	fmt.Fprintf(w, "input    %s %s\n", m.Input.Name, m.Input.Shape)
	fmt.Fprintf(w, "output   %s %s\n", m.Output.Name, m.Output.Shape)
	fmt.Fprintf(w, "stride   %d\n", stride)
	fmt.Fprintf(w, "channels %s\n", strings.Join(m.Channels, ", "))
	fmt.Fprintf(w, "metric   %s\n", describeTransform(m.Transform))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "layer", "in", "out", "kernel", "groups", "params"})
	params := 0
	for i, l := range m.Layers {
		n := len(l.Weights) + len(l.Bias) + len(l.Mean) + len(l.Variance) + len(l.Scale) + len(l.Shift)
		params += n
		row := []string{strconv.Itoa(i), l.Kind.String(), "", "", "", "", printer.Sprintf("%d", n)}
		switch l.Kind {
		case infer.LayerConv:
			row[2], row[3] = strconv.Itoa(l.InChannels), strconv.Itoa(l.OutChannels)
			row[4], row[5] = strconv.Itoa(l.Kernel), strconv.Itoa(max(l.Groups, 1))
		case infer.LayerMaxPool:
			row[4] = strconv.Itoa(l.Size)
		}
		table.Append(row)
	}
	table.SetFooter([]string{"", "", "", "", "", "total", printer.Sprintf("%d", params)})
	table.Render()
	return nil
}

func describeTransform(t infer.Transform) string {
	switch t.Kind {
	case infer.TransformLogit:
		return fmt.Sprintf("logit growth=%g mid=%g", t.Growth, t.Mid)
	default:
		return fmt.Sprintf("%s factor=%g offset=%g", t.Kind, t.Factor, t.Offset)
	}
}
