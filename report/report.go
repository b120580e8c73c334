// Package report renders recorded performance curves as images.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/n0madic/go-online-rls/recorder"
)

// Series is one named curve.
type Series struct {
	Name   string
	Points []recorder.Point
}

// PlotPerformance draws every series on one set of axes and saves it to path.
// The image format follows the file extension (png, svg, pdf, ...).
func PlotPerformance(series []Series, title, path string) error {
	if len(series) == 0 {
		return errors.New("no series to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = "Normalized MSE"
	p.Add(plotter.NewGrid())

	plotted := 0
	for i, s := range series {
		if len(s.Points) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.Points))
		for j, pt := range s.Points {
			pts[j] = plotter.XY{X: float64(pt.Step), Y: pt.Value}
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("series %q: %w", s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.Name, line)
		plotted++
	}
	if plotted == 0 {
		return errors.New("all series are empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}
