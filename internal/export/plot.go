package export

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"ble-tracker/internal/geom"
)

// WritePlot renders the track and anchors inside the area to an image file.
// The format follows the file extension.
func WritePlot(filename string, track []Point, area geom.Area, anchors []geom.Point) error {
	p := plot.New()
	p.Title.Text = "Estimated track"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.X.Min, p.X.Max = 0, area.Width
	p.Y.Min, p.Y.Max = 0, area.Height
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(track))
	for i, t := range track {
		pts[i] = plotter.XY{X: t.Position.X, Y: t.Position.Y}
	}
	if len(pts) > 1 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("track line: %w", err)
		}
		line.Color = color.RGBA{B: 200, A: 255}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("track", line)
	}

	if len(pts) > 0 {
		last, err := plotter.NewScatter(pts[len(pts)-1:])
		if err != nil {
			return fmt.Errorf("last estimate: %w", err)
		}
		last.GlyphStyle.Color = color.RGBA{R: 220, A: 255}
		last.GlyphStyle.Radius = vg.Points(4)
		p.Add(last)
		p.Legend.Add("last estimate", last)
	}

	if len(anchors) > 0 {
		xys := make(plotter.XYs, len(anchors))
		for i, a := range anchors {
			xys[i] = plotter.XY{X: a.X, Y: a.Y}
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("anchors: %w", err)
		}
		sc.GlyphStyle.Shape = draw.TriangleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(5)
		p.Add(sc)
		p.Legend.Add("anchors", sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false

	// keep the aspect ratio of the area
	width := 6 * vg.Inch
	height := vg.Length(float64(width) * area.Height / area.Width)
	if err := p.Save(width, height, filename); err != nil {
		return fmt.Errorf("save track plot: %w", err)
	}
	return nil
}
