package l4bundle

import (
	"fmt"
	"image/color"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/mocap/internal/security"
)

// PlotCostHistory writes a PNG of the cost history (log10 scale) to
// outputDir/name and returns the file path.
func PlotCostHistory(history []float64, outputDir, name string) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("empty cost history")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create plot dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Bundle adjustment cost"
	p.X.Label.Text = "accepted step"
	p.Y.Label.Text = "log10(sum squared reprojection error, px²)"

	pts := make(plotter.XYs, 0, len(history))
	for i, c := range history {
		pts = append(pts, plotter.XY{X: float64(i), Y: math.Log10(math.Max(c, 1e-300))})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return "", fmt.Errorf("failed to build cost line: %w", err)
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line, plotter.NewGrid())

	path, err := security.JoinWithin(outputDir, security.SanitizeFilename(name))
	if err != nil {
		return "", err
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return "", fmt.Errorf("failed to save cost plot: %w", err)
	}
	diagf("bundle: cost plot written to %s", path)
	return path, nil
}
