package toolchain

import (
	"fmt"
	"html"
	"math"
	"os"
	"path/filepath"
	"strings"
)

const PlotDir = "plots"

// WriteBarChart renders a horizontal bar chart to plots/<name>.svg and
// returns its workspace-relative path. Plots are per-workspace side
// artifacts and are not inherited by forks.
func (e *Engine) WriteBarChart(name, title string, labels []string, values []float64) (string, error) {
	if !ValidIdent(name) {
		return "", fmt.Errorf("invalid plot name %q", name)
	}
	if len(labels) != len(values) {
		return "", fmt.Errorf("plot %q: %d labels for %d values", name, len(labels), len(values))
	}
	dir := filepath.Join(e.dir, PlotDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create plot directory: %w", err)
	}

	const (
		width   = 640
		barH    = 24
		gap     = 8
		labelW  = 160
		marginT = 40
	)
	maxAbs := 0.0
	for _, v := range values {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	height := marginT + len(values)*(barH+gap) + gap

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n", width, height, width, height)
	fmt.Fprintf(&b, `  <text x="8" y="24" font-family="sans-serif" font-size="16">%s</text>`+"\n", html.EscapeString(title))
	for i, v := range values {
		y := marginT + i*(barH+gap)
		w := int(math.Abs(v) / maxAbs * float64(width-labelW-80))
		fmt.Fprintf(&b, `  <text x="8" y="%d" font-family="sans-serif" font-size="12">%s</text>`+"\n", y+16, html.EscapeString(labels[i]))
		fmt.Fprintf(&b, `  <rect x="%d" y="%d" width="%d" height="%d" fill="#4c78a8"/>`+"\n", labelW, y, w, barH)
		fmt.Fprintf(&b, `  <text x="%d" y="%d" font-family="sans-serif" font-size="12">%.4g</text>`+"\n", labelW+w+6, y+16, v)
	}
	b.WriteString("</svg>\n")

	rel := filepath.ToSlash(filepath.Join(PlotDir, name+".svg"))
	if err := replaceFile(filepath.Join(e.dir, rel), []byte(b.String())); err != nil {
		return "", err
	}
	return rel, nil
}
