package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var graphBlocks = []string{" ", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// graphScale returns the axis maximum for samples: 10% headroom, rounded up
// to a multiple of 5 above 5 and to a whole number above 1.
func graphScale(samples []float64) float64 {
	maxVal := 1.0
	for _, v := range samples {
		if v > maxVal {
			maxVal = v
		}
	}
	maxVal *= 1.1
	switch {
	case maxVal >= 5:
		return float64(int((maxVal+4.99)/5) * 5)
	case maxVal >= 1:
		return float64(int(maxVal + 0.99))
	}
	return maxVal
}

// renderBars draws samples right-aligned on a dashed grid, one column per
// sample, newest on the right.
func renderBars(samples []float64, width, height int, maxVal float64, color lipgloss.Color) string {
	if width < 1 || height < 1 {
		return ""
	}
	gridStyle := lipgloss.NewStyle().Foreground(ColorGray)
	barStyle := lipgloss.NewStyle().Foreground(color)

	rows := make([][]string, height)
	for y := range rows {
		rows[y] = make([]string, width)
		for x := range rows[y] {
			if y%2 == 0 {
				rows[y][x] = gridStyle.Render("╌")
			} else {
				rows[y][x] = " "
			}
		}
	}

	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}
	offset := width - len(samples)

	for i, v := range samples {
		if v <= 0 {
			continue
		}
		frac := v / maxVal
		if frac > 1 {
			frac = 1
		}
		eighths := frac * float64(height) * 8
		for level := 0; level < height; level++ {
			fill := eighths - float64(level*8)
			if fill <= 0 {
				break
			}
			block := "█"
			if fill < 8 {
				block = graphBlocks[int(fill)]
			}
			rows[height-1-level][offset+i] = barStyle.Render(block)
		}
	}

	lines := make([]string, height)
	for y, row := range rows {
		lines[y] = strings.Join(row, "")
	}
	return strings.Join(lines, "\n")
}

// renderThroughputGraph draws the MB/s history with a value axis on the left.
func renderThroughputGraph(samples []float64, width, height int) string {
	graphWidth := width - AxisWidth - 1
	if graphWidth < 10 || height < 2 {
		return ""
	}
	maxVal := graphScale(samples)

	axisStyle := lipgloss.NewStyle().Width(AxisWidth).Foreground(ColorGray).Align(lipgloss.Right)
	labels := make([]string, height)
	labels[0] = fmt.Sprintf("%.0f", maxVal)
	labels[height-1] = "0"
	if height >= 5 {
		labels[height/2] = fmt.Sprintf("%.1f", maxVal/2)
	}
	for i, l := range labels {
		labels[i] = axisStyle.Render(l)
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		strings.Join(labels, "\n"),
		lipgloss.NewStyle().MarginLeft(1).Render(renderBars(samples, graphWidth, height, maxVal, ColorSecondary)),
	)
}
