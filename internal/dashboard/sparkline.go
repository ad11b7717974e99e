package dashboard

import (
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const sparklineBlocks = "▁▂▃▄▅▆▇█"

var sparklineBlockRunes = []rune(sparklineBlocks)

// renderSparkline draws data in width columns. position maps a sample to its
// place in the item's configured range, 0 at the bottom and 1 at the top.
// When there are more samples than columns each column shows the mean
// position of its share of samples. frac is the slider position of the
// newest sample and picks the color.
func renderSparkline(data []int64, width int, position func(int64) float64, frac float64) string {
	if len(data) == 0 || width <= 0 || position == nil {
		return ""
	}
	cols := min(len(data), width)

	var sb strings.Builder
	sb.Grow(cols * 3)
	top := float64(len(sparklineBlockRunes) - 1)
	for c := 0; c < cols; c++ {
		lo := c * len(data) / cols
		hi := (c + 1) * len(data) / cols
		sum := 0.0
		for _, v := range data[lo:hi] {
			sum += position(v)
		}
		p := sum / float64(hi-lo)
		if math.IsNaN(p) {
			p = 0
		}
		level := int(math.Round(min(max(p, 0), 1) * top))
		sb.WriteRune(sparklineBlockRunes[level])
	}

	return lipgloss.NewStyle().Foreground(fractionColor(frac)).Render(sb.String())
}

// fractionColor warns when a value sits near either end of its range.
func fractionColor(frac float64) lipgloss.Color {
	switch {
	case frac <= 0.05 || frac >= 0.95:
		return colorError
	case frac <= 0.15 || frac >= 0.85:
		return colorWarning
	default:
		return colorSuccess
	}
}
