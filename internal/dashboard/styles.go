package dashboard

import "github.com/charmbracelet/lipgloss"

// ANSI palette, so the dashboard follows the terminal theme.
const (
	colorSuccess lipgloss.Color = "2"
	colorError   lipgloss.Color = "1"
	colorWarning lipgloss.Color = "3"
	colorInfo    lipgloss.Color = "6"
	colorMuted   lipgloss.Color = "8"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)

	groupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)

	groupTitleStyle = lipgloss.NewStyle().Bold(true)

	selectedStyle = lipgloss.NewStyle().Reverse(true)

	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

	errorStyle = lipgloss.NewStyle().Foreground(colorError)
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "connected":
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case "connecting", "reconnecting":
		return lipgloss.NewStyle().Foreground(colorWarning)
	case "failed":
		return errorStyle
	default:
		return mutedStyle
	}
}
