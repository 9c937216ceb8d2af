package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/tunnelctl/controller"
)

var (
	colorAccent = lipgloss.Color("#A8D8EA")
	colorMuted  = lipgloss.Color("#6c757d")
	colorGood   = lipgloss.Color("#4ECDC4")
	colorBad    = lipgloss.Color("#FF6B6B")
	colorWarn   = lipgloss.Color("#FFE66D")

	styleGood  = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleBad   = lipgloss.NewStyle().Foreground(colorBad).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)

	styleTitle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)

	styleCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)

	styleHelp = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// stateStyle picks the color of a controller state.
func stateStyle(s controller.State) lipgloss.Style {
	switch s {
	case controller.StateOn:
		return styleGood
	case controller.StateOff:
		return styleBad
	default:
		return styleWarn
	}
}

func healthStyle(h controller.Health) lipgloss.Style {
	switch h {
	case controller.HealthStable:
		return styleGood
	case controller.HealthUnstable:
		return styleWarn
	case controller.HealthNoSignal:
		return styleBad
	default:
		return styleMuted
	}
}

func (c *CLI) good(s string) string {
	if !c.color {
		return s
	}
	return styleGood.Render(s)
}

func (c *CLI) state(s controller.State) string {
	if !c.color {
		return s.String()
	}
	return stateStyle(s).Render(s.String())
}
