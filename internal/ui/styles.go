package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Aman-CERP/vectorsync/internal/search"
)

// Color palette: a single lime accent with status colors.
const (
	ColorLime     = "154" // fresh, headers
	ColorLimeDim  = "106" // partial
	ColorWhite    = "255"
	ColorGray     = "245" // labels
	ColorDarkGray = "238" // separators
	ColorRed      = "196" // degraded, errors
	ColorYellow   = "220" // stale
)

// Styles holds the styles used by the renderers.
type Styles struct {
	Header lipgloss.Style
	Label  lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
	Spark  lipgloss.Style

	Fresh    lipgloss.Style
	Partial  lipgloss.Style
	Stale    lipgloss.Style
	Degraded lipgloss.Style
}

// DefaultStyles returns colored styles for terminals.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorLime)),
		Label:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Error:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Spark:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),

		Fresh:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
		Partial:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLimeDim)),
		Stale:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Degraded: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorRed)),
	}
}

// NoColorStyles returns unstyled components for plain output.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header: plain, Label: plain, Dim: plain, Error: plain, Spark: plain,
		Fresh: plain, Partial: plain, Stale: plain, Degraded: plain,
	}
}

// GetStyles returns the appropriate styles based on color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}

// Status renders a freshness tag in its color.
func (s Styles) Status(st search.Status) string {
	switch st {
	case search.StatusFresh:
		return s.Fresh.Render(string(st))
	case search.StatusPartial:
		return s.Partial.Render(string(st))
	case search.StatusStale:
		return s.Stale.Render(string(st))
	case search.StatusDegraded:
		return s.Degraded.Render(string(st))
	default:
		return string(st)
	}
}
