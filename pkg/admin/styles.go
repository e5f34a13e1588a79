package admin

import (
	"github.com/charmbracelet/lipgloss"
)

// styles holds the lipgloss styles of one console. They are bound to the
// console's output so colours are dropped when it is not a terminal.
type styles struct {
	Title  lipgloss.Style
	Muted  lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style

	StatusConnected    lipgloss.Style
	StatusDisconnected lipgloss.Style
	StatusError        lipgloss.Style
	StatusWarning      lipgloss.Style

	HelpKey  lipgloss.Style
	HelpDesc lipgloss.Style
	Border   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) *styles {
	return &styles{
		Title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")), // Purple
		Muted:  r.NewStyle().Foreground(lipgloss.Color("241")),          // Dark gray
		Header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Padding(0, 1),
		Cell:   r.NewStyle().Padding(0, 1),

		StatusConnected:    r.NewStyle().Foreground(lipgloss.Color("86")),             // Green-purple
		StatusDisconnected: r.NewStyle().Foreground(lipgloss.Color("203")),            // Red-pink
		StatusError:        r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true), // Bright red
		StatusWarning:      r.NewStyle().Foreground(lipgloss.Color("226")),            // Yellow

		HelpKey: r.NewStyle().
			Foreground(lipgloss.Color("228")).
			Background(lipgloss.Color("236")).
			Padding(0, 1),

		HelpDesc: r.NewStyle().
			Foreground(lipgloss.Color("243")),

		Border: r.NewStyle().
			Foreground(lipgloss.Color("238")),
	}
}
