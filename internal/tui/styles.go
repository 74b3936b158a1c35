package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/user/deskmate/internal/types"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badgeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("11")).Padding(0, 1)
	inputStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("12")).Padding(0, 1)
)

// connectionIndicator renders the status dot shown in the header.
func connectionIndicator(state types.ConnectionState) string {
	switch state {
	case types.ConnConnected:
		return okStyle.Render("● connected")
	case types.ConnDegraded:
		return warnStyle.Render("● degraded")
	case types.ConnConnecting, types.ConnReconnecting:
		return warnStyle.Render("○ " + string(state))
	case types.ConnOffline:
		return errorStyle.Render("● offline")
	default:
		return mutedStyle.Render("○ " + string(state))
	}
}
