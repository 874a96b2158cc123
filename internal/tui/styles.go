package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/roelfdiedericks/serialmon/internal/toggle"
)

// Colors
var (
	primaryColor   = lipgloss.Color("39")  // Blue
	secondaryColor = lipgloss.Color("245") // Gray
	errorColor     = lipgloss.Color("196") // Red
	successColor   = lipgloss.Color("82")  // Green
	warningColor   = lipgloss.Color("214") // Orange
)

// Styles
var (
	// Panel borders
	focusedBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)

	unfocusedBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	// Stream lines
	packetStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	sourceTagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")). // Cyan
			Bold(true)

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")) // Light yellow

	metricStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("105")) // Purple

	systemStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	inputPromptStyle = lipgloss.NewStyle().
				Foreground(primaryColor).
				Bold(true)

	// Log level styles
	logDebugStyle = lipgloss.NewStyle().Foreground(secondaryColor)
	logInfoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	logWarnStyle  = lipgloss.NewStyle().Foreground(warningColor)
	logErrorStyle = lipgloss.NewStyle().Foreground(errorColor)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)

	// Channel labels
	openStyle          = statusBarStyle.Foreground(successColor).Bold(true)
	closedStyle        = statusBarStyle.Foreground(secondaryColor).Bold(true)
	transitioningStyle = statusBarStyle.Foreground(warningColor).Bold(true)
)

// channelStyle picks the status bar style for a channel label.
func channelStyle(s toggle.Status) lipgloss.Style {
	switch s {
	case toggle.StatusOpen:
		return openStyle
	case toggle.StatusTransitioning:
		return transitioningStyle
	default:
		return closedStyle
	}
}

// logStyle picks the style for a log line by level name.
func logStyle(level string) lipgloss.Style {
	switch level {
	case "TRACE", "DEBUG":
		return logDebugStyle
	case "WARN":
		return logWarnStyle
	case "ERROR", "FATAL":
		return logErrorStyle
	default:
		return logInfoStyle
	}
}
