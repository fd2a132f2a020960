package console

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
	colorWhite  = lipgloss.Color("#FFFFFF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	recordingStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	previewStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	idleStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)
)

// bandStyles colors the alertness band.
var bandStyles = map[string]lipgloss.Style{
	"normal":      lipgloss.NewStyle().Foreground(colorGreen).Bold(true),
	"caution":     lipgloss.NewStyle().Foreground(colorYellow).Bold(true),
	"alert":       lipgloss.NewStyle().Foreground(colorRed).Bold(true),
	"unavailable": lipgloss.NewStyle().Foreground(colorGray),
}
