// Package tui provides the terminal progress view shown while files are
// transferred from the camera.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	colorAccent = lipgloss.Color("#E07A1F")
	colorDone   = lipgloss.Color("#4C9A2A")
	colorFailed = lipgloss.Color("#C8372D")
	colorBar    = lipgloss.Color("#2F7FB5")
	colorDim    = lipgloss.Color("#808080")
)

const (
	symbolSuccess = "✓"
	symbolError   = "✗"
	symbolArrow   = "→"
)

// theme holds the styles of the progress view.
type theme struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Help    lipgloss.Style
}

func defaultTheme() *theme {
	return &theme{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent).MarginBottom(1),
		Success: lipgloss.NewStyle().Foreground(colorDone),
		Error:   lipgloss.NewStyle().Foreground(colorFailed),
		Info:    lipgloss.NewStyle().Foreground(colorBar),
		Muted:   lipgloss.NewStyle().Foreground(colorDim),
		Help:    lipgloss.NewStyle().Foreground(colorDim).Italic(true),
	}
}

// FormatBytes formats a byte count with binary units.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats d for the status line, e.g. "850ms", "4.2s" or
// "3m12s".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
