package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the foreman dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for foreman-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Styles holds the prebuilt lipgloss styles derived from a Theme.
type Styles struct {
	Title     lipgloss.Style
	StatusBar lipgloss.Style
	Col       lipgloss.Style
	Muted     lipgloss.Style
	Good      lipgloss.Style
	Warn      lipgloss.Style
	Bad       lipgloss.Style
	HelpLine  lipgloss.Style
}

// DefaultStyles builds the style set for a theme.
func DefaultStyles(theme Theme) Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		StatusBar: lipgloss.NewStyle().Foreground(theme.Secondary),
		Col:       lipgloss.NewStyle(),
		Muted:     lipgloss.NewStyle().Foreground(theme.Muted),
		Good:      lipgloss.NewStyle().Foreground(theme.Success),
		Warn:      lipgloss.NewStyle().Foreground(theme.Warning),
		Bad:       lipgloss.NewStyle().Foreground(theme.Error),
		HelpLine:  lipgloss.NewStyle().Foreground(theme.Muted),
	}
}
