package main

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings for the dashboard.
type KeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Tab    key.Binding
	Back   key.Binding
	Reload key.Binding
	Quit   key.Binding
}

// DefaultKeyMap returns the standard dashboard key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "down"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab", "e"),
			key.WithHelp("tab", "switch view"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "tenants"),
		),
		Reload: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reload"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// helpEntries returns the bindings shown in the footer, in display order.
func (k KeyMap) helpEntries() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Tab, k.Reload, k.Quit}
}
