package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Download key.Binding
	Pause    key.Binding
	Apply    key.Binding
	Suspend  key.Binding
	Cancel   key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// ShortHelp implements help.KeyMap for the footer
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Download, k.Pause, k.Apply, k.Cancel, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap for the expanded footer
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Download, k.Pause},
		{k.Apply, k.Suspend},
		{k.Cancel, k.Help, k.Quit},
	}
}

func newKeyMap() keyMap {
	return keyMap{
		Download: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "download"),
		),
		Pause: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "pause/resume download"),
		),
		Apply: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "apply"),
		),
		Suspend: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "suspend/resume apply"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "cancel"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "more keys"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
