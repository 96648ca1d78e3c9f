package main

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic data refresh from the coordination database.
type tickMsg time.Time

// snapshotMsg carries a fresh database snapshot.
// nil means the database is unreachable.
type snapshotMsg *Snapshot

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshotCmd returns a tea.Cmd that reads the coordination database.
func fetchSnapshotCmd(dbPath string) tea.Cmd {
	return func() tea.Msg {
		snap, _ := FetchSnapshot(context.Background(), dbPath)
		return snapshotMsg(snap)
	}
}

// ViewType represents different views in the dashboard.
type ViewType int

const (
	// TenantsView shows per-tenant ownership and queue state.
	TenantsView ViewType = iota
	// EventsView shows the recent event tail.
	EventsView
)

// Model is the Bubble Tea model for the foreman dashboard.
type Model struct {
	dbPath     string
	activeView ViewType
	dbHealthy  bool
	snap       *Snapshot

	// UI state
	width  int
	height int
	cursor int

	keys   KeyMap
	theme  Theme
	styles Styles
}

// newModel creates a new Model initialized with TenantsView active.
func newModel(dbPath string) Model {
	theme := DefaultTheme()
	return Model{
		dbPath: dbPath,
		keys:   DefaultKeyMap(),
		theme:  theme,
		styles: DefaultStyles(theme),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchSnapshotCmd(m.dbPath), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		if msg == nil {
			m.dbHealthy = false
		} else {
			m.dbHealthy = true
			m.snap = (*Snapshot)(msg)
			m.cursor = m.clampCursor(m.cursor)
		}

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.dbPath), tickCmd())
	}

	return m, nil
}

// handleKeyPress processes keyboard input and returns updated model with optional command.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Tab):
		if m.activeView == TenantsView {
			m.activeView = EventsView
		} else {
			m.activeView = TenantsView
		}
		m.cursor = 0
	case key.Matches(msg, m.keys.Back):
		m.activeView = TenantsView
		m.cursor = 0
	case key.Matches(msg, m.keys.Up):
		m.cursor = m.clampCursor(m.cursor - 1)
	case key.Matches(msg, m.keys.Down):
		m.cursor = m.clampCursor(m.cursor + 1)
	case key.Matches(msg, m.keys.Reload):
		return m, fetchSnapshotCmd(m.dbPath)
	}
	return m, nil
}

// clampCursor bounds the cursor to the active view's row count.
func (m Model) clampCursor(c int) int {
	n := 0
	if m.snap != nil {
		if m.activeView == TenantsView {
			n = len(m.snap.Tenants)
		} else {
			n = len(m.snap.Events)
		}
	}
	if n == 0 {
		return 0
	}
	if c < 0 {
		return 0
	}
	if c >= n {
		return n - 1
	}
	return c
}

// View implements tea.Model.
func (m Model) View() string {
	header := m.renderStatusBar()
	var body string
	switch m.activeView {
	case EventsView:
		body = renderEvents(m.snap, m.cursor, m.styles)
	default:
		body = renderTenantsTable(m.snap, m.cursor, m.theme, m.styles)
	}
	footer := renderHelp(m.keys, m.styles)
	return header + "\n\n" + body + "\n" + footer
}

// renderStatusBar renders the top line: db health plus aggregate counts.
func (m Model) renderStatusBar() string {
	title := m.styles.Title.Render("foreman")
	if !m.dbHealthy {
		return title + "  " + m.styles.Bad.Render("db offline")
	}
	if m.snap == nil {
		return title + "  " + m.styles.Muted.Render("loading...")
	}
	owned := 0
	for _, t := range m.snap.Tenants {
		if t.Live {
			owned++
		}
	}
	parts := []string{
		renderCount("tenants", len(m.snap.Tenants), m.styles.StatusBar),
		renderCount("owned", owned, m.styles.Good),
		renderCount("pool", m.snap.PoolDepth, m.styles.Warn),
		renderCount("dead", m.snap.DeadDepth, m.styles.Bad),
	}
	out := title
	for _, p := range parts {
		out += "  " + p
	}
	return out
}
