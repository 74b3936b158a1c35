// Package tui is the terminal client: a bubbletea program rendering
// session snapshots with an input line.
package tui

import (
	"context"
	"errors"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/deskmate/internal/session"
	"github.com/user/deskmate/internal/types"
)

// Engine is the part of the session the terminal client drives.
type Engine interface {
	Send(text string, attachments []types.Attachment, opts ...session.SendOption) (types.ClientID, error)
	Cancel()
	Retry()
	Unqueue(clientID types.ClientID)
	Snapshot() *session.Snapshot
	Subscribe(cb func(*session.Snapshot)) func()
}

// snapshotMsg carries a newly published snapshot into the program.
type snapshotMsg struct{ snap *session.Snapshot }

type Model struct {
	engine  Engine
	updates chan *session.Snapshot
	unsub   func()

	snap     *session.Snapshot
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	width    int
	height   int
	notice   string
	quitting bool
}

// NewModel subscribes to engine. Call Close when the program exits.
func NewModel(engine Engine) *Model {
	ti := textinput.New()
	ti.Placeholder = "Message deskmate…"
	ti.CharLimit = 8000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		engine:   engine,
		updates:  make(chan *session.Snapshot, 1),
		snap:     engine.Snapshot(),
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
		width:    80,
		height:   24,
	}
	m.unsub = engine.Subscribe(m.publish)
	m.refresh()
	return m
}

// publish keeps only the latest snapshot so the session goroutine never
// blocks on a slow terminal.
func (m *Model) publish(snap *session.Snapshot) {
	for {
		select {
		case m.updates <- snap:
			return
		default:
		}
		select {
		case <-m.updates:
		default:
		}
	}
}

func (m *Model) waitForSnapshot() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{snap: <-m.updates}
	}
}

// Close unsubscribes from the engine.
func (m *Model) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.waitForSnapshot())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case snapshotMsg:
		m.snap = msg.snap
		m.refresh()
		return m, m.waitForSnapshot()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "esc":
			if m.snap.Busy() {
				m.engine.Cancel()
				m.notice = "cancelling…"
			}
			return m, nil
		case "ctrl+r":
			m.engine.Retry()
			m.notice = ""
			return m, nil
		case "ctrl+u":
			if n := len(m.snap.Queued); n > 0 {
				m.engine.Unqueue(m.snap.Queued[n-1].ClientID)
			}
			return m, nil
		case "enter":
			text := m.input.Value()
			if _, err := m.engine.Send(text, nil); err != nil {
				m.notice = err.Error()
				return m, nil
			}
			m.input.Reset()
			m.notice = ""
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) layout() {
	m.viewport.Width = m.width
	// header, status, error and the bordered input take six lines
	m.viewport.Height = max(3, m.height-6)
	m.input.Width = max(10, m.width-6)
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(renderMessages(m.snap))
	m.viewport.GotoBottom()
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		titleStyle.Render("deskmate"),
		"  ",
		connectionIndicator(m.snap.Connection),
	)
	footer := errorLine(m.snap)
	if m.notice != "" {
		footer = warnStyle.Render(m.notice)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		statusLine(m.snap, m.spinner.View()),
		footer,
		inputStyle.Render(m.input.View()),
	)
}

// Run starts the program on the terminal and blocks until the user quits
// or ctx ends.
func Run(ctx context.Context, engine Engine) error {
	m := NewModel(engine)
	defer m.Close()
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
