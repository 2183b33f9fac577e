package tui

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/turnstile-dev/turnstile/internal/orchestrator"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "s":
			if m.control == nil {
				return m, nil
			}
			err := m.control.Start()
			switch {
			case err == nil:
				m.statusMsg = "run started"
			case errors.Is(err, orchestrator.ErrBusy):
				m.statusMsg = "already running"
			case errors.Is(err, orchestrator.ErrSurfaceUnavailable):
				m.statusMsg = "no worker connected"
			default:
				m.statusMsg = fmt.Sprintf("start failed: %v", err)
			}
			return m, m.refreshCmd()
		case "x":
			if m.control == nil {
				return m, nil
			}
			if err := m.control.Stop(); err != nil {
				m.statusMsg = fmt.Sprintf("stop failed: %v", err)
			} else {
				m.statusMsg = "run stopped"
			}
			return m, m.refreshCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case refreshMsg:
		m.state = msg.state
		m.batches = msg.batches
		m.recent = msg.recent
		m.loadErr = msg.err
		m.lastRefresh = time.Now()
	}

	return m, nil
}
