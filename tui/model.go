// Package tui is a terminal dashboard over the control process state: run
// phase, batch progress and recently harvested records. It is strictly
// read-only apart from starting and stopping the run.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/statestore"
)

// Controller is the slice of the orchestrator the dashboard drives
type Controller interface {
	Start() error
	Stop() error
}

// Model is the TUI application model
type Model struct {
	store   *statestore.Store
	control Controller

	// Data, refreshed every tick
	state   domain.OrchestrationState
	batches []*domain.Batch
	recent  []*domain.ResultRecord
	loadErr error

	// UI state
	width     int
	height    int
	statusMsg string

	lastRefresh time.Time
}

// NewModel creates a dashboard over store. control may be nil for a
// purely read-only view.
func NewModel(store *statestore.Store, control Controller) Model {
	return Model{store: store, control: control}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// TickMsg triggers a refresh
type TickMsg time.Time

// refreshMsg carries a fresh snapshot of the store
type refreshMsg struct {
	state   domain.OrchestrationState
	batches []*domain.Batch
	recent  []*domain.ResultRecord
	err     error
}

const recentResults = 8

func (m Model) refreshCmd() tea.Cmd {
	store := m.store
	return func() tea.Msg {
		var msg refreshMsg
		msg.state, msg.err = store.ControlState()
		if msg.err != nil {
			return msg
		}
		msg.batches, msg.err = store.ListBatches()
		if msg.err != nil {
			return msg
		}

		records, err := store.ListResults("")
		if err != nil {
			msg.err = err
			return msg
		}
		if len(records) > recentResults {
			records = records[len(records)-recentResults:]
		}
		msg.recent = records
		return msg
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
