// Package alarm provides named one-shot timers that survive process
// restarts. Fire times live in the state store; a single polling loop picks
// up due alarms and invokes their handlers, so an alarm armed before a
// crash still fires on its original schedule after resurrection.
package alarm

import (
	"context"
	"log"
	"sync"
	"time"
)

// Alarm names used by the orchestrator
const (
	Advance   = "advance"
	Watchdog  = "watchdog"
	Handshake = "handshake"
)

// Store is the durable backing for alarms
type Store interface {
	SetAlarm(name string, fireAt time.Time) error
	ClearAlarm(name string) error
	GetAlarm(name string) (time.Time, bool, error)
	DueAlarms(now time.Time) ([]string, error)
}

// Manager polls the store for due alarms and dispatches them
type Manager struct {
	store    Store
	interval time.Duration

	mu       sync.Mutex
	handlers map[string]func()
}

// New creates a Manager polling at the given interval
func New(store Store, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Manager{
		store:    store,
		interval: interval,
		handlers: make(map[string]func()),
	}
}

// Register sets the handler for a named alarm. Alarms without a handler are
// cleared when they fire.
func (m *Manager) Register(name string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = fn
}

// Set arms the named alarm to fire after d. Re-arming implicitly cancels
// the previous pending instance.
func (m *Manager) Set(name string, d time.Duration) error {
	return m.store.SetAlarm(name, time.Now().Add(d))
}

// Clear disarms the named alarm
func (m *Manager) Clear(name string) error {
	return m.store.ClearAlarm(name)
}

// Armed reports whether the named alarm is pending
func (m *Manager) Armed(name string) (bool, error) {
	_, armed, err := m.store.GetAlarm(name)
	return armed, err
}

// Run polls for due alarms until ctx is cancelled. Each due alarm is
// cleared before its handler runs; a handler that wants another shot
// re-arms explicitly.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.fireDue()
		}
	}
}

func (m *Manager) fireDue() {
	due, err := m.store.DueAlarms(time.Now())
	if err != nil {
		log.Printf("alarm: reading due alarms: %v", err)
		return
	}

	for _, name := range due {
		if err := m.store.ClearAlarm(name); err != nil {
			log.Printf("alarm: clearing %s: %v", name, err)
			continue
		}

		m.mu.Lock()
		fn := m.handlers[name]
		m.mu.Unlock()

		if fn == nil {
			log.Printf("alarm: %s fired with no handler", name)
			continue
		}
		fn()
	}
}
