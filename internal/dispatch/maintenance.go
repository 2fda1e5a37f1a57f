package dispatch

import (
	"sync"
	"time"
)

// Maintenance is the global suppression flag plus the per-user notification
// dedup window: while active, a non-admin caller is told at most once per
// window, independent of command cooldowns.
type Maintenance struct {
	mu         sync.Mutex
	on         bool
	message    string
	window     time.Duration
	lastNotify map[string]time.Time
}

func NewMaintenance(on bool, message string, window time.Duration) *Maintenance {
	if message == "" {
		message = "The bot is under maintenance, please try again later."
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Maintenance{
		on:         on,
		message:    message,
		window:     window,
		lastNotify: map[string]time.Time{},
	}
}

func (m *Maintenance) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

func (m *Maintenance) Set(on bool) {
	m.mu.Lock()
	m.on = on
	if !on {
		m.lastNotify = map[string]time.Time{}
	}
	m.mu.Unlock()
}

// Update re-applies message and window from a config reload. The active
// flag is left alone so a live admin toggle survives config changes.
func (m *Maintenance) Update(message string, window time.Duration) {
	m.mu.Lock()
	if message != "" {
		m.message = message
	}
	if window > 0 {
		m.window = window
	}
	m.mu.Unlock()
}

func (m *Maintenance) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// NotifyAllowed reports whether userID may be notified now, and if so
// records the notification time.
func (m *Maintenance) NotifyAllowed(userID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastNotify[userID]; ok && now.Sub(last) < m.window {
		return false
	}
	m.lastNotify[userID] = now
	return true
}

// Sweep forgets notification marks older than the window.
func (m *Maintenance) Sweep(now time.Time) {
	m.mu.Lock()
	for id, at := range m.lastNotify {
		if now.Sub(at) >= m.window {
			delete(m.lastNotify, id)
		}
	}
	m.mu.Unlock()
}
