package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pirelay/pirelay/internal/metrics"
	"github.com/pirelay/pirelay/internal/relay/journal"
	"github.com/pirelay/pirelay/internal/relay/sandbox"
	"github.com/pirelay/pirelay/internal/relay/store"
)

// Manager is the process-wide sessionID → Hub registry. Hubs are created
// lazily on first client and disposed once the last client has been gone
// past the detach grace.
type Manager struct {
	journal     *journal.Journal
	sessions    *store.Sessions
	sandboxes   *sandbox.Manager
	detachGrace time.Duration

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

// NewManager creates an empty hub registry.
func NewManager(jnl *journal.Journal, sessions *store.Sessions, sandboxes *sandbox.Manager, detachGrace time.Duration) *Manager {
	return &Manager{
		journal:     jnl,
		sessions:    sessions,
		sandboxes:   sandboxes,
		detachGrace: detachGrace,
		hubs:        make(map[string]*Hub),
	}
}

// GetOrCreate returns the session's hub, constructing it lazily.
func (m *Manager) GetOrCreate(sessionID string) (*Hub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrHubClosed
	}
	if h, ok := m.hubs[sessionID]; ok {
		return h, nil
	}
	h := newHub(sessionID, m.journal, m.sessions, m.sandboxes, m.detachGrace)
	m.hubs[sessionID] = h
	metrics.ActiveHubs.Inc()
	return h, nil
}

// Get returns the session's hub if one exists.
func (m *Manager) Get(sessionID string) (*Hub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[sessionID]
	return h, ok
}

// ScheduleRemoveIfEmpty disposes the hub shortly after the detach grace,
// giving a returning client time to cancel the detach first.
func (m *Manager) ScheduleRemoveIfEmpty(sessionID string) {
	time.AfterFunc(m.detachGrace+time.Second, func() {
		m.RemoveIfEmpty(sessionID)
	})
}

// RemoveIfEmpty closes and unregisters the hub if it has no clients.
func (m *Manager) RemoveIfEmpty(sessionID string) {
	m.mu.Lock()
	h, ok := m.hubs[sessionID]
	if !ok || h.ConnectionCount() > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.hubs, sessionID)
	metrics.ActiveHubs.Dec()
	m.mu.Unlock()

	h.Close()
	slog.Debug("hub: disposed idle hub", "session_id", sessionID)
}

// SetClientCapabilities updates one client's capabilities.
func (m *Manager) SetClientCapabilities(sessionID, clientID string, caps Capabilities) {
	if h, ok := m.Get(sessionID); ok {
		h.SetClientCapabilities(clientID, caps)
	}
}

// SetActivatorClient records the activating client for election priority.
func (m *Manager) SetActivatorClient(sessionID, clientID string) {
	if h, ok := m.Get(sessionID); ok {
		h.SetActivatorClient(clientID)
	}
}

// ClearSessionClientState resets a hub's election state.
func (m *Manager) ClearSessionClientState(sessionID string) {
	if h, ok := m.Get(sessionID); ok {
		h.ClearClientState()
	}
}

// Broadcast delivers a relay frame to every client of the session.
// Callers use this for sandbox_status notifications only.
func (m *Manager) Broadcast(sessionID string, frame []byte) {
	if h, ok := m.Get(sessionID); ok {
		h.Broadcast(frame)
	}
}

// GetConnectionCount returns the session's connected client count.
func (m *Manager) GetConnectionCount(sessionID string) int {
	if h, ok := m.Get(sessionID); ok {
		return h.ConnectionCount()
	}
	return 0
}

// CloseAll closes every hub. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.hubs = make(map[string]*Hub)
	m.mu.Unlock()

	for _, h := range hubs {
		h.Close()
		metrics.ActiveHubs.Dec()
	}
}
