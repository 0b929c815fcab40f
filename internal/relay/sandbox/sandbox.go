// Package sandbox abstracts where a session's agent runs. A provider
// knows how to open a transport channel to an instance and how to pause
// it; the manager is the per-process registry the hub and reaper share.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/transport"
)

// ErrSandboxGone marks a pause or handle lookup for an instance that no
// longer exists. Callers treating idle as best-effort tolerate it.
var ErrSandboxGone = errors.New("sandbox: instance gone")

// ErrUnknownProvider is returned for a provider type nothing registered.
var ErrUnknownProvider = errors.New("sandbox: unknown provider")

// Handle controls one running sandbox instance.
type Handle interface {
	// Pause suspends the instance, releasing its resources. The session
	// can be reactivated later by an external API.
	Pause(ctx context.Context) error
}

// Provider creates and controls sandbox instances of one kind.
type Provider interface {
	// Type is the provider discriminant stored on sessions.
	Type() string

	// Attach opens a connected transport channel to the session's
	// instance, creating local state as needed.
	Attach(ctx context.Context, session *store.Session) (transport.Transport, error)

	// Handle returns a control handle for an instance, or ErrSandboxGone.
	Handle(ctx context.Context, providerID string) (Handle, error)

	// ManagesIdle reports whether the provider idles instances itself,
	// in which case the reaper leaves its sessions alone.
	ManagesIdle() bool
}

// Manager is the provider registry.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register adds a provider. Later registrations for the same type win.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Type()] = p
}

// Provider looks up a registered provider by type.
func (m *Manager) Provider(providerType string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerType)
	}
	return p, nil
}

// AttachSession opens a channel to the session's sandbox via its
// provider.
func (m *Manager) AttachSession(ctx context.Context, session *store.Session) (transport.Transport, error) {
	p, err := m.Provider(session.SandboxProvider)
	if err != nil {
		return nil, err
	}
	return p.Attach(ctx, session)
}

// Handle returns a control handle for the given instance.
func (m *Manager) Handle(ctx context.Context, providerType, providerID string) (Handle, error) {
	p, err := m.Provider(providerType)
	if err != nil {
		return nil, err
	}
	return p.Handle(ctx, providerID)
}
