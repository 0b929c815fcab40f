package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/transport"
)

// RemoteType is the provider discriminant for worker-hosted sandboxes.
const RemoteType = "remote"

// RemoteProvider reaches sandboxes hosted by a worker fleet over
// WebSocket. Workers sleep their own instances, so the provider reports
// ManagesIdle and the reaper skips its sessions.
type RemoteProvider struct {
	// BaseURL is the worker endpoint, e.g. "wss://worker.example.com".
	// The instance socket lives at BaseURL/sandboxes/<providerID>/ws.
	BaseURL string
	// ClientName and ClientVersion identify the relay in hello.
	ClientName    string
	ClientVersion string

	mu       sync.Mutex
	attached map[string]transport.Transport // providerID -> live channel
}

// NewRemoteProvider creates the worker-backed provider.
func NewRemoteProvider(baseURL, clientName, clientVersion string) *RemoteProvider {
	return &RemoteProvider{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		ClientName:    clientName,
		ClientVersion: clientVersion,
		attached:      make(map[string]transport.Transport),
	}
}

// Type implements Provider.
func (p *RemoteProvider) Type() string { return RemoteType }

// ManagesIdle implements Provider.
func (p *RemoteProvider) ManagesIdle() bool { return true }

// Attach dials the instance socket with reconnect supervision.
func (p *RemoteProvider) Attach(ctx context.Context, session *store.Session) (transport.Transport, error) {
	providerID := session.SandboxProviderID
	if providerID == "" {
		return nil, fmt.Errorf("%w: session %s has no provider id", ErrSandboxGone, session.ID)
	}

	p.mu.Lock()
	if tr, ok := p.attached[providerID]; ok && tr.IsConnected() {
		p.mu.Unlock()
		return tr, nil
	}
	p.mu.Unlock()

	sock := transport.NewSocket(transport.SocketOptions{
		URL:           fmt.Sprintf("%s/sandboxes/%s/ws", p.BaseURL, providerID),
		ClientName:    p.ClientName,
		ClientVersion: p.ClientVersion,
		SessionID:     session.ID,
	})
	tr := transport.NewReconnector(sock)
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.attached[providerID] = tr
	p.mu.Unlock()

	slog.Info("sandbox: remote instance attached",
		"session_id", session.ID, "provider_id", providerID,
		"connection_id", tr.ConnectionID())
	return tr, nil
}

// Handle implements Provider.
func (p *RemoteProvider) Handle(_ context.Context, providerID string) (Handle, error) {
	p.mu.Lock()
	tr, ok := p.attached[providerID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrSandboxGone
	}
	return &remoteHandle{provider: p, providerID: providerID, channel: tr}, nil
}

type remoteHandle struct {
	provider   *RemoteProvider
	providerID string
	channel    transport.Transport
}

// Pause asks the worker to sleep the instance, then releases the channel.
func (h *remoteHandle) Pause(ctx context.Context) error {
	err := h.channel.SendVoid(ctx, "sandbox.pause", nil, nil)
	h.channel.Disconnect()

	h.provider.mu.Lock()
	delete(h.provider.attached, h.providerID)
	h.provider.mu.Unlock()

	if err != nil {
		return fmt.Errorf("pause remote sandbox %s: %w", h.providerID, err)
	}
	return nil
}
