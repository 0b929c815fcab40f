package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/transport"
)

// LocalType is the provider discriminant for subprocess sandboxes.
const LocalType = "local"

// LocalProvider runs agents as child processes of the relay. Pausing an
// instance stops the process; the agent's own session files preserve its
// conversational state across pauses.
type LocalProvider struct {
	// AgentCommand is the agent executable, typically "pi".
	AgentCommand string
	// DataDir is the root under which per-session state and working
	// directories are created.
	DataDir string

	mu      sync.Mutex
	running map[string]*transport.Subprocess // providerID -> live process
}

// NewLocalProvider creates the subprocess provider.
func NewLocalProvider(agentCommand, dataDir string) *LocalProvider {
	return &LocalProvider{
		AgentCommand: agentCommand,
		DataDir:      dataDir,
		running:      make(map[string]*transport.Subprocess),
	}
}

// Type implements Provider.
func (p *LocalProvider) Type() string { return LocalType }

// ManagesIdle implements Provider. Local processes are idled by the
// relay's reaper.
func (p *LocalProvider) ManagesIdle() bool { return false }

// Attach launches (or reuses) the agent process for the session.
func (p *LocalProvider) Attach(ctx context.Context, session *store.Session) (transport.Transport, error) {
	providerID := session.SandboxProviderID
	if providerID == "" {
		providerID = session.ID
	}

	p.mu.Lock()
	if sp, ok := p.running[providerID]; ok && sp.IsConnected() {
		p.mu.Unlock()
		return sp, nil
	}
	p.mu.Unlock()

	agentDir := filepath.Join(p.DataDir, "agents", session.ID)
	workDir := filepath.Join(p.DataDir, "work", session.ID)
	for _, dir := range []string{agentDir, workDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox dir: %w", err)
		}
	}

	sp := transport.NewSubprocess(transport.SubprocessOptions{
		Command:    p.AgentCommand,
		WorkingDir: workDir,
		AgentDir:   agentDir,
		SessionID:  session.ID,
	})
	if err := sp.Connect(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.running[providerID] = sp
	p.mu.Unlock()

	slog.Info("sandbox: local agent started",
		"session_id", session.ID, "provider_id", providerID)
	return sp, nil
}

// Handle implements Provider.
func (p *LocalProvider) Handle(_ context.Context, providerID string) (Handle, error) {
	p.mu.Lock()
	sp, ok := p.running[providerID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrSandboxGone
	}
	return &localHandle{provider: p, providerID: providerID, proc: sp}, nil
}

type localHandle struct {
	provider   *LocalProvider
	providerID string
	proc       *transport.Subprocess
}

// Pause stops the agent process. The session can be reactivated later,
// which launches a fresh process against the preserved agent directory.
func (h *localHandle) Pause(context.Context) error {
	h.proc.Disconnect()

	h.provider.mu.Lock()
	delete(h.provider.running, h.providerID)
	h.provider.mu.Unlock()

	slog.Info("sandbox: local agent paused", "provider_id", h.providerID)
	return nil
}
