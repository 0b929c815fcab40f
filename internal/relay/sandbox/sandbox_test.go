package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/transport"
)

type fakeProvider struct {
	typ         string
	managesIdle bool
	attached    []string
}

func (f *fakeProvider) Type() string      { return f.typ }
func (f *fakeProvider) ManagesIdle() bool { return f.managesIdle }

func (f *fakeProvider) Attach(_ context.Context, s *store.Session) (transport.Transport, error) {
	f.attached = append(f.attached, s.ID)
	return nil, nil
}

func (f *fakeProvider) Handle(context.Context, string) (Handle, error) {
	return nil, ErrSandboxGone
}

func TestManager_Registry(t *testing.T) {
	m := NewManager()
	m.Register(&fakeProvider{typ: "local"})
	m.Register(&fakeProvider{typ: "remote", managesIdle: true})

	p, err := m.Provider("local")
	require.NoError(t, err)
	assert.False(t, p.ManagesIdle())

	p, err = m.Provider("remote")
	require.NoError(t, err)
	assert.True(t, p.ManagesIdle())

	_, err = m.Provider("martian")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManager_AttachSessionRoutesByProvider(t *testing.T) {
	m := NewManager()
	local := &fakeProvider{typ: "local"}
	m.Register(local)

	_, err := m.AttachSession(context.Background(), &store.Session{
		ID: "s1", SandboxProvider: "local",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, local.attached)

	_, err = m.AttachSession(context.Background(), &store.Session{
		ID: "s2", SandboxProvider: "nope",
	})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManager_HandleGone(t *testing.T) {
	m := NewManager()
	m.Register(&fakeProvider{typ: "local"})

	_, err := m.Handle(context.Background(), "local", "missing")
	assert.ErrorIs(t, err, ErrSandboxGone)
}

// writeIdleAgent writes a fake agent that reads stdin until EOF.
func writeIdleAgent(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\nwhile IFS= read -r line; do :; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestLocalProvider_AttachAndPause(t *testing.T) {
	dataDir := t.TempDir()
	p := NewLocalProvider(writeIdleAgent(t), dataDir)

	sess := &store.Session{ID: "sess-local", SandboxProvider: LocalType, SandboxProviderID: "box-1"}
	tr, err := p.Attach(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, tr.IsConnected())

	// Per-session dirs were created.
	assert.DirExists(t, filepath.Join(dataDir, "agents", "sess-local"))
	assert.DirExists(t, filepath.Join(dataDir, "work", "sess-local"))

	// A second attach reuses the running process.
	tr2, err := p.Attach(context.Background(), sess)
	require.NoError(t, err)
	assert.Same(t, tr, tr2)

	h, err := p.Handle(context.Background(), "box-1")
	require.NoError(t, err)
	require.NoError(t, h.Pause(context.Background()))
	assert.False(t, tr.IsConnected())

	// The instance is gone after pause.
	_, err = p.Handle(context.Background(), "box-1")
	assert.ErrorIs(t, err, ErrSandboxGone)
}

func TestLocalProvider_ProviderIDDefaultsToSession(t *testing.T) {
	p := NewLocalProvider(writeIdleAgent(t), t.TempDir())

	sess := &store.Session{ID: "sess-noid", SandboxProvider: LocalType}
	tr, err := p.Attach(context.Background(), sess)
	require.NoError(t, err)
	defer tr.Disconnect()

	_, err = p.Handle(context.Background(), "sess-noid")
	assert.NoError(t, err)
}

func TestRemoteProvider_AttachRequiresProviderID(t *testing.T) {
	p := NewRemoteProvider("wss://worker.test", "pirelay", "0.0.0")

	_, err := p.Attach(context.Background(), &store.Session{ID: "s1", SandboxProvider: RemoteType})
	assert.ErrorIs(t, err, ErrSandboxGone)

	_, err = p.Handle(context.Background(), "never-attached")
	assert.ErrorIs(t, err, ErrSandboxGone)
}
