package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pirelay/pirelay/internal/id"
	"github.com/pirelay/pirelay/internal/relay/db"
	"github.com/pirelay/pirelay/internal/relay/sandbox"
	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/transport"
)

// fakeHubs records the reaper's hub interactions.
type fakeHubs struct {
	mu          sync.Mutex
	connections map[string]int
	broadcasts  []string
	cleared     []string
}

func (f *fakeHubs) GetConnectionCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connections[sessionID]
}

func (f *fakeHubs) ClearSessionClientState(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, sessionID)
}

func (f *fakeHubs) Broadcast(sessionID string, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sessionID)
}

// pausableProvider records pause calls.
type pausableProvider struct {
	typ         string
	managesIdle bool
	gone        bool

	mu     sync.Mutex
	paused []string
}

func (p *pausableProvider) Type() string      { return p.typ }
func (p *pausableProvider) ManagesIdle() bool { return p.managesIdle }

func (p *pausableProvider) Attach(context.Context, *store.Session) (transport.Transport, error) {
	return nil, nil
}

func (p *pausableProvider) Handle(_ context.Context, providerID string) (sandbox.Handle, error) {
	if p.gone {
		return nil, sandbox.ErrSandboxGone
	}
	return pauseFunc(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.paused = append(p.paused, providerID)
	}), nil
}

func (p *pausableProvider) pausedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paused...)
}

type pauseFunc func()

func (f pauseFunc) Pause(context.Context) error {
	f()
	return nil
}

type reaperFixture struct {
	reaper   *Reaper
	sessions *store.Sessions
	hubs     *fakeHubs
	provider *pausableProvider
}

func newReaperFixture(t *testing.T, timeouts StaticEnvironments) *reaperFixture {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	sessions := store.NewSessions(sqlDB)
	hubs := &fakeHubs{connections: make(map[string]int)}
	provider := &pausableProvider{typ: "local"}
	boxes := sandbox.NewManager()
	boxes.Register(provider)

	return &reaperFixture{
		reaper:   New(sessions, hubs, timeouts, boxes, time.Minute),
		sessions: sessions,
		hubs:     hubs,
		provider: provider,
	}
}

func (fx *reaperFixture) newSession(t *testing.T, envID string, idleFor time.Duration) string {
	t.Helper()
	sessionID := id.Generate()
	require.NoError(t, fx.sessions.Create(context.Background(), &store.Session{
		ID: sessionID, Status: store.StatusActive,
		SandboxProvider: "local", SandboxProviderID: "box-" + sessionID,
		EnvironmentID:  envID,
		LastActivityAt: time.Now().Add(-idleFor),
	}))
	return sessionID
}

func (fx *reaperFixture) status(t *testing.T, sessionID string) string {
	t.Helper()
	sess, err := fx.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	return sess.Status
}

func TestReaper_IdlesQuietSession(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})
	sessionID := fx.newSession(t, "env-1", 2*time.Minute)

	fx.reaper.RunOnce(context.Background())

	assert.Equal(t, store.StatusIdle, fx.status(t, sessionID))
	assert.Equal(t, []string{"box-" + sessionID}, fx.provider.pausedIDs())
	assert.Equal(t, []string{sessionID}, fx.hubs.broadcasts)
	assert.Equal(t, []string{sessionID}, fx.hubs.cleared)
}

func TestReaper_SkipsRecentlyActive(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})
	sessionID := fx.newSession(t, "env-1", 10*time.Second)

	fx.reaper.RunOnce(context.Background())

	assert.Equal(t, store.StatusActive, fx.status(t, sessionID))
	assert.Empty(t, fx.provider.pausedIDs())
}

func TestReaper_SkipsSessionsWithClients(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})
	sessionID := fx.newSession(t, "env-1", time.Hour)
	fx.hubs.connections[sessionID] = 1

	fx.reaper.RunOnce(context.Background())

	assert.Equal(t, store.StatusActive, fx.status(t, sessionID))
	assert.Empty(t, fx.provider.pausedIDs())
}

func TestReaper_SkipsChatSessionsWithoutEnvironment(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})
	sessionID := fx.newSession(t, "", time.Hour)

	fx.reaper.RunOnce(context.Background())

	assert.Equal(t, store.StatusActive, fx.status(t, sessionID))
}

func TestReaper_SkipsUnlistedEnvironments(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})
	sessionID := fx.newSession(t, "env-unmanaged", time.Hour)

	fx.reaper.RunOnce(context.Background())

	assert.Equal(t, store.StatusActive, fx.status(t, sessionID))
}

func TestReaper_SkipsSelfIdlingProviders(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})
	fx.provider.managesIdle = true
	sessionID := fx.newSession(t, "env-1", time.Hour)

	fx.reaper.RunOnce(context.Background())

	assert.Equal(t, store.StatusActive, fx.status(t, sessionID))
	assert.Empty(t, fx.provider.pausedIDs())
}

func TestReaper_ToleratesSandboxGone(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})
	fx.provider.gone = true
	sessionID := fx.newSession(t, "env-1", time.Hour)

	fx.reaper.RunOnce(context.Background())

	// The sandbox is already gone; the session still transitions.
	assert.Equal(t, store.StatusIdle, fx.status(t, sessionID))
}

func TestReaper_SingleFailureDoesNotAbortTick(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{"env-1": time.Minute})

	// First session's provider type is unregistered; handle lookup fails.
	bad := id.Generate()
	require.NoError(t, fx.sessions.Create(context.Background(), &store.Session{
		ID: bad, Status: store.StatusActive,
		SandboxProvider: "martian", SandboxProviderID: "x",
		EnvironmentID:  "env-1",
		LastActivityAt: time.Now().Add(-time.Hour),
	}))
	good := fx.newSession(t, "env-1", time.Hour)

	fx.reaper.RunOnce(context.Background())

	assert.Equal(t, store.StatusIdle, fx.status(t, bad))
	assert.Equal(t, store.StatusIdle, fx.status(t, good))
}

func TestReaper_StartStop(t *testing.T) {
	fx := newReaperFixture(t, StaticEnvironments{})
	fx.reaper.interval = 10 * time.Millisecond
	fx.reaper.Start()
	time.Sleep(30 * time.Millisecond)
	fx.reaper.Stop()

	// Stop before Start is a no-op.
	r := New(fx.sessions, fx.hubs, StaticEnvironments{}, sandbox.NewManager(), time.Minute)
	r.Stop()
}
