package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pirelay/pirelay/internal/id"
	"github.com/pirelay/pirelay/internal/relay/db"
	"github.com/pirelay/pirelay/internal/relay/hub"
	"github.com/pirelay/pirelay/internal/relay/journal"
	"github.com/pirelay/pirelay/internal/relay/sandbox"
	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/transport"
	"github.com/pirelay/pirelay/internal/wire"
)

// fakeChannel is an in-memory sandbox channel for edge tests.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []string
	events    chan wire.Event
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true, events: make(chan wire.Event, 100)}
}

func (f *fakeChannel) Connect(context.Context) error { return nil }

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.connected = false
		close(f.events)
	}
}

func (f *fakeChannel) Send(_ context.Context, method string, _ *string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, transport.ErrNotConnected
	}
	f.sent = append(f.sent, method)
	return nil, nil
}

func (f *fakeChannel) SendVoid(ctx context.Context, method string, sessionID *string, params json.RawMessage) error {
	_, err := f.Send(ctx, method, sessionID, params)
	return err
}

func (f *fakeChannel) Events() <-chan wire.Event { return f.events }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) ConnectionID() string { return "fake-conn" }

func (f *fakeChannel) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeProvider struct {
	channel *fakeChannel
}

func (p *fakeProvider) Type() string      { return "fake" }
func (p *fakeProvider) ManagesIdle() bool { return false }

func (p *fakeProvider) Attach(context.Context, *store.Session) (transport.Transport, error) {
	return p.channel, nil
}

func (p *fakeProvider) Handle(context.Context, string) (sandbox.Handle, error) {
	return nil, sandbox.ErrSandboxGone
}

type edgeFixture struct {
	server    *httptest.Server
	sessions  *store.Sessions
	journal   *journal.Journal
	channel   *fakeChannel
	sessionID string
}

func newEdgeFixture(t *testing.T) *edgeFixture {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	sessions := store.NewSessions(sqlDB)
	jnl := journal.New(sqlDB)

	sessionID := id.Generate()
	require.NoError(t, sessions.Create(context.Background(), &store.Session{
		ID: sessionID, Status: store.StatusActive,
		SandboxProvider: "fake", SandboxProviderID: "box-1",
	}))

	channel := newFakeChannel()
	boxes := sandbox.NewManager()
	boxes.Register(&fakeProvider{channel: channel})

	hubs := hub.NewManager(jnl, sessions, boxes, time.Minute)
	t.Cleanup(hubs.CloseAll)

	mux := http.NewServeMux()
	mux.Handle("/ws/", NewHandler(hubs, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &edgeFixture{
		server: srv, sessions: sessions, journal: jnl,
		channel: channel, sessionID: sessionID,
	}
}

func (fx *edgeFixture) dial(t *testing.T, sessionID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws/" + sessionID
	if query != "" {
		url += "?" + query
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{clientSubprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// readFrame reads one frame with a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return data
}

// expectClose reads until the connection closes and returns the status.
func expectClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestHandler_MissingClientID(t *testing.T) {
	fx := newEdgeFixture(t)
	conn := fx.dial(t, fx.sessionID, "")
	assert.Equal(t, websocket.StatusCode(wire.CloseMissingClientID), expectClose(t, conn))
}

func TestHandler_SessionNotFound(t *testing.T) {
	fx := newEdgeFixture(t)
	conn := fx.dial(t, "no-such-session", "clientId=c1")
	assert.Equal(t, websocket.StatusCode(wire.CloseSessionNotFound), expectClose(t, conn))
}

func TestHandler_SessionNotActive(t *testing.T) {
	fx := newEdgeFixture(t)
	require.NoError(t, fx.sessions.SetStatus(context.Background(), fx.sessionID, store.StatusIdle))

	conn := fx.dial(t, fx.sessionID, "clientId=c1")
	assert.Equal(t, websocket.StatusCode(wire.CloseSessionNotActive), expectClose(t, conn))
}

func TestHandler_ConnectedThenLiveEvents(t *testing.T) {
	fx := newEdgeFixture(t)
	conn := fx.dial(t, fx.sessionID, "clientId=c1")

	var connected wire.ServerFrame
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &connected))
	assert.Equal(t, wire.FrameConnected, connected.Type)
	assert.Equal(t, fx.sessionID, connected.SessionID)
	assert.Equal(t, uint64(0), connected.LastSeq)

	fx.channel.events <- wire.Event{Type: wire.EventAgentStart, Payload: []byte(`{"type":"agent_start"}`)}

	env, err := wire.DecodeEnvelope(readFrame(t, conn))
	require.NoError(t, err)
	assert.Equal(t, wire.KindEvent, env.Kind)
	assert.Equal(t, "agent_start", env.Type)
	assert.Equal(t, uint64(1), *env.Seq)
}

func TestHandler_ResumeReplaysSpan(t *testing.T) {
	fx := newEdgeFixture(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := fx.journal.Append(ctx, fx.sessionID, "turn_start", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	conn := fx.dial(t, fx.sessionID, "clientId=c1&lastSeq=1")

	var connected wire.ServerFrame
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &connected))
	assert.Equal(t, uint64(3), connected.LastSeq)

	var start wire.ServerFrame
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &start))
	assert.Equal(t, wire.FrameReplayStart, start.Type)
	assert.Equal(t, uint64(1), start.FromSeq)
	assert.Equal(t, uint64(3), start.ToSeq)

	for want := uint64(2); want <= 3; want++ {
		env, err := wire.DecodeEnvelope(readFrame(t, conn))
		require.NoError(t, err)
		assert.Equal(t, want, *env.Seq)
	}

	var end wire.ServerFrame
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &end))
	assert.Equal(t, wire.FrameReplayEnd, end.Type)
}

func TestHandler_CommandForwarded(t *testing.T) {
	fx := newEdgeFixture(t)
	conn := fx.dial(t, fx.sessionID, "clientId=c1")
	readFrame(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"prompt","message":"hello"}`)))

	require.Eventually(t, func() bool {
		return len(fx.channel.sentMethods()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"prompt"}, fx.channel.sentMethods())

	sess, err := fx.sessions.Get(context.Background(), fx.sessionID)
	require.NoError(t, err)
	assert.Equal(t, "hello", sess.FirstUserMessage)
}

func TestHandler_ShutdownRejectsNewConnections(t *testing.T) {
	fx := newEdgeFixture(t)

	shutdownCh := make(chan struct{})
	close(shutdownCh)
	handler := NewHandler(hub.NewManager(fx.journal, fx.sessions, sandbox.NewManager(), time.Minute), shutdownCh)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/any", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
