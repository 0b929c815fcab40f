package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pirelay/pirelay/internal/id"
	"github.com/pirelay/pirelay/internal/metrics"
	"github.com/pirelay/pirelay/internal/wire"
)

// Subprotocol negotiated on the agent socket.
const agentSubprotocol = "pirelay.agent.v1"

// maxFrameSize caps inbound socket frames. Matches the subprocess
// scanner limit.
const maxFrameSize = 16 * 1024 * 1024

// SocketOptions configures a WebSocket transport to a remote agent.
type SocketOptions struct {
	// URL is the agent's WebSocket endpoint.
	URL string
	// ClientName and ClientVersion identify this relay in the hello
	// handshake.
	ClientName    string
	ClientVersion string
	// SessionID stamps events from agents that fall back to the legacy
	// line protocol, which carries no session routing.
	SessionID string
	// HandshakeTimeout bounds dial plus hello. Defaults to 10s.
	HandshakeTimeout time.Duration
}

func (o SocketOptions) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return 10 * time.Second
}

// Socket is the remote transport: versioned JSON envelopes over a
// WebSocket. A Socket survives connection loss; Connect may be called
// again and will offer the server a resume token so missed events can
// be replayed. The event stream stays open until Disconnect.
type Socket struct {
	opts   SocketOptions
	stream *eventStream

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	connID    string // server-assigned, kept across reconnects for resume
	readerCtx context.CancelFunc

	// readers tracks the per-connection read loops. Disconnect joins
	// them before finalising the stream: a reader mid-frame must not
	// publish to a closed channel.
	readers sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Envelope

	seqMu   sync.Mutex
	lastSeq map[string]uint64

	// disconnects gets a token per connection loss. Buffered so the
	// notification never blocks teardown.
	disconnects chan struct{}
}

// NewSocket creates a socket transport. Call Connect to dial.
func NewSocket(opts SocketOptions) *Socket {
	return &Socket{
		opts:        opts,
		stream:      newEventStream(),
		pending:     make(map[string]chan *wire.Envelope),
		lastSeq:     make(map[string]uint64),
		disconnects: make(chan struct{}, 1),
	}
}

// Disconnects signals connection loss, one token per drop. Disconnect
// does not signal; only unexpected losses do.
func (s *Socket) Disconnects() <-chan struct{} {
	return s.disconnects
}

// Connect dials the agent endpoint and completes the hello handshake.
// Idempotent while connected. After a connection loss it reconnects and
// offers the previous connection id for resume.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.handshakeTimeout())
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{agentSubprotocol},
	})
	if err != nil {
		return ConnectionFailed(fmt.Sprintf("dial %s: %v", s.opts.URL, err))
	}
	conn.SetReadLimit(maxFrameSize)

	readerCtx, readerCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		readerCancel()
		_ = conn.CloseNow()
		return ErrNotConnected
	}
	s.conn = conn
	s.connected = true
	s.readerCtx = readerCancel
	s.readers.Add(1)
	s.mu.Unlock()

	go s.readLoop(readerCtx, conn)

	if err := s.hello(dialCtx, conn); err != nil {
		s.dropConnection("hello failed")
		return err
	}
	return nil
}

// hello performs the handshake on a fresh connection.
func (s *Socket) hello(ctx context.Context, conn *websocket.Conn) error {
	params := wire.HelloParams{
		ClientInfo: wire.ClientInfo{Name: s.opts.ClientName, Version: s.opts.ClientVersion},
	}
	if prev := s.ConnectionID(); prev != "" {
		params.Resume = &wire.ResumeInfo{
			ConnectionID:     prev,
			LastSeqBySession: s.snapshotLastSeq(),
		}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	env, err := s.roundTrip(ctx, conn, "hello", nil, rawParams)
	if err != nil {
		return err
	}

	var result wire.HelloResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return InvalidResponse(fmt.Sprintf("hello result: %v", err))
	}
	if result.ConnectionID == "" {
		return InvalidResponse("hello result without connectionId")
	}

	s.mu.Lock()
	s.connID = result.ConnectionID
	s.mu.Unlock()

	if !result.Resumed {
		// Server declined resume; sequence tracking restarts and the hub
		// resynchronises from its journal.
		s.seqMu.Lock()
		s.lastSeq = make(map[string]uint64)
		s.seqMu.Unlock()
	}
	return nil
}

// Disconnect closes the connection permanently and finalises the event
// stream.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.dropConnection("shutdown")
	s.readers.Wait()
	s.stream.close()
}

// dropConnection tears down the current connection but keeps the
// transport usable for reconnects (unless closed).
func (s *Socket) dropConnection(reason string) {
	s.mu.Lock()
	conn := s.conn
	cancel := s.readerCtx
	wasConnected := s.connected
	s.conn = nil
	s.connected = false
	s.readerCtx = nil
	s.mu.Unlock()

	if !wasConnected {
		return
	}

	s.failPending(ConnectionLost(reason))
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		select {
		case s.disconnects <- struct{}{}:
		default:
		}
	}
}

// Send issues a request envelope and waits for its response.
func (s *Socket) Send(ctx context.Context, method string, sessionID *string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	env, err := s.roundTrip(ctx, conn, method, sessionID, params)
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// SendVoid is Send discarding the result.
func (s *Socket) SendVoid(ctx context.Context, method string, sessionID *string, params json.RawMessage) error {
	_, err := s.Send(ctx, method, sessionID, params)
	return err
}

func (s *Socket) roundTrip(ctx context.Context, conn *websocket.Conn, method string, sessionID *string, params json.RawMessage) (*wire.Envelope, error) {
	reqID := id.Generate()
	frame, err := wire.NewRequest(reqID, method, sessionID, params).Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	ch := make(chan *wire.Envelope, 1)
	s.pendingMu.Lock()
	s.pending[reqID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, reqID)
		s.pendingMu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, ConnectionLost(fmt.Sprintf("write: %v", err))
	}
	metrics.WSMessagesTotal.Inc()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ConnectionLost("connection dropped")
		}
		if env.OK == nil || !*env.OK {
			if env.Error != nil {
				return nil, &ServerError{Code: env.Error.Code, Message: env.Error.Message, Details: env.Error.Details}
			}
			return nil, InvalidResponse("failure response without error body")
		}
		return env, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Events returns the transport's event stream.
func (s *Socket) Events() <-chan wire.Event {
	return s.stream.ch
}

// IsConnected reports whether the socket is currently connected.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnectionID returns the server-assigned connection id, empty before
// the first successful hello.
func (s *Socket) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// LastSeq returns the highest event seq observed for a session.
func (s *Socket) LastSeq(sessionID string) (uint64, bool) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq, ok := s.lastSeq[sessionID]
	return seq, ok
}

func (s *Socket) snapshotLastSeq() map[string]uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	out := make(map[string]uint64, len(s.lastSeq))
	for k, v := range s.lastSeq {
		out[k] = v
	}
	return out
}

func (s *Socket) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for reqID, ch := range s.pending {
		close(ch)
		delete(s.pending, reqID)
		slog.Debug("socket: failed pending request", "request_id", reqID, "error", err)
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.readers.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				slog.Debug("socket: read loop ended", "url", s.opts.URL, "error", err)
				s.dropConnection("read failed")
			}
			return
		}
		metrics.WSMessagesTotal.Inc()
		s.handleFrame(data)
	}
}

func (s *Socket) handleFrame(data []byte) {
	env, err := wire.DecodeEnvelope(data)
	switch {
	case err == nil:
	case errors.Is(err, wire.ErrUnknownKind):
		// Forward-compatibility: newer peers may send kinds we don't know.
		return
	default:
		// Not an envelope. Some agents speak the legacy line protocol
		// over the socket; salvage what we can.
		s.handleLegacyFrame(data)
		return
	}

	switch env.Kind {
	case wire.KindResponse:
		s.pendingMu.Lock()
		ch, ok := s.pending[env.ID]
		s.pendingMu.Unlock()
		if !ok {
			slog.Debug("socket: response with no matching request", "request_id", env.ID)
			return
		}
		select {
		case ch <- env:
		default:
		}

	case wire.KindEvent:
		ev := env.Event()
		if ev.HasSeq {
			s.seqMu.Lock()
			if ev.Seq > s.lastSeq[ev.SessionID] {
				s.lastSeq[ev.SessionID] = ev.Seq
			}
			s.seqMu.Unlock()
		}
		s.stream.publish(*ev)

	case wire.KindRequest:
		// The relay never serves requests on this channel.
		slog.Debug("socket: ignoring inbound request", "method", env.Method)
	}
}

func (s *Socket) handleLegacyFrame(data []byte) {
	cleaned, ok := wire.CleanLine(data)
	if !ok {
		return
	}
	legacy, err := wire.DecodeLegacyLine(cleaned)
	if err != nil {
		slog.Debug("socket: dropping unparseable frame", "url", s.opts.URL)
		return
	}
	s.stream.publish(wire.Event{
		SessionID: s.opts.SessionID,
		Type:      wire.EventType(legacy.Type),
		Payload:   legacy.Raw,
	})
}
