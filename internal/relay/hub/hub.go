// Package hub implements the per-session coordinator: one sandbox
// channel, N clients, controller election, journaling and replay.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pirelay/pirelay/internal/relay/journal"
	"github.com/pirelay/pirelay/internal/relay/sandbox"
	"github.com/pirelay/pirelay/internal/relay/store"
	"github.com/pirelay/pirelay/internal/transport"
	"github.com/pirelay/pirelay/internal/util/sanitize"
	"github.com/pirelay/pirelay/internal/wire"
)

// Hub error taxonomy. The websocket edge maps these to close codes.
var (
	ErrHubClosed             = errors.New("hub: closed")
	ErrSessionNotFound       = errors.New("hub: session not found")
	ErrSessionNotActive      = errors.New("hub: session not active")
	ErrSandboxNotProvisioned = errors.New("hub: sandbox not provisioned")
	ErrUnknownClient         = errors.New("hub: unknown client")
	ErrAttachFailed          = errors.New("hub: attach failed")
)

// maxTitleLen caps session names set from agent-supplied text.
const maxTitleLen = 120

// commandTimeout bounds one forwarded client command round trip.
const commandTimeout = 60 * time.Second

// attachAttempt is a shared in-flight attach so concurrent AddClient
// calls dial the sandbox once.
type attachAttempt struct {
	done    chan struct{}
	channel transport.Transport
	err     error
}

// Hub coordinates one session. All mutable state is guarded by mu;
// blocking work (attach, journal reads, transport sends) happens outside
// the critical section.
type Hub struct {
	sessionID   string
	journal     *journal.Journal
	sessions    *store.Sessions
	sandboxes   *sandbox.Manager
	detachGrace time.Duration

	mu           sync.Mutex
	clients      map[string]*Client
	channel      transport.Transport
	attach       *attachAttempt
	detachTimer  *time.Timer
	controllerID string
	activatorID  string
	lastWriterID string
	closed       bool
}

func newHub(sessionID string, jnl *journal.Journal, sessions *store.Sessions, sandboxes *sandbox.Manager, detachGrace time.Duration) *Hub {
	return &Hub{
		sessionID:   sessionID,
		journal:     jnl,
		sessions:    sessions,
		sandboxes:   sandboxes,
		detachGrace: detachGrace,
		clients:     make(map[string]*Client),
	}
}

// SessionID returns the session this hub coordinates.
func (h *Hub) SessionID() string { return h.sessionID }

// AddClient registers a client, ensures the sandbox channel is attached,
// acknowledges with a connected frame and replays journal history past
// the client's lastSeq.
func (h *Hub) AddClient(ctx context.Context, client *Client, lastSeq uint64) error {
	// Hold live fan-out before the client becomes broadcast-visible: a
	// live event must never reach it ahead of connected/replay_end.
	client.BeginReplay()
	defer client.EndReplay()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.detachTimer != nil {
		h.detachTimer.Stop()
		h.detachTimer = nil
	}
	h.clients[client.ID] = client
	h.electLocked()
	h.mu.Unlock()

	if _, err := h.ensureAttached(ctx); err != nil {
		h.mu.Lock()
		delete(h.clients, client.ID)
		h.electLocked()
		h.mu.Unlock()
		return err
	}

	maxSeq, err := h.journal.GetMaxSeq(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("%w: journal head: %w", ErrAttachFailed, err)
	}

	client.Deliver(wire.ConnectedFrame(h.sessionID, maxSeq), false)

	if lastSeq > 0 && lastSeq < maxSeq {
		h.replay(ctx, client, lastSeq, maxSeq)
	}
	return nil
}

// replay redelivers journaled events in (lastSeq, maxSeq], bracketed by
// replay_start/replay_end. The caller holds the client's live-frame
// hold across the whole attach, so live events queue until it releases.
func (h *Hub) replay(ctx context.Context, client *Client, lastSeq, maxSeq uint64) {
	client.Deliver(wire.ReplayStartFrame(lastSeq, maxSeq), false)

	events, err := h.journal.GetAfterSeq(ctx, h.sessionID, lastSeq, 0)
	if err != nil {
		slog.Error("hub: replay read failed",
			"session_id", h.sessionID, "client_id", client.ID, "error", err)
	}
	for _, ev := range events {
		if !json.Valid(ev.Payload) {
			slog.Warn("hub: skipping malformed journaled payload",
				"session_id", h.sessionID, "seq", ev.Seq)
			continue
		}
		client.Deliver(wire.EventFrame(h.sessionID, ev.Seq, ev.Type, ev.Payload), false)
	}

	client.Deliver(wire.ReplayEndFrame(), false)
}

// RemoveClient unregisters a client. The last client leaving starts the
// detach grace timer.
func (h *Hub) RemoveClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok {
		return
	}
	delete(h.clients, clientID)
	if h.controllerID == clientID {
		h.controllerID = ""
	}
	h.electLocked()

	if len(h.clients) == 0 && !h.closed && h.detachTimer == nil {
		h.detachTimer = time.AfterFunc(h.detachGrace, h.detachIfEmpty)
	}
}

// detachIfEmpty releases the sandbox channel after the grace period if
// no client returned. The hub stays alive; the next client triggers a
// fresh attach and replay.
func (h *Hub) detachIfEmpty() {
	h.mu.Lock()
	h.detachTimer = nil
	if h.closed || len(h.clients) > 0 {
		h.mu.Unlock()
		return
	}
	ch := h.channel
	h.channel = nil
	h.mu.Unlock()

	if ch != nil {
		ch.Disconnect()
		slog.Info("hub: detached after grace", "session_id", h.sessionID)
	}
}

// ensureAttached returns the live channel, dialing the sandbox if
// needed. Concurrent callers share one attach attempt.
func (h *Hub) ensureAttached(ctx context.Context) (transport.Transport, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.channel != nil && h.channel.IsConnected() {
		ch := h.channel
		h.mu.Unlock()
		return ch, nil
	}
	if att := h.attach; att != nil {
		h.mu.Unlock()
		select {
		case <-att.done:
			return att.channel, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	att := &attachAttempt{done: make(chan struct{})}
	h.attach = att
	h.mu.Unlock()

	att.channel, att.err = h.doAttach(ctx)

	h.mu.Lock()
	h.attach = nil
	if att.err == nil && !h.closed {
		h.channel = att.channel
		go h.readChannel(att.channel)
	}
	closed := h.closed
	h.mu.Unlock()
	close(att.done)

	if att.err == nil && closed {
		att.channel.Disconnect()
		return nil, ErrHubClosed
	}
	return att.channel, att.err
}

func (h *Hub) doAttach(ctx context.Context) (transport.Transport, error) {
	sess, err := h.sessions.Get(ctx, h.sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrAttachFailed, err)
	}
	switch {
	case sess.Status == store.StatusArchived:
		return nil, ErrSessionNotFound
	case sess.Status != store.StatusActive:
		return nil, fmt.Errorf("%w: status %s", ErrSessionNotActive, sess.Status)
	case sess.SandboxProvider == "":
		return nil, ErrSandboxNotProvisioned
	}

	ch, err := h.sandboxes.AttachSession(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachFailed, err)
	}
	return ch, nil
}

// readChannel consumes the transport's event stream until it closes.
func (h *Hub) readChannel(ch transport.Transport) {
	for ev := range ch.Events() {
		h.handleAgentEvent(ev)
	}

	// Stream closed. If the hub still considers this its channel, the
	// loss was unexpected; tell the clients.
	h.mu.Lock()
	unexpected := h.channel == ch && !h.closed
	if unexpected {
		h.channel = nil
	}
	h.mu.Unlock()

	if unexpected {
		slog.Warn("hub: sandbox channel closed", "session_id", h.sessionID)
		h.Broadcast(wire.SandboxStatusFrame(wire.SandboxStopped, "Sandbox channel closed"))
	}
}

// handleAgentEvent journals one agent event, runs server hooks and fans
// it out. Events that cannot be journaled are dropped: without a seq
// they cannot be replayed, so forwarding them would fork client views.
func (h *Hub) handleAgentEvent(ev wire.Event) {
	ctx := context.Background()

	seq, err := h.journal.Append(ctx, h.sessionID, string(ev.Type), ev.Payload)
	if err != nil {
		slog.Error("hub: journal append failed, dropping event",
			"session_id", h.sessionID, "type", ev.Type, "error", err)
		return
	}

	h.runEventHooks(ctx, ev)

	frame := wire.EventFrame(h.sessionID, seq, string(ev.Type), ev.Payload)
	if ev.Type == wire.EventExtensionUIRequest {
		h.mu.Lock()
		controller := h.clients[h.controllerID]
		h.mu.Unlock()
		if controller == nil {
			slog.Warn("hub: extension UI request with no controller, dropping",
				"session_id", h.sessionID, "seq", seq)
		} else {
			controller.Deliver(frame, true)
		}
	} else {
		h.Broadcast(frame)
	}

	if err := h.sessions.Touch(ctx, h.sessionID); err != nil {
		slog.Warn("hub: touch failed", "session_id", h.sessionID, "error", err)
	}
}

// runEventHooks applies the static server-side hooks. Hook failures are
// logged and never block journaling or forwarding.
func (h *Hub) runEventHooks(ctx context.Context, ev wire.Event) {
	switch ev.Type {
	case wire.EventResponse:
		resp, ok := wire.DecodeResponsePayload(ev.Payload)
		if !ok || resp.Command != "get_state" || resp.SessionName == "" {
			return
		}
		name := sanitize.Title(resp.SessionName, maxTitleLen)
		if name == "" {
			return
		}
		if err := h.sessions.SetName(ctx, h.sessionID, name); err != nil {
			slog.Warn("hub: set session name failed", "session_id", h.sessionID, "error", err)
		}

	case wire.EventExtensionUIRequest:
		req, ok := wire.DecodeExtensionUIPayload(ev.Payload)
		if !ok || req.Method != "setTitle" || req.Title == "" {
			return
		}
		name := sanitize.Title(req.Title, maxTitleLen)
		if name == "" {
			return
		}
		if err := h.sessions.SetName(ctx, h.sessionID, name); err != nil {
			slog.Warn("hub: set title failed", "session_id", h.sessionID, "error", err)
		}
	}
}

// HandleClientCommand routes one raw client command. Rejections are
// delivered to the sender only; ErrUnknownClient is returned for ids the
// hub has never seen so the edge can answer on the raw connection.
func (h *Hub) HandleClientCommand(ctx context.Context, clientID string, raw []byte) error {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownClient
	}

	cmd, err := wire.DecodeClientCommand(raw)
	if err != nil {
		slog.Debug("hub: dropping malformed client command",
			"session_id", h.sessionID, "client_id", clientID, "error", err)
		return nil
	}

	if cmd.Type.IsWriter() && client.Capabilities().ExtensionUI {
		h.mu.Lock()
		h.lastWriterID = clientID
		h.electLocked()
		h.mu.Unlock()
	}

	if cmd.Type == wire.CommandExtensionUIResponse {
		h.mu.Lock()
		controllerID := h.controllerID
		h.mu.Unlock()
		if controllerID != clientID {
			client.Deliver(wire.ErrorFrame(wire.CodeNotController,
				"Only the controller client can send extension_ui_response"), false)
			return nil
		}
	}

	if cmd.Type == wire.CommandPrompt {
		if _, err := h.journal.Append(ctx, h.sessionID, string(wire.CommandPrompt), cmd.Raw); err != nil {
			slog.Error("hub: journal prompt failed",
				"session_id", h.sessionID, "client_id", clientID, "error", err)
		}
		if cmd.Message != "" {
			if err := h.sessions.SetFirstUserMessage(ctx, h.sessionID, cmd.Message); err != nil {
				slog.Warn("hub: set first user message failed",
					"session_id", h.sessionID, "error", err)
			}
		}
	}

	h.mu.Lock()
	ch := h.channel
	h.mu.Unlock()
	if ch == nil || !ch.IsConnected() {
		client.Deliver(wire.ErrorFrame(wire.CodeChannelDetached,
			"No sandbox channel attached"), false)
		return nil
	}

	// Queue behind the client's earlier commands: one drain goroutine
	// per client forwards in arrival order, and a command is not sent
	// until the previous one was acknowledged. The agent's
	// acknowledgement comes back as a response event, journaled and
	// fanned out like any other.
	client.EnqueueCommand(func() { h.forwardCommand(ch, client, cmd) })
	return nil
}

func (h *Hub) forwardCommand(ch transport.Transport, client *Client, cmd wire.ClientCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := ch.Send(ctx, string(cmd.Type), &h.sessionID, cmd.Raw)
	if err != nil {
		slog.Warn("hub: command forward failed",
			"session_id", h.sessionID, "client_id", client.ID,
			"command", cmd.Type, "error", err)
		if !client.Closed() {
			client.Deliver(wire.ErrorFrame(wire.CodeChannelDetached, err.Error()), false)
		}
		return
	}
	if len(result) > 0 {
		h.handleAgentEvent(wire.Event{
			SessionID: h.sessionID,
			Type:      wire.EventResponse,
			Payload:   result,
		})
	}
}

// electLocked re-evaluates controller election. Caller holds mu.
// Priority: last writer, then activator, then the most recently
// connected eligible client.
func (h *Hub) electLocked() {
	eligible := func(id string) bool {
		if id == "" {
			return false
		}
		c, ok := h.clients[id]
		return ok && c.Capabilities().ExtensionUI
	}

	var next string
	switch {
	case eligible(h.lastWriterID):
		next = h.lastWriterID
	case eligible(h.activatorID):
		next = h.activatorID
	default:
		var best *Client
		for _, c := range h.clients {
			if !c.Capabilities().ExtensionUI {
				continue
			}
			if best == nil || c.ConnectedAt.After(best.ConnectedAt) ||
				(c.ConnectedAt.Equal(best.ConnectedAt) && c.ID > best.ID) {
				best = c
			}
		}
		if best != nil {
			next = best.ID
		}
	}

	if next != h.controllerID {
		slog.Debug("hub: controller changed",
			"session_id", h.sessionID, "from", h.controllerID, "to", next)
		h.controllerID = next
	}
}

// SetClientCapabilities updates a client's capabilities and re-elects.
func (h *Hub) SetClientCapabilities(clientID string, caps Capabilities) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	c.SetCapabilities(caps)
	h.electLocked()
}

// SetActivatorClient records the client that activated the session.
func (h *Hub) SetActivatorClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activatorID = clientID
	h.electLocked()
}

// ClearClientState resets election state. The reaper calls this before
// idling a session.
func (h *Hub) ClearClientState() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controllerID = ""
	h.activatorID = ""
	h.lastWriterID = ""
}

// ControllerID returns the elected controller, empty when none.
func (h *Hub) ControllerID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controllerID
}

// ConnectionCount returns the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast delivers a frame to every connected client.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Deliver(frame, true)
	}
}

// Close terminates the hub: channel released, clients closed, further
// operations rejected.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.detachTimer != nil {
		h.detachTimer.Stop()
		h.detachTimer = nil
	}
	ch := h.channel
	h.channel = nil
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.controllerID = ""
	h.activatorID = ""
	h.lastWriterID = ""
	h.mu.Unlock()

	if ch != nil {
		ch.Disconnect()
	}
	for _, c := range clients {
		c.Close(1000, "hub closed")
	}
}
