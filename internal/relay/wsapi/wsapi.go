// Package wsapi is the relay's client edge: one WebSocket per client per
// session, carrying client commands in and relay frames out.
package wsapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/pirelay/pirelay/internal/metrics"
	"github.com/pirelay/pirelay/internal/relay/hub"
	"github.com/pirelay/pirelay/internal/wire"
)

// Subprotocol negotiated with relay clients.
const clientSubprotocol = "pirelay.client.v1"

// maxCommandSize caps inbound client command frames.
const maxCommandSize = 4 * 1024 * 1024

// Handler serves /ws/<sessionID> connections.
type Handler struct {
	hubs       *hub.Manager
	shutdownCh <-chan struct{}
}

// NewHandler creates the client edge handler. shutdownCh, when non-nil,
// makes the handler reject new connections during shutdown.
func NewHandler(hubs *hub.Manager, shutdownCh <-chan struct{}) *Handler {
	return &Handler{hubs: hubs, shutdownCh: shutdownCh}
}

// ServeHTTP implements http.Handler for the /ws/ prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.shutdownCh != nil {
		select {
		case <-h.shutdownCh:
			http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
	}

	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	clientID := q.Get("clientId")
	lastSeq, _ := strconv.ParseUint(q.Get("lastSeq"), 10, 64)
	caps := hub.Capabilities{ExtensionUI: isTrue(q.Get("extensionUI"))}
	activator := isTrue(q.Get("activator"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{clientSubprotocol},
	})
	if err != nil {
		slog.Debug("wsapi: accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxCommandSize)

	if clientID == "" {
		_ = conn.Close(websocket.StatusCode(wire.CloseMissingClientID), "clientId is required")
		return
	}

	metrics.ConnectedClients.Inc()
	defer metrics.ConnectedClients.Dec()

	h.serve(r.Context(), conn, sessionID, clientID, caps, lastSeq, activator)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, sessionID, clientID string, caps hub.Capabilities, lastSeq uint64, activator bool) {
	client := hub.NewClient(clientID, caps, &wsConn{conn: conn})

	sessionHub, err := h.hubs.GetOrCreate(sessionID)
	if err != nil {
		client.Close(wire.CloseInternalError, "relay is shutting down")
		return
	}

	if err := sessionHub.AddClient(ctx, client, lastSeq); err != nil {
		code, reason := closeForAttachError(err)
		slog.Info("wsapi: attach rejected",
			"session_id", sessionID, "client_id", clientID,
			"code", code, "reason", reason)
		client.Close(code, reason)
		return
	}
	if activator {
		sessionHub.SetActivatorClient(clientID)
	}

	slog.Info("wsapi: client connected",
		"session_id", sessionID, "client_id", clientID,
		"extension_ui", caps.ExtensionUI, "last_seq", lastSeq)

	defer func() {
		sessionHub.RemoveClient(clientID)
		if sessionHub.ConnectionCount() == 0 {
			h.hubs.ScheduleRemoveIfEmpty(sessionID)
		}
		client.Close(int(websocket.StatusNormalClosure), "")
		slog.Info("wsapi: client disconnected",
			"session_id", sessionID, "client_id", clientID)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		metrics.WSMessagesTotal.Inc()

		if err := sessionHub.HandleClientCommand(ctx, clientID, data); err != nil {
			if errors.Is(err, hub.ErrUnknownClient) {
				// The hub no longer knows this client (e.g. dropped as a
				// slow consumer); answer on the raw connection and stop.
				_ = conn.Write(ctx, websocket.MessageText,
					wire.ErrorFrame(wire.CodeUnknownClient, "unknown client"))
				return
			}
			slog.Warn("wsapi: command handling failed",
				"session_id", sessionID, "client_id", clientID, "error", err)
		}
	}
}

// closeForAttachError maps hub attach errors to relay close codes.
func closeForAttachError(err error) (int, string) {
	switch {
	case errors.Is(err, hub.ErrSessionNotFound):
		return wire.CloseSessionNotFound, "Session not found"
	case errors.Is(err, hub.ErrSessionNotActive):
		return wire.CloseSessionNotActive, "Session not active — call activate first"
	case errors.Is(err, hub.ErrSandboxNotProvisioned):
		return wire.CloseSessionNotActive, "Sandbox not provisioned"
	case errors.Is(err, hub.ErrAttachFailed):
		return wire.CloseSessionNotActive, "Attach failed"
	default:
		return wire.CloseInternalError, "internal error"
	}
}

func isTrue(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

// wsConn adapts a websocket connection to the hub's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

func (c *wsConn) Close(code int, reason string) {
	_ = c.conn.Close(websocket.StatusCode(code), reason)
}
