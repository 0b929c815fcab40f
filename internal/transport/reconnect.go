package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pirelay/pirelay/internal/wire"
)

// maxReconnectAttempts bounds one reconnect cycle. After this many
// failed dials the transport is closed for good and the hub observes
// the event stream closing.
const maxReconnectAttempts = 5

// newReconnectBackoff creates the reconnect schedule: 1s → 30s,
// multiplier 2x, ±30% jitter.
var newReconnectBackoff = func() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3
	b.Reset()
	return b
}

// Reconnector supervises a Socket: when the connection drops it re-dials
// with exponential backoff, letting the socket's hello resume pick up
// missed events. It implements Transport by delegation, so the hub holds
// one stable channel across reconnects.
type Reconnector struct {
	sock   *Socket
	done   chan struct{}
	cancel context.CancelFunc
}

// NewReconnector wraps a socket in reconnect supervision. The socket
// must not be connected yet.
func NewReconnector(sock *Socket) *Reconnector {
	return &Reconnector{
		sock: sock,
		done: make(chan struct{}),
	}
}

// Connect dials the socket and starts the supervision loop.
func (r *Reconnector) Connect(ctx context.Context) error {
	if err := r.sock.Connect(ctx); err != nil {
		return err
	}

	superCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.supervise(superCtx)
	return nil
}

// Disconnect stops supervision and closes the socket permanently.
func (r *Reconnector) Disconnect() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.sock.Disconnect()
}

func (r *Reconnector) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.sock.Disconnects():
		}

		if !r.redial(ctx) {
			slog.Warn("transport: giving up after repeated reconnect failures",
				"url", r.sock.opts.URL, "attempts", maxReconnectAttempts)
			r.sock.Disconnect()
			return
		}
	}
}

// redial runs one reconnect cycle. Returns false when the attempt budget
// is exhausted.
func (r *Reconnector) redial(ctx context.Context) bool {
	b := newReconnectBackoff()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		wait := b.NextBackOff()
		slog.Info("transport: reconnecting",
			"url", r.sock.opts.URL, "attempt", attempt, "wait", wait)

		select {
		case <-ctx.Done():
			return true
		case <-time.After(wait):
		}

		if err := r.sock.Connect(ctx); err != nil {
			slog.Warn("transport: reconnect attempt failed",
				"url", r.sock.opts.URL, "attempt", attempt, "error", err)
			continue
		}

		slog.Info("transport: reconnected",
			"url", r.sock.opts.URL, "connection_id", r.sock.ConnectionID())
		return true
	}
	return false
}

// Send delegates to the underlying socket.
func (r *Reconnector) Send(ctx context.Context, method string, sessionID *string, params json.RawMessage) (json.RawMessage, error) {
	return r.sock.Send(ctx, method, sessionID, params)
}

// SendVoid delegates to the underlying socket.
func (r *Reconnector) SendVoid(ctx context.Context, method string, sessionID *string, params json.RawMessage) error {
	return r.sock.SendVoid(ctx, method, sessionID, params)
}

// Events returns the socket's stable event stream.
func (r *Reconnector) Events() <-chan wire.Event {
	return r.sock.Events()
}

// IsConnected delegates to the underlying socket.
func (r *Reconnector) IsConnected() bool {
	return r.sock.IsConnected()
}

// ConnectionID delegates to the underlying socket.
func (r *Reconnector) ConnectionID() string {
	return r.sock.ConnectionID()
}
