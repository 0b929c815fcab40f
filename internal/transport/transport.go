// Package transport provides a uniform duplex channel to one agent
// instance, hiding whether the agent is a local subprocess speaking
// line-framed JSON or a remote process behind a WebSocket.
package transport

import (
	"context"
	"encoding/json"

	"github.com/pirelay/pirelay/internal/wire"
)

// Transport is the hub's view of an agent channel.
//
// Events returns the transport's event stream. It is single-consumer:
// the hub owns it. The stream is buffered with a bounded newest-wins
// policy so a slow consumer cannot block frame ingestion; it is closed
// when the connection is lost or the transport disconnects.
type Transport interface {
	// Connect establishes the channel. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect cancels in-flight waiters with a connection-lost error,
	// tears down the underlying channel and finalises the event stream.
	Disconnect()

	// Send issues a request and suspends until the matched response
	// arrives, the context is done, or the connection is lost.
	Send(ctx context.Context, method string, sessionID *string, params json.RawMessage) (json.RawMessage, error)

	// SendVoid is Send discarding the response payload. It still awaits
	// acknowledgement.
	SendVoid(ctx context.Context, method string, sessionID *string, params json.RawMessage) error

	Events() <-chan wire.Event
	IsConnected() bool
	ConnectionID() string
}

// eventBufferSize bounds each transport's event stream. When the buffer
// is full the oldest buffered event is dropped to admit the newest.
const eventBufferSize = 100

// eventStream is the bounded newest-wins buffer behind Events().
// publish is called only from the transport's reader goroutine.
type eventStream struct {
	ch chan wire.Event
}

func newEventStream() *eventStream {
	return &eventStream{ch: make(chan wire.Event, eventBufferSize)}
}

func (s *eventStream) publish(ev wire.Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Buffer full: evict the oldest event and retry.
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *eventStream) close() {
	close(s.ch)
}
