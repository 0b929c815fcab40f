package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pirelay/pirelay/internal/metrics"
	"github.com/pirelay/pirelay/internal/wire"
)

// outboundQueueSize bounds each client's send queue. A client that
// cannot drain this many frames is dropped rather than back-pressuring
// the hub.
const outboundQueueSize = 256

// commandQueueSize bounds each client's pending forwarded commands. A
// full queue blocks the connection's read loop, back-pressuring the
// client instead of reordering its commands.
const commandQueueSize = 16

// writeTimeout bounds one frame write to a client connection.
const writeTimeout = 10 * time.Second

// Capabilities a client declares on connect.
type Capabilities struct {
	// ExtensionUI marks clients able to render interactive extension
	// prompts; only such clients are eligible for controller election.
	ExtensionUI bool
}

// Conn is the network half of a connected client. Implementations must
// tolerate Close being called more than once.
type Conn interface {
	WriteFrame(ctx context.Context, data []byte) error
	Close(code int, reason string)
}

// Client is one connected front-end within a hub. Frames are queued and
// written by a single goroutine, preserving per-client ordering. During
// replay, live frames are held back and flushed after replay_end so the
// client observes journal order.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn     Conn
	queue    chan []byte
	commands chan func()
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	caps       Capabilities
	replaying  bool
	replayHold [][]byte
}

// NewClient wraps a connection and starts its writer.
func NewClient(id string, caps Capabilities, conn Conn) *Client {
	c := &Client{
		ID:          id,
		ConnectedAt: time.Now(),
		conn:        conn,
		queue:       make(chan []byte, outboundQueueSize),
		commands:    make(chan func(), commandQueueSize),
		done:        make(chan struct{}),
		caps:        caps,
	}
	go c.writeLoop()
	go c.commandLoop()
	return c
}

// EnqueueCommand queues a forward job behind the client's earlier
// commands. One goroutine drains the queue, so jobs run in arrival
// order and a job does not start before the previous one returned.
// Blocks when the queue is full. Returns false once the client is
// closed.
func (c *Client) EnqueueCommand(job func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.commands <- job:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) commandLoop() {
	for {
		select {
		case <-c.done:
			return
		case job := <-c.commands:
			job()
		}
	}
}

// Capabilities returns the client's current capability set.
func (c *Client) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// SetCapabilities replaces the capability set. The hub re-elects after.
func (c *Client) SetCapabilities(caps Capabilities) {
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
}

// Deliver queues a frame for the client. Live frames arriving during a
// replay are held until the replay span completes. A full queue drops
// the client as a slow consumer.
func (c *Client) Deliver(frame []byte, live bool) {
	c.mu.Lock()
	if c.replaying && live {
		c.replayHold = append(c.replayHold, frame)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.enqueue(frame)
}

// BeginReplay starts holding back live frames.
func (c *Client) BeginReplay() {
	c.mu.Lock()
	c.replaying = true
	c.mu.Unlock()
}

// EndReplay flushes held live frames in arrival order.
func (c *Client) EndReplay() {
	c.mu.Lock()
	held := c.replayHold
	c.replayHold = nil
	c.replaying = false
	c.mu.Unlock()

	for _, frame := range held {
		c.enqueue(frame)
	}
}

func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.queue <- frame:
	default:
		// The queue is full; this client cannot keep up. Dropping it is
		// cheaper than stalling every other client of the session.
		metrics.SlowConsumersDropped.Inc()
		slog.Warn("hub: dropping slow consumer", "client_id", c.ID)
		c.Close(wire.CloseInternalError, wire.CodeSlowConsumer)
	}
}

// Close terminates the client connection. Idempotent.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close(code, reason)
	})
}

// Closed reports whether the client has been dropped.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				slog.Debug("hub: client write failed", "client_id", c.ID, "error", err)
				c.Close(wire.CloseInternalError, "write failed")
				return
			}
		}
	}
}
