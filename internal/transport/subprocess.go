package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/pirelay/pirelay/internal/id"
	"github.com/pirelay/pirelay/internal/wire"
)

// agentDirEnv points the agent at its per-session state directory.
const agentDirEnv = "PI_CODING_AGENT_DIR"

// noModelsPattern classifies a startup failure where the agent has no
// usable model configured. Matched against stderr captured during the
// settle window.
var noModelsPattern = regexp.MustCompile(`(?i)No models available`)

// SubprocessOptions configures a local agent subprocess.
type SubprocessOptions struct {
	// Command is the agent executable. Launched with "--mode rpc".
	Command string
	// WorkingDir is the project root the agent runs in.
	WorkingDir string
	// AgentDir is the per-session state directory, exported as
	// PI_CODING_AGENT_DIR.
	AgentDir string
	// SessionID stamps every event read from this process.
	SessionID string
	// SettleWindow is how long to wait after spawn before declaring the
	// process healthy. Defaults to 200ms.
	SettleWindow time.Duration
}

func (o SubprocessOptions) settleWindow() time.Duration {
	if o.SettleWindow > 0 {
		return o.SettleWindow
	}
	return 200 * time.Millisecond
}

// Subprocess is the local transport: one agent process on stdio, one
// JSON object per line. Responses correlate by command name (the legacy
// protocol has no request ids), so at most one request per method may be
// in flight.
type Subprocess struct {
	opts   SubprocessOptions
	stream *eventStream
	connID string

	mu        sync.Mutex
	connected bool
	closed    bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderrBuf *bytes.Buffer
	cancel    context.CancelFunc

	processDone chan struct{} // closed when the process exits
	waitErr     error         // set before processDone is closed

	// writeMu serializes stdin writes. Interleaved writes from
	// concurrent senders would split a frame across another's bytes and
	// corrupt the line protocol.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage // command name -> waiter
}

// NewSubprocess creates a subprocess transport. Call Connect to launch
// the agent.
func NewSubprocess(opts SubprocessOptions) *Subprocess {
	return &Subprocess{
		opts:    opts,
		stream:  newEventStream(),
		connID:  id.Generate(),
		pending: make(map[string]chan json.RawMessage),
	}
}

// Connect launches the agent process and verifies it survives the settle
// window. Idempotent.
func (s *Subprocess) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}

	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, s.opts.Command, "--mode", "rpc")
	cmd.Dir = s.opts.WorkingDir
	cmd.Env = append(cmd.Environ(), agentDirEnv+"="+s.opts.AgentDir)

	// SIGTERM first so the agent can persist its session state; Go sends
	// SIGKILL after WaitDelay if it still hasn't exited.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return ConnectionFailed(fmt.Sprintf("stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return ConnectionFailed(fmt.Sprintf("stdout pipe: %v", err))
	}

	// Capture stderr for startup classification and crash diagnostics.
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		cancel()
		s.mu.Unlock()
		return ConnectionFailed(fmt.Sprintf("start %s: %v", s.opts.Command, err))
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stderrBuf = &stderrBuf
	s.cancel = cancel
	s.processDone = make(chan struct{})
	s.connected = true
	s.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	go s.readOutput(scanner)

	// Settle window: a process that exits immediately never was a
	// connection. Classify recognisable startup errors from stderr.
	select {
	case <-s.processDone:
		s.teardown("startup failure")
		if noModelsPattern.Match(stderrBuf.Bytes()) {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, ErrNoModelsAvailable)
		}
		detail := bytes.TrimSpace(stderrBuf.Bytes())
		if len(detail) > 0 {
			return ConnectionFailed(string(detail))
		}
		return ConnectionFailed("agent exited during startup")
	case <-ctx.Done():
		s.teardown("connect cancelled")
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-time.After(s.opts.settleWindow()):
		return nil
	}
}

// Disconnect terminates the agent process and finalises the event
// stream. Pending waiters fail with a connection-lost error.
func (s *Subprocess) Disconnect() {
	s.teardown("shutdown")
}

func (s *Subprocess) teardown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	stdin := s.stdin
	cancel := s.cancel
	done := s.processDone
	s.mu.Unlock()

	s.failPending(ConnectionLost(reason))

	if stdin != nil {
		// Stdin EOF is the agent's shutdown signal; give it a moment to
		// persist state before escalating to SIGTERM.
		_ = stdin.Close()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			cancel()
			<-done
		}
	}

	s.stream.close()
}

// Send issues a legacy request and waits for the response line carrying
// the same command name.
func (s *Subprocess) Send(ctx context.Context, method string, _ *string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	stdin := s.stdin
	s.mu.Unlock()

	frame, err := wire.EncodeLegacyRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	ch := make(chan json.RawMessage, 1)
	if err := s.registerPending(method, ch); err != nil {
		return nil, err
	}
	defer s.unregisterPending(method)

	s.writeMu.Lock()
	_, err = stdin.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		return nil, ConnectionLost(fmt.Sprintf("write stdin: %v", err))
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, ConnectionLost("channel closed")
		}
		resp, decoded := wire.DecodeResponsePayload(raw)
		if !decoded {
			return nil, InvalidResponse("unparseable response payload")
		}
		if !resp.Success && resp.Error != "" {
			return nil, &ServerError{Message: resp.Error}
		}
		return raw, nil
	case <-s.processDone:
		return nil, ConnectionLost("agent process exited")
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// SendVoid issues a request and discards the response payload.
func (s *Subprocess) SendVoid(ctx context.Context, method string, sessionID *string, params json.RawMessage) error {
	_, err := s.Send(ctx, method, sessionID, params)
	return err
}

// Events returns the transport's event stream.
func (s *Subprocess) Events() <-chan wire.Event {
	return s.stream.ch
}

// IsConnected reports whether the agent process is running.
func (s *Subprocess) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnectionID returns the transport's identity, assigned locally for
// subprocess channels.
func (s *Subprocess) ConnectionID() string {
	return s.connID
}

// Stderr returns the captured stderr output from the agent process.
func (s *Subprocess) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderrBuf == nil {
		return ""
	}
	return s.stderrBuf.String()
}

func (s *Subprocess) registerPending(method string, ch chan json.RawMessage) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, exists := s.pending[method]; exists {
		return fmt.Errorf("%w: request %q already in flight", ErrInvalidResponse, method)
	}
	s.pending[method] = ch
	return nil
}

func (s *Subprocess) unregisterPending(method string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, method)
}

func (s *Subprocess) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for method, ch := range s.pending {
		close(ch)
		delete(s.pending, method)
		slog.Debug("subprocess: failed pending request", "method", method, "error", err)
	}
}

// completeResponse matches a response line to its waiter by command
// name. A response can race the waiter registration, so matching is
// retried a bounded number of times before the line is dropped.
func (s *Subprocess) completeResponse(raw []byte, command string) {
	for attempt := 0; attempt < 5; attempt++ {
		s.pendingMu.Lock()
		ch, ok := s.pending[command]
		s.pendingMu.Unlock()
		if ok {
			select {
			case ch <- json.RawMessage(raw):
			default:
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	slog.Warn("subprocess: response with no matching request, dropping",
		"command", command, "session_id", s.opts.SessionID)
}

func (s *Subprocess) readOutput(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		cleaned, ok := wire.CleanLine(line)
		if !ok {
			slog.Debug("subprocess: dropping non-JSON line", "session_id", s.opts.SessionID)
			continue
		}
		// Scanner reuses its buffer; keep a copy.
		raw := make([]byte, len(cleaned))
		copy(raw, cleaned)

		legacy, err := wire.DecodeLegacyLine(raw)
		if err != nil {
			slog.Debug("subprocess: skipping malformed line",
				"session_id", s.opts.SessionID, "error", err)
			continue
		}

		if legacy.Type == string(wire.EventResponse) {
			resp, ok := wire.DecodeResponsePayload(raw)
			if ok && resp.Command != "" {
				go s.completeResponse(raw, resp.Command)
				continue
			}
			// A response without a command still reaches the hub as an
			// event so server hooks can observe it.
		}

		s.stream.publish(wire.Event{
			SessionID: s.opts.SessionID,
			Type:      wire.EventType(legacy.Type),
			Payload:   raw,
		})
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("subprocess: stdout read error",
			"session_id", s.opts.SessionID, "error", err)
	}

	// Drain stdout fully before Wait closes the pipe.
	s.waitErr = s.cmd.Wait()
	close(s.processDone)

	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if !alreadyClosed {
		s.teardown("agent process exited")
	}
}
