package wire

import "encoding/json"

// Relay-emitted server frames. These are sent to clients alongside
// forwarded agent events and never originate from the agent.

// Server frame types.
const (
	FrameConnected     = "connected"
	FrameReplayStart   = "replay_start"
	FrameReplayEnd     = "replay_end"
	FrameSandboxStatus = "sandbox_status"
	FrameError         = "error"
)

// Sandbox statuses reported to clients.
const (
	SandboxRunning = "running"
	SandboxPaused  = "paused"
	SandboxStopped = "stopped"
)

// Relay error codes sent in error frames.
const (
	CodeUnknownClient   = "UNKNOWN_CLIENT"
	CodeNotController   = "NOT_CONTROLLER"
	CodeChannelDetached = "CHANNEL_DETACHED"
	CodeSlowConsumer    = "SLOW_CONSUMER"
)

// WebSocket close codes at the relay's client edge.
const (
	CloseMissingClientID  = 4001
	CloseSessionNotActive = 4003
	CloseSessionNotFound  = 4004
	CloseInternalError    = 1011
)

// ServerFrame is the shape of every relay-emitted frame.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	LastSeq   uint64 `json:"lastSeq,omitempty"`
	FromSeq   uint64 `json:"fromSeq,omitempty"`
	ToSeq     uint64 `json:"toSeq,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
}

// ConnectedFrame acknowledges a client attach and reports the journal head.
func ConnectedFrame(sessionID string, lastSeq uint64) []byte {
	return mustMarshal(ServerFrame{Type: FrameConnected, SessionID: sessionID, LastSeq: lastSeq})
}

// ReplayStartFrame opens a replay span.
func ReplayStartFrame(fromSeq, toSeq uint64) []byte {
	return mustMarshal(ServerFrame{Type: FrameReplayStart, FromSeq: fromSeq, ToSeq: toSeq})
}

// ReplayEndFrame closes a replay span.
func ReplayEndFrame() []byte {
	return mustMarshal(ServerFrame{Type: FrameReplayEnd})
}

// SandboxStatusFrame reports a sandbox lifecycle change.
func SandboxStatusFrame(status, message string) []byte {
	return mustMarshal(ServerFrame{Type: FrameSandboxStatus, Status: status, Message: message})
}

// EventFrame wraps a journaled agent event for client delivery. Clients
// track the seq of the last event frame they saw and present it on
// reconnect to drive replay.
func EventFrame(sessionID string, seq uint64, eventType string, payload json.RawMessage) []byte {
	data, err := NewEvent(sessionID, seq, eventType, payload).Encode()
	if err != nil {
		panic("wire: marshal event frame: " + err.Error())
	}
	return data
}

// ErrorFrame reports a relay-level error to one client.
func ErrorFrame(code, message string) []byte {
	return mustMarshal(ServerFrame{Type: FrameError, Code: code, Message: message})
}

func mustMarshal(f ServerFrame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// ServerFrame contains only marshalable fields.
		panic("wire: marshal server frame: " + err.Error())
	}
	return data
}
