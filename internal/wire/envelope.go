package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the socket envelope version this relay speaks.
const ProtocolVersion = 1

// Envelope kinds.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Envelope decoding errors.
var (
	// ErrUnknownKind marks a structurally valid frame of a kind this
	// version does not understand. Callers skip these silently.
	ErrUnknownKind = errors.New("unknown envelope kind")

	ErrMalformedFrame = errors.New("malformed frame")
)

// ErrorBody is the error half of a response envelope.
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *ErrorBody) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Envelope is one versioned frame on the socket transport. SessionID is a
// pointer because absence is meaningful for routing: a request without a
// session targets the connection itself (e.g. hello).
type Envelope struct {
	V         int     `json:"v"`
	Kind      Kind    `json:"kind"`
	ID        string  `json:"id,omitempty"`
	SessionID *string `json:"sessionId,omitempty"`

	// Request fields.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`

	// Event fields.
	Seq     *uint64         `json:"seq,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds a request envelope. sessionID may be nil.
func NewRequest(id, method string, sessionID *string, params json.RawMessage) *Envelope {
	return &Envelope{
		V:         ProtocolVersion,
		Kind:      KindRequest,
		ID:        id,
		SessionID: sessionID,
		Method:    method,
		Params:    params,
	}
}

// NewResponse builds a success response envelope.
func NewResponse(id string, result json.RawMessage) *Envelope {
	ok := true
	return &Envelope{V: ProtocolVersion, Kind: KindResponse, ID: id, OK: &ok, Result: result}
}

// NewErrorResponse builds a failure response envelope.
func NewErrorResponse(id, code, message string) *Envelope {
	ok := false
	return &Envelope{
		V: ProtocolVersion, Kind: KindResponse, ID: id, OK: &ok,
		Error: &ErrorBody{Code: code, Message: message},
	}
}

// NewEvent builds an event envelope.
func NewEvent(sessionID string, seq uint64, eventType string, payload json.RawMessage) *Envelope {
	return &Envelope{
		V: ProtocolVersion, Kind: KindEvent,
		SessionID: &sessionID, Seq: &seq,
		Type: eventType, Payload: payload,
	}
}

// Encode marshals the envelope to a single JSON frame.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses one frame. It returns ErrMalformedFrame for
// unparseable bytes or a version this relay does not speak, and
// ErrUnknownKind for kinds outside the protocol (callers ignore those).
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if e.V != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, e.V)
	}
	switch e.Kind {
	case KindRequest:
		if e.Method == "" {
			return nil, fmt.Errorf("%w: request without method", ErrMalformedFrame)
		}
	case KindResponse:
		if e.ID == "" {
			return nil, fmt.Errorf("%w: response without id", ErrMalformedFrame)
		}
	case KindEvent:
		if e.SessionID == nil || *e.SessionID == "" {
			return nil, fmt.Errorf("%w: event without sessionId", ErrMalformedFrame)
		}
		if e.Type == "" {
			return nil, fmt.Errorf("%w: event without type", ErrMalformedFrame)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return &e, nil
}

// Event converts an event envelope into a transport Event.
func (e *Envelope) Event() *Event {
	ev := &Event{
		Type:    EventType(e.Type),
		Payload: e.Payload,
	}
	if e.SessionID != nil {
		ev.SessionID = *e.SessionID
	}
	if e.Seq != nil {
		ev.Seq = *e.Seq
		ev.HasSeq = true
	}
	return ev
}

// Hello handshake structures exchanged on socket connect.

// HelloParams is the client half of the hello exchange.
type HelloParams struct {
	ClientInfo ClientInfo  `json:"clientInfo"`
	Resume     *ResumeInfo `json:"resume,omitempty"`
}

// ClientInfo identifies the connecting peer.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResumeInfo is presented on reconnect so the server can replay missed events.
type ResumeInfo struct {
	ConnectionID     string            `json:"connectionId"`
	LastSeqBySession map[string]uint64 `json:"lastSeqBySession"`
}

// HelloResult is the server half of the hello exchange.
type HelloResult struct {
	ConnectionID   string `json:"connectionId"`
	SupportsResume bool   `json:"supportsResume"`
	ReplayWindowS  int    `json:"replayWindowSeconds,omitempty"`
	Resumed        bool   `json:"resumed,omitempty"`
}
