// Package wire defines the relay's message formats: the versioned socket
// envelope, the line-framed legacy protocol spoken by subprocess agents,
// the event type taxonomy, and the relay-emitted client frames.
package wire

import (
	"encoding/json"
)

// EventType discriminates agent events. The set is closed; anything else
// is carried as an unknown event with its raw bytes preserved.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventAgentEnd            EventType = "agent_end"
	EventTurnStart           EventType = "turn_start"
	EventTurnEnd             EventType = "turn_end"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventAutoCompactionStart EventType = "auto_compaction_start"
	EventAutoCompactionEnd   EventType = "auto_compaction_end"
	EventAutoRetryStart      EventType = "auto_retry_start"
	EventAutoRetryEnd        EventType = "auto_retry_end"
	EventExtensionError      EventType = "extension_error"
	EventExtensionUIRequest  EventType = "extension_ui_request"
	EventStateUpdate         EventType = "state_update"
	EventModelChanged        EventType = "model_changed"
	EventNativeToolRequest   EventType = "native_tool_request"
	EventNativeToolCancel    EventType = "native_tool_cancel"
	EventResponse            EventType = "response"
)

var knownEventTypes = map[EventType]bool{
	EventAgentStart: true, EventAgentEnd: true,
	EventTurnStart: true, EventTurnEnd: true,
	EventMessageStart: true, EventMessageUpdate: true, EventMessageEnd: true,
	EventToolExecutionStart: true, EventToolExecutionUpdate: true, EventToolExecutionEnd: true,
	EventAutoCompactionStart: true, EventAutoCompactionEnd: true,
	EventAutoRetryStart: true, EventAutoRetryEnd: true,
	EventExtensionError: true, EventExtensionUIRequest: true,
	EventStateUpdate: true, EventModelChanged: true,
	EventNativeToolRequest: true, EventNativeToolCancel: true,
	EventResponse: true,
}

// Known reports whether t belongs to the closed event taxonomy.
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// Event is a decoded agent event as it crosses a transport. Raw always
// holds the exact payload bytes so forwarding is lossless even for
// unknown types.
type Event struct {
	SessionID string
	Seq       uint64 // assigned by the server on socket transports; 0 when absent
	HasSeq    bool
	Type      EventType
	Payload   json.RawMessage
}

// Unknown reports whether the event's type falls outside the taxonomy.
func (e *Event) Unknown() bool {
	return !e.Type.Known()
}

// ResponsePayload is the decoded body of a "response" event: the legacy
// reply to a command, correlated by command name.
type ResponsePayload struct {
	Command     string          `json:"command"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	SessionName string          `json:"sessionName,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ExtensionUIPayload is the decoded body of an extension_ui_request.
type ExtensionUIPayload struct {
	RequestID string          `json:"requestId,omitempty"`
	Method    string          `json:"method"`
	Title     string          `json:"title,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// DecodeResponsePayload decodes a response event body. Returns false if
// the payload is not parseable.
func DecodeResponsePayload(payload []byte) (ResponsePayload, bool) {
	var p ResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ResponsePayload{}, false
	}
	return p, true
}

// DecodeExtensionUIPayload decodes an extension_ui_request body.
func DecodeExtensionUIPayload(payload []byte) (ExtensionUIPayload, bool) {
	var p ExtensionUIPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ExtensionUIPayload{}, false
	}
	return p, true
}

// AssistantEventType discriminates the streaming sub-events carried
// inside message_update payloads.
type AssistantEventType string

const (
	AssistantTextDelta         AssistantEventType = "text_delta"
	AssistantThinkingDelta     AssistantEventType = "thinking_delta"
	AssistantToolUseStart      AssistantEventType = "tool_use_start"
	AssistantToolUseInputDelta AssistantEventType = "tool_use_input_delta"
	AssistantToolUseEnd        AssistantEventType = "tool_use_end"
	AssistantMessageStart      AssistantEventType = "message_start"
	AssistantMessageEnd        AssistantEventType = "message_end"
	AssistantContentBlockStart AssistantEventType = "content_block_start"
	AssistantContentBlockEnd   AssistantEventType = "content_block_end"
)

// assistantAliases maps legacy sub-event names emitted by older agents
// to their canonical equivalents.
var assistantAliases = map[string]AssistantEventType{
	"text_start":     AssistantTextDelta,
	"text_end":       AssistantTextDelta,
	"toolcall_start": AssistantToolUseStart,
	"toolcall_delta": AssistantToolUseInputDelta,
	"toolcall_end":   AssistantToolUseEnd,
	"start":          AssistantMessageStart,
	"done":           AssistantMessageEnd,
}

var canonicalAssistant = map[AssistantEventType]bool{
	AssistantTextDelta: true, AssistantThinkingDelta: true,
	AssistantToolUseStart: true, AssistantToolUseInputDelta: true, AssistantToolUseEnd: true,
	AssistantMessageStart: true, AssistantMessageEnd: true,
	AssistantContentBlockStart: true, AssistantContentBlockEnd: true,
}

// CanonicalAssistantEvent maps a sub-event name (canonical or legacy
// alias) to its canonical type. ok is false for names outside the set.
func CanonicalAssistantEvent(name string) (AssistantEventType, bool) {
	if canonicalAssistant[AssistantEventType(name)] {
		return AssistantEventType(name), true
	}
	if canonical, ok := assistantAliases[name]; ok {
		return canonical, true
	}
	return "", false
}

// ClientCommandType discriminates commands sent by relay clients.
type ClientCommandType string

const (
	CommandPrompt              ClientCommandType = "prompt"
	CommandSteer               ClientCommandType = "steer"
	CommandFollowUp            ClientCommandType = "follow_up"
	CommandAbort               ClientCommandType = "abort"
	CommandGetState            ClientCommandType = "get_state"
	CommandGetMessages         ClientCommandType = "get_messages"
	CommandGetAvailableModels  ClientCommandType = "get_available_models"
	CommandSetModel            ClientCommandType = "set_model"
	CommandNewSession          ClientCommandType = "new_session"
	CommandSwitchSession       ClientCommandType = "switch_session"
	CommandExtensionUIResponse ClientCommandType = "extension_ui_response"
)

// ClientCommand is a decoded command from a client. Raw holds the exact
// bytes to forward to the agent.
type ClientCommand struct {
	Type    ClientCommandType `json:"type"`
	Message string            `json:"message,omitempty"`
	Raw     json.RawMessage   `json:"-"`
}

// writerCommands are the command types that mark the sender as the most
// recent writer for controller election.
var writerCommands = map[ClientCommandType]bool{
	CommandPrompt:   true,
	CommandSteer:    true,
	CommandFollowUp: true,
}

// IsWriter reports whether the command marks its sender as last writer.
func (c ClientCommandType) IsWriter() bool {
	return writerCommands[c]
}

// DecodeClientCommand parses a client command frame, preserving the raw bytes.
func DecodeClientCommand(data []byte) (ClientCommand, error) {
	var c ClientCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return ClientCommand{}, err
	}
	c.Raw = append(json.RawMessage(nil), data...)
	return c, nil
}
