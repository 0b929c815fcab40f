package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// Subprocess agents speak one JSON object per line. Interactive tooling in
// the agent's process tree occasionally leaks terminal escape sequences
// into stdout, so lines are cleaned before parsing: ANSI CSI and OSC
// sequences are stripped and the first '{' anchors the JSON start.

var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`\x1b\].*?(\x07|\x1b\\)`)
)

// StripANSI removes CSI and OSC escape sequences from a line.
func StripANSI(line []byte) []byte {
	line = ansiCSI.ReplaceAll(line, nil)
	line = ansiOSC.ReplaceAll(line, nil)
	return line
}

// CleanLine strips terminal noise and anchors the line at its first '{'.
// ok is false when no JSON object start remains; such lines are dropped.
func CleanLine(line []byte) ([]byte, bool) {
	line = StripANSI(line)
	idx := bytes.IndexByte(line, '{')
	if idx < 0 {
		return nil, false
	}
	return line[idx:], true
}

// LegacyLine is one decoded line of the legacy subprocess protocol.
// Responses correlate by command name; everything else is an event whose
// type field is the event type.
type LegacyLine struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeLegacyLine parses a cleaned line into its type discriminant.
func DecodeLegacyLine(line []byte) (*LegacyLine, error) {
	var l LegacyLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if l.Type == "" {
		return nil, fmt.Errorf("%w: line without type", ErrMalformedFrame)
	}
	l.Raw = append(json.RawMessage(nil), line...)
	return &l, nil
}

// EncodeLegacyRequest builds a legacy request line: the params object with
// a "type" field set to the command name. params must be a JSON object or
// empty.
func EncodeLegacyRequest(method string, params json.RawMessage) ([]byte, error) {
	body := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &body); err != nil {
			return nil, fmt.Errorf("encode legacy request: params must be an object: %w", err)
		}
	}
	typeField, err := json.Marshal(method)
	if err != nil {
		return nil, fmt.Errorf("encode legacy request: %w", err)
	}
	body["type"] = typeField

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode legacy request: %w", err)
	}
	return append(data, '\n'), nil
}
