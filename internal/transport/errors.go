package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transport failure taxonomy. Reason-carrying
// kinds wrap their sentinel so callers can match with errors.Is and
// still read the detail.
var (
	ErrNotConnected      = errors.New("transport: not connected")
	ErrConnectionFailed  = errors.New("transport: connection failed")
	ErrConnectionLost    = errors.New("transport: connection lost")
	ErrEncodingFailed    = errors.New("transport: encoding failed")
	ErrDecodingFailed    = errors.New("transport: decoding failed")
	ErrInvalidResponse   = errors.New("transport: invalid response")
	ErrTimeout           = errors.New("transport: request timed out")
	ErrCancelled         = errors.New("transport: request cancelled")
	ErrNoModelsAvailable = errors.New("transport: no models available")
)

// ConnectionFailed wraps ErrConnectionFailed with a reason.
func ConnectionFailed(reason string) error {
	return fmt.Errorf("%w: %s", ErrConnectionFailed, reason)
}

// ConnectionLost wraps ErrConnectionLost with a reason.
func ConnectionLost(reason string) error {
	return fmt.Errorf("%w: %s", ErrConnectionLost, reason)
}

// InvalidResponse wraps ErrInvalidResponse with a detail.
func InvalidResponse(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, detail)
}

// ServerError is an error the agent sent in a response envelope.
type ServerError struct {
	Code    string
	Message string
	Details string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport: server error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("transport: server error: %s", e.Message)
}
