package relay

import (
	"errors"
	"fmt"
)

var (
	ErrTransport             = errors.New("relay transport error")
	ErrProtocol              = errors.New("relay returned an error")
	ErrNonConformantResponse = errors.New("relay returned a non-conformant response")
)

// TransportError is a network failure or an HTTP error status without a JSON-RPC body
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrTransport, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: http status %d: %s", ErrTransport, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: http status %d", ErrTransport, e.StatusCode)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a well-formed JSON-RPC error object returned by the relay
type ProtocolError struct {
	StatusCode int
	Code       int
	Message    string
	Data       any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %d: %s", ErrProtocol, e.Code, e.Message)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// NonConformantResponseError is returned when the relay body is not a JSON-RPC response,
// or its result does not decode. Body holds the raw text.
type NonConformantResponseError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *NonConformantResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (status %d): %q: %v", ErrNonConformantResponse, e.StatusCode, e.Body, e.Err)
	}
	return fmt.Sprintf("%s (status %d): %q", ErrNonConformantResponse, e.StatusCode, e.Body)
}

func (e *NonConformantResponseError) Is(target error) bool {
	return target == ErrNonConformantResponse
}

func (e *NonConformantResponseError) Unwrap() error {
	return e.Err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrNonConformantResponse):
		return "non_conformant"
	default:
		return "other"
	}
}
