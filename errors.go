package tggl

import "fmt"

// TransportError wraps a connectivity or timeout failure from the
// underlying HTTP layer.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "tggl: transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a non-2xx API response. Message carries the server's
// structured error body when one was present.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tggl: %s (HTTP %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("tggl: HTTP %d", e.StatusCode)
}

// MalformedResponseError is a 2xx response whose body did not have the
// expected shape.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "tggl: malformed response: " + e.Reason
}

// SerializationError wraps an encode/decode failure on a request or
// stored-state payload.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return "tggl: serialization error: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage collaborator failure. These are always
// best-effort: they are logged and never block startup or evaluation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "tggl: storage " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
