package tensor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Code classifies engine errors so callers can decide between retrying
// (allocation pressure) and abandoning (corruption, not found).
type Code int

const (
	CodeUnknown Code = iota
	// CodeAllocationFailure: the segment or slab cannot satisfy a
	// request right now. Retryable after reclaim.
	CodeAllocationFailure
	// CodePoolExhausted: the pool-level capacity ceiling was hit.
	CodePoolExhausted
	// CodeCorruption: checksum mismatch or undecodable stored bytes.
	// Fatal for the affected reference.
	CodeCorruption
	// CodeNotFound: lookup miss in the registry.
	CodeNotFound
	// CodeCompression: the codec failed to compress or decompress.
	CodeCompression
	// CodeBackend: the requested memory backend is unavailable here.
	CodeBackend
	// CodeConcurrency: a cross-reference race was detected.
	CodeConcurrency
	// CodeOutOfBounds: an offset/length pair escapes its segment or
	// allocation. Never silently truncated.
	CodeOutOfBounds
	// CodeInvalidState: the reference is in the wrong lifecycle state
	// for the requested operation (e.g. materialize after detach).
	CodeInvalidState
	// CodeClosed: the manager or pool has been shut down.
	CodeClosed
	// CodeNotImplemented: placeholder backends such as CUDA IPC.
	CodeNotImplemented
)

func (c Code) String() string {
	switch c {
	case CodeAllocationFailure:
		return "allocation failure"
	case CodePoolExhausted:
		return "pool exhausted"
	case CodeCorruption:
		return "corruption"
	case CodeNotFound:
		return "not found"
	case CodeCompression:
		return "compression"
	case CodeBackend:
		return "backend unavailable"
	case CodeConcurrency:
		return "concurrency"
	case CodeOutOfBounds:
		return "out of bounds"
	case CodeInvalidState:
		return "invalid state"
	case CodeClosed:
		return "closed"
	case CodeNotImplemented:
		return "not implemented"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by all public engine operations.
type Error struct {
	Code Code
	Op   string
	ID   uuid.UUID // zero when the error is not tensor-scoped
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Code.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.ID != uuid.Nil {
		s += " (tensor " + e.ID.String() + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a typed error with a formatted message.
func Errf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to an underlying error.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// WithID returns a copy of the error carrying the tensor id.
func (e *Error) WithID(id uuid.UUID) *Error {
	dup := *e
	dup.ID = id
	return &dup
}

// CodeOf extracts the classification from err, or CodeUnknown.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
