package tapproxy

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	// ErrInvalidDefinition is returned when a schema definition cannot be parsed.
	ErrInvalidDefinition = errors.New("invalid schema definition")
	// ErrDuplicateID is returned when two message definitions share an id or name.
	ErrDuplicateID = errors.New("duplicate message definition")

	// ErrTruncated is returned when a stream ends inside a frame.
	ErrTruncated = errors.New("truncated frame")
	// ErrMessageTooLarge is returned when a frame declares more than the maximum length.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrShortPayload is returned when a field needs more bytes than remain.
	ErrShortPayload = errors.New("short payload")
	// ErrTrailingBytes is returned when bytes remain after the last field.
	ErrTrailingBytes = errors.New("trailing bytes")
	// ErrBadLength is returned for a negative or implausible length prefix.
	ErrBadLength = errors.New("bad length prefix")
	// ErrUnknownMessage is returned when encoding an id with no schema.
	ErrUnknownMessage = errors.New("unknown message id")
)

// LoadError reports a schema definition that could not be loaded.
// It is fatal at startup.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FramingError reports a frame that was cut short by the end of the stream.
type FramingError struct {
	Direction Direction
	Declared  int
	Available int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s stream: truncated frame: declared %d bytes, %d available",
		e.Direction, e.Declared, e.Available)
}

func (e *FramingError) Is(target error) bool { return target == ErrTruncated }

// DecodeError reports a payload whose shape does not match its schema.
type DecodeError struct {
	ID     uint16
	Name   string
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %s(%d) at offset %d: %v", e.Name, e.ID, e.Offset, e.Err)
	}
	return fmt.Sprintf("decode %s(%d) field %q at offset %d: %v", e.Name, e.ID, e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a value that does not fit its schema.
type EncodeError struct {
	ID    uint16
	Field string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %d field %q: %v", e.ID, e.Field, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// TapError reports a tap that failed while processing one message.
type TapError struct {
	Direction Direction
	ID        uint16
	Err       error
}

func (e *TapError) Error() string {
	return fmt.Sprintf("%s tap on message %d: %v", e.Direction, e.ID, e.Err)
}

func (e *TapError) Unwrap() error { return e.Err }

// IOError reports a failure of the underlying byte source or sink.
// It is fatal to the session.
type IOError struct {
	Op        string
	Direction Direction
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
