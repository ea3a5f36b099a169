package ipc

import (
	"errors"
	"fmt"
)

// ErrorType classifies IPC failures.
type ErrorType int

const (
	ErrorTypeInvalidArgument ErrorType = iota
	ErrorTypeEncoding
	ErrorTypeDestinationUnreachable
	ErrorTypeMalformedEnvelope
	ErrorTypeTransferCancelled
	ErrorTypeTransferEvicted
	ErrorTypeTransferTimeout
	ErrorTypeAckFailure
	ErrorTypeStream
	ErrorTypeProtocol
	ErrorTypeClosed
)

// Error represents errors from senders, receivers and transports
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeInvalidArgument:
		return fmt.Sprintf("invalid argument: %s", e.Message)
	case ErrorTypeEncoding:
		return fmt.Sprintf("encoding failure: %s", e.Message)
	case ErrorTypeDestinationUnreachable:
		return fmt.Sprintf("destination unreachable: %s", e.Message)
	case ErrorTypeMalformedEnvelope:
		return fmt.Sprintf("malformed envelope: %s", e.Message)
	case ErrorTypeTransferCancelled:
		return fmt.Sprintf("transfer cancelled: %s", e.Message)
	case ErrorTypeTransferEvicted:
		return fmt.Sprintf("transfer evicted from cache: %s", e.Message)
	case ErrorTypeTransferTimeout:
		return fmt.Sprintf("transfer timed out: %s", e.Message)
	case ErrorTypeAckFailure:
		return fmt.Sprintf("receiver reported failure: %s", e.Message)
	case ErrorTypeStream:
		return fmt.Sprintf("stream error: %s", e.Message)
	case ErrorTypeProtocol:
		return fmt.Sprintf("protocol violation: %s", e.Message)
	case ErrorTypeClosed:
		return "ipc: closed"
	default:
		return fmt.Sprintf("ipc error: %s", e.Message)
	}
}

func newError(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// IsErrorType reports whether err (or anything it wraps) is an *Error of type t.
func IsErrorType(err error, t ErrorType) bool {
	var ipcErr *Error
	if errors.As(err, &ipcErr) {
		return ipcErr.Type == t
	}
	return false
}
