// Package errors defines the error taxonomy of the log service. The kinds
// mirror how failures propagate: protocol violations crash the node,
// transient send failures are retried then dropped, and the remaining kinds
// surface to function workers as result types.
package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for log operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeTruncated       ErrorCode = 1002
	ErrCodeUnknownShard    ErrorCode = 1003

	// Server errors
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeProtocolViolation  ErrorCode = 2001
	ErrCodeTransientSend      ErrorCode = 2002
	ErrCodeViewChanged        ErrorCode = 2003
	ErrCodeBackendUnavailable ErrorCode = 2004
)

// LogError represents a structured error with code and context
type LogError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *LogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *LogError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts LogError to gRPC status
func (e *LogError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *LogError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeUnknownShard:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeTruncated:
		return codes.DataLoss
	case ErrCodeViewChanged:
		return codes.Aborted
	case ErrCodeTransientSend, ErrCodeBackendUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewLogError creates a new LogError
func NewLogError(code ErrorCode, message string, cause error) *LogError {
	return &LogError{Code: code, Message: message, Cause: cause}
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *LogError {
	return NewLogError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(message string) *LogError {
	return NewLogError(ErrCodeNotFound, message, nil)
}

func Truncated(seqnum uint64) *LogError {
	return NewLogError(ErrCodeTruncated, fmt.Sprintf("log entry %#016x trimmed", seqnum), nil)
}

func UnknownShard(shardID uint16) *LogError {
	return NewLogError(ErrCodeUnknownShard, fmt.Sprintf("unknown storage shard %d", shardID), nil)
}

func ProtocolViolation(message string) *LogError {
	return NewLogError(ErrCodeProtocolViolation, message, nil)
}

func TransientSend(message string, cause error) *LogError {
	return NewLogError(ErrCodeTransientSend, message, cause)
}

func ViewChanged(viewID uint16) *LogError {
	return NewLogError(ErrCodeViewChanged, fmt.Sprintf("view %d no longer current", viewID), nil)
}

func BackendUnavailable(message string, cause error) *LogError {
	return NewLogError(ErrCodeBackendUnavailable, message, cause)
}

func InternalError(message string, cause error) *LogError {
	return NewLogError(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if le, ok := err.(*LogError); ok {
		return le.Code
	}
	return ErrCodeInternal
}
