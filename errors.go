package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported by connection lifecycle checks.
var (
	// ErrNotConnected is returned by operations that need a live,
	// handshake-completed connection when there is none.
	ErrNotConnected = errors.New("client not connected")
	// ErrConnectionClosed rejects pending requests when the connection is
	// torn down before their responses arrive.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrServerNotFound is returned when the configuration source knows no
	// server under the requested name.
	ErrServerNotFound = errors.New("server not found")
)

// ConnectionError reports a transport or process-level failure: spawn
// failures, writes to a dead process, unexpected stream termination.
type ConnectionError struct {
	Op  string // the failing operation, e.g. "spawn", "send"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that an operation produced no result within its
// deadline: a request without a response, an exceeded idle watchdog, or a
// poll that came up empty.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

// ParseError reports an incoming wire message that could not be decoded as
// JSON or that matches none of the three message shapes. A single
// ParseError never terminates the connection.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExitError carries the termination detail of the spawned server process.
// It is the transport's terminal error after an abnormal exit.
type ExitError struct {
	// Code is the process exit code, or -1 when the process was terminated
	// by a signal.
	Code int
	// Signal names the terminating signal when there was one.
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("server process terminated by signal %s", e.Signal)
	}
	return fmt.Sprintf("server process exited with code %d", e.Code)
}

// ErrorCode is a machine-parseable category attached to every error this
// package returns, resolvable through wrapping with ErrorCodeOf.
type ErrorCode string

// Error codes. The JSON-RPC classes mirror the wire codes a server reports;
// the rest categorize local failures.
const (
	ErrorCodeUnknown        ErrorCode = "UNKNOWN"
	ErrorCodeConnection     ErrorCode = "CONNECTION_ERROR"
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeParse          ErrorCode = "PARSE_ERROR"
	ErrorCodeNotConnected   ErrorCode = "NOT_CONNECTED"
	ErrorCodeServerNotFound ErrorCode = "SERVER_NOT_FOUND"
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
	ErrorCodeInvalidParams  ErrorCode = "INVALID_PARAMS"
	ErrorCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// ErrorCodeOf returns the machine-parseable code for err, unwrapping as
// needed. JSONRPCError values map through their numeric code; local error
// types map to their own categories. Returns ErrorCodeUnknown when nothing
// in the chain is recognized.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case CodeParseError:
			return ErrorCodeParse
		case CodeInvalidRequest:
			return ErrorCodeInvalidRequest
		case CodeMethodNotFound:
			return ErrorCodeMethodNotFound
		case CodeInvalidParams:
			return ErrorCodeInvalidParams
		case CodeInternalError:
			return ErrorCodeInternal
		default:
			return ErrorCodeUnknown
		}
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorCodeConnection
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return ErrorCodeTimeout
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ErrorCodeParse
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return ErrorCodeConnection
	}

	switch {
	case errors.Is(err, ErrNotConnected):
		return ErrorCodeNotConnected
	case errors.Is(err, ErrConnectionClosed):
		return ErrorCodeConnection
	case errors.Is(err, ErrServerNotFound):
		return ErrorCodeServerNotFound
	}

	return ErrorCodeUnknown
}

// methodNotFoundError synthesizes the JSON-RPC error an action-style
// operation returns when the server did not advertise the capability it
// needs.
func methodNotFoundError(message string) *JSONRPCError {
	return &JSONRPCError{
		Code:    CodeMethodNotFound,
		Message: message,
	}
}
