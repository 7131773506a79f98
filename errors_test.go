package mcp_test

import (
	"fmt"
	"testing"
	"time"

	mcp "github.com/Marways7/AiliaoX-sub000"
)

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want mcp.ErrorCode
	}{
		{
			name: "nil",
			err:  nil,
			want: mcp.ErrorCodeUnknown,
		},
		{
			name: "connection error",
			err:  &mcp.ConnectionError{Op: "spawn", Err: fmt.Errorf("no such file")},
			want: mcp.ErrorCodeConnection,
		},
		{
			name: "timeout error",
			err:  &mcp.TimeoutError{Op: "request tools/call", Timeout: time.Second},
			want: mcp.ErrorCodeTimeout,
		},
		{
			name: "parse error",
			err:  &mcp.ParseError{Err: fmt.Errorf("bad json")},
			want: mcp.ErrorCodeParse,
		},
		{
			name: "exit error maps to connection",
			err:  &mcp.ExitError{Code: 3},
			want: mcp.ErrorCodeConnection,
		},
		{
			name: "rpc method not found",
			err:  &mcp.JSONRPCError{Code: mcp.CodeMethodNotFound, Message: "nope"},
			want: mcp.ErrorCodeMethodNotFound,
		},
		{
			name: "rpc invalid params",
			err:  &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "nope"},
			want: mcp.ErrorCodeInvalidParams,
		},
		{
			name: "rpc internal",
			err:  &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: "nope"},
			want: mcp.ErrorCodeInternal,
		},
		{
			name: "wrapped rpc error",
			err:  fmt.Errorf("result error: %w", &mcp.JSONRPCError{Code: mcp.CodeMethodNotFound}),
			want: mcp.ErrorCodeMethodNotFound,
		},
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("failed to list tools: %w", mcp.ErrNotConnected),
			want: mcp.ErrorCodeNotConnected,
		},
		{
			name: "server not found sentinel",
			err:  fmt.Errorf("no server %q: %w", "db", mcp.ErrServerNotFound),
			want: mcp.ErrorCodeServerNotFound,
		},
		{
			name: "deeply wrapped connection error",
			err:  fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", &mcp.ConnectionError{Op: "send", Err: fmt.Errorf("pipe")})),
			want: mcp.ErrorCodeConnection,
		},
		{
			name: "unrecognized",
			err:  fmt.Errorf("something else"),
			want: mcp.ErrorCodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mcp.ErrorCodeOf(tt.err); got != tt.want {
				t.Errorf("ErrorCodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExitErrorMessages(t *testing.T) {
	byCode := &mcp.ExitError{Code: 3}
	if got := byCode.Error(); got != "server process exited with code 3" {
		t.Errorf("unexpected message %q", got)
	}
	bySignal := &mcp.ExitError{Code: -1, Signal: "killed"}
	if got := bySignal.Error(); got != "server process terminated by signal killed" {
		t.Errorf("unexpected message %q", got)
	}
}
