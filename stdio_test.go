package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	mcp "github.com/Marways7/AiliaoX-sub000"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	clientTransport, serverTransport := pipeTransports()
	defer clientTransport.Close()
	defer serverTransport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	testMessages := []mcp.JSONRPCMessage{
		{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "request1",
			Params:  json.RawMessage(`{"data": "first request"}`),
		},
		{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "request2",
			Params:  json.RawMessage(`{"data": "second request"}`),
		},
	}

	for _, msg := range testMessages {
		// Server to client
		if err := serverTransport.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send server message: %v", err)
		}
		received, err := clientTransport.Receive(ctx)
		if err != nil {
			t.Fatalf("client failed to receive: %v", err)
		}
		if received.Method != msg.Method {
			t.Errorf("client received wrong message. Got %s, want %s",
				received.Method, msg.Method)
		}

		// Client to server
		response := mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "response_" + msg.Method,
			Params:  json.RawMessage(`{"received": "` + msg.Method + `"}`),
		}
		if err := clientTransport.Send(ctx, response); err != nil {
			t.Fatalf("failed to send client message: %v", err)
		}
		received, err = serverTransport.Receive(ctx)
		if err != nil {
			t.Fatalf("server failed to receive: %v", err)
		}
		if received.Method != "response_"+msg.Method {
			t.Errorf("server received wrong response. Got %s, want response_%s",
				received.Method, msg.Method)
		}
	}
}

func TestStdIOMalformedLineSkipped(t *testing.T) {
	reader, writer := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)
	defer transport.Close()

	go func() {
		lines := []string{
			`{"jsonrpc":"2.0","method":"first"}`,
			`not-json`,
			`{"jsonrpc":"2.0","method":"second"}`,
		}
		for _, line := range lines {
			if _, err := writer.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The malformed line between the two valid ones must not interrupt
	// delivery or terminate the stream.
	for _, want := range []string{"first", "second"} {
		msg, err := transport.Receive(ctx)
		if err != nil {
			t.Fatalf("failed to receive %s message: %v", want, err)
		}
		if msg.Method != want {
			t.Errorf("expected method %s, got %s", want, msg.Method)
		}
	}
	if !transport.Connected() {
		t.Error("expected the transport to stay connected past a malformed line")
	}
}

func TestStdIOReceiveTimeout(t *testing.T) {
	reader, _ := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := transport.Receive(ctx)
	var timeoutErr *mcp.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %T: %v", err, err)
	}
}

func TestStdIOSendAfterClose(t *testing.T) {
	reader, _ := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)
	if err := transport.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := transport.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err := transport.Send(context.Background(), mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "ping",
	})
	var connErr *mcp.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError after Close, got %T: %v", err, err)
	}
	if transport.Connected() {
		t.Error("expected Connected() to be false after Close")
	}
}

func TestStdIOCleanEOFEndsStream(t *testing.T) {
	reader, writer := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)
	defer transport.Close()

	done := make(chan int, 1)
	go func() {
		count := 0
		for range transport.Messages() {
			count++
		}
		done <- count
	}()

	if _, err := writer.Write([]byte(`{"jsonrpc":"2.0","method":"only"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	select {
	case count := <-done:
		if count != 1 {
			t.Errorf("expected 1 message before EOF, got %d", count)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message iteration never ended after EOF")
	}

	// EOF is a clean end of stream, not a terminal error.
	if err := transport.Err(); err != nil {
		t.Errorf("expected nil Err after clean EOF, got %v", err)
	}
	if transport.Connected() {
		t.Error("expected Connected() to be false after EOF")
	}
}
