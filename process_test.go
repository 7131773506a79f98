package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mcp "github.com/Marways7/AiliaoX-sub000"
)

func shellServer(script string) mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:    "test-server",
		Command: "/bin/sh",
		Args:    []string{"testdata/" + script},
	}
}

func TestProcessTransportSpawnFailure(t *testing.T) {
	cfg := mcp.ServerConfig{
		Name:    "missing",
		Command: "/nonexistent/definitely-not-a-server",
	}

	_, err := mcp.DialProcess(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected spawn to fail")
	}
	var connErr *mcp.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
}

func TestProcessTransportPingExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := mcp.DialProcess(ctx, shellServer("pingserver.sh"))
	if err != nil {
		t.Fatalf("failed to spawn server: %v", err)
	}
	defer transport.Close()

	if !transport.Connected() {
		t.Fatal("expected Connected() after spawn")
	}

	request := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      json.RawMessage(`1`),
		Method:  mcp.MethodPing,
	}
	if err := transport.Send(ctx, request); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}

	pt, ok := transport.(*mcp.ProcessTransport)
	if !ok {
		t.Fatalf("expected a ProcessTransport, got %T", transport)
	}
	response, err := pt.Receive(ctx)
	if err != nil {
		t.Fatalf("failed to receive pong: %v", err)
	}
	if string(response.ID) != "1" {
		t.Errorf("expected response id 1, got %s", response.ID)
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(response.Result, &pong); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !pong.Pong {
		t.Errorf("expected {pong:true}, got %s", response.Result)
	}
}

func TestProcessTransportMalformedOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := mcp.DialProcess(ctx, shellServer("chatter.sh"))
	if err != nil {
		t.Fatalf("failed to spawn server: %v", err)
	}
	defer transport.Close()

	pt := transport.(*mcp.ProcessTransport)
	for _, want := range []string{"hello1", "hello2"} {
		msg, err := pt.Receive(ctx)
		if err != nil {
			t.Fatalf("failed to receive %s: %v", want, err)
		}
		if msg.Method != want {
			t.Errorf("expected method %s, got %s", want, msg.Method)
		}
	}
	if !transport.Connected() {
		t.Error("expected the connection to survive the malformed line")
	}
}

func TestProcessTransportReportsExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := mcp.ServerConfig{
		Name:    "crasher",
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	}
	transport, err := mcp.DialProcess(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	defer transport.Close()

	done := make(chan struct{})
	go func() {
		for range transport.Messages() {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message stream never ended after process exit")
	}

	var exitErr *mcp.ExitError
	if !errors.As(transport.Err(), &exitErr) {
		t.Fatalf("expected ExitError, got %v", transport.Err())
	}
	if exitErr.Code != 3 {
		t.Errorf("expected exit code 3, got %d", exitErr.Code)
	}
	if transport.Connected() {
		t.Error("expected Connected() to be false after exit")
	}
}

func TestProcessTransportKillAfterGrace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport := mcp.NewProcessTransport(
		shellServer("stubborn.sh"),
		mcp.WithShutdownGrace(100*time.Millisecond),
	)
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}

	start := time.Now()
	if err := transport.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Close took %s, expected the grace window plus a kill", elapsed)
	}
	if transport.Connected() {
		t.Error("expected Connected() to be false after Close")
	}
	// Idempotent.
	if err := transport.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestProcessTransportIdleWatchdog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport := mcp.NewProcessTransport(
		shellServer("pingserver.sh"),
		mcp.WithIdleTimeout(100*time.Millisecond),
		mcp.WithShutdownGrace(time.Second),
	)
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to spawn: %v", err)
	}
	defer transport.Close()

	deadline := time.Now().Add(5 * time.Second)
	for transport.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("idle watchdog never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	var timeoutErr *mcp.TimeoutError
	if !errors.As(transport.Err(), &timeoutErr) {
		t.Errorf("expected TimeoutError from the watchdog, got %v", transport.Err())
	}
}
