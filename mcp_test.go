package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	mcp "github.com/Marways7/AiliaoX-sub000"
)

// pipeTransports returns a crosswired pair of transports: whatever the
// client sends arrives on the server side and vice versa.
func pipeTransports() (clientTransport, serverTransport *mcp.StdIO) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	return mcp.NewStdIO(clientReader, clientWriter), mcp.NewStdIO(serverReader, serverWriter)
}

// fakeHandler produces the response for one server-side method. Returning
// a nil result and a nil error means no response is sent at all, which
// tests use to leave a request in flight.
type fakeHandler func(msg mcp.JSONRPCMessage) (json.RawMessage, *mcp.JSONRPCError)

// fakeServer is an in-memory MCP server driven entirely by its transport.
// It answers initialize with the configured capability set and dispatches
// every other request to its handler table, recording the traffic it saw.
type fakeServer struct {
	transport       *mcp.StdIO
	capabilities    string
	protocolVersion string
	handlers        map[string]fakeHandler

	// fromClient receives responses the client sends to server-initiated
	// requests.
	fromClient chan mcp.JSONRPCMessage

	mu       sync.Mutex
	requests []mcp.JSONRPCMessage
	notes    []mcp.JSONRPCMessage
}

// newFakeServer wires a fake server to a fresh transport pair and returns
// it with a Dialer handing out the client side. The capabilities string is
// the raw JSON object advertised during the handshake.
func newFakeServer(t *testing.T, capabilities string) (*fakeServer, mcp.Dialer) {
	t.Helper()

	clientTransport, serverTransport := pipeTransports()
	s := &fakeServer{
		transport:       serverTransport,
		capabilities:    capabilities,
		protocolVersion: "2024-11-05",
		handlers:        make(map[string]fakeHandler),
		fromClient:      make(chan mcp.JSONRPCMessage, 4),
	}
	go s.serve()

	t.Cleanup(func() {
		clientTransport.Close()
		serverTransport.Close()
	})

	dialer := func(context.Context, mcp.ServerConfig) (mcp.Transport, error) {
		return clientTransport, nil
	}
	return s, dialer
}

func (s *fakeServer) handle(method string, handler fakeHandler) {
	s.handlers[method] = handler
}

func (s *fakeServer) serve() {
	for msg := range s.transport.Messages() {
		switch msg.Kind() {
		case mcp.KindNotification:
			s.mu.Lock()
			s.notes = append(s.notes, msg)
			s.mu.Unlock()
		case mcp.KindResponse:
			s.fromClient <- msg
		case mcp.KindRequest:
			s.mu.Lock()
			s.requests = append(s.requests, msg)
			s.mu.Unlock()

			if msg.Method == "initialize" {
				result := `{"protocolVersion":"` + s.protocolVersion + `",` +
					`"capabilities":` + s.capabilities + `,` +
					`"serverInfo":{"name":"fake-server","version":"1.0.0"}}`
				s.respond(msg.ID, json.RawMessage(result), nil)
				continue
			}

			handler, ok := s.handlers[msg.Method]
			if !ok {
				s.respond(msg.ID, nil, &mcp.JSONRPCError{
					Code:    mcp.CodeMethodNotFound,
					Message: "method not found",
				})
				continue
			}
			result, rpcErr := handler(msg)
			if result == nil && rpcErr == nil {
				continue
			}
			s.respond(msg.ID, result, rpcErr)
		}
	}
}

func (s *fakeServer) respond(id json.RawMessage, result json.RawMessage, rpcErr *mcp.JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.transport.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	})
}

// request issues a server-initiated request to the client; the response
// arrives on fromClient.
func (s *fakeServer) request(id, method string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.transport.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      json.RawMessage(`"` + id + `"`),
		Method:  method,
	})
}

// notify sends a server-initiated notification to the client.
func (s *fakeServer) notify(method string, params json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.transport.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

func (s *fakeServer) sawRequest(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.requests {
		if m.Method == method {
			return true
		}
	}
	return false
}

func (s *fakeServer) sawNotification(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.notes {
		if m.Method == method {
			return true
		}
	}
	return false
}

// requestIDs returns the numeric ids of every request the server saw, in
// arrival order.
func (s *fakeServer) requestIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.requests))
	for _, m := range s.requests {
		if id, ok := m.IDInt64(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// notification returns the first notification received with the given
// method.
func (s *fakeServer) notification(method string) (mcp.JSONRPCMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.notes {
		if m.Method == method {
			return m, true
		}
	}
	return mcp.JSONRPCMessage{}, false
}

// testRetry keeps connect-failure tests fast.
var testRetry = mcp.RetryConfig{
	MaxRetries:        1,
	RetryDelay:        time.Millisecond,
	BackoffMultiplier: 1,
}

// newTestClient builds a client pointed at the given dialer with a
// single-server source named "fake" and disconnects it on cleanup.
func newTestClient(t *testing.T, dialer mcp.Dialer, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()
	source := mcp.SingleServer(mcp.ServerConfig{Name: "fake"}, testRetry)
	return newTestClientWithSource(t, source, dialer, options...)
}

func newTestClientWithSource(
	t *testing.T,
	source mcp.ServerSource,
	dialer mcp.Dialer,
	options ...mcp.ClientOption,
) *mcp.Client {
	t.Helper()
	options = append(options, mcp.WithDialer(dialer))
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "0.1.0"}, source, options...)
	t.Cleanup(func() {
		_ = client.Disconnect()
	})
	return client
}

// toolResult builds the wire result of a tool call with a single text
// content item.
func toolResult(text string, isError bool) json.RawMessage {
	result := mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
		IsError: isError,
	}
	bs, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return bs
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
