package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

const (
	defaultWriteTimeout         = 30 * time.Second
	defaultPingInterval         = 30 * time.Second
	defaultPingFailureThreshold = 3
)

// Client drives one Model Context Protocol server at a time. It spawns
// the server through its Dialer, performs the initialize handshake, and
// exposes the server's tools, resources, and prompts as typed
// operations. Connection loss is reported through the error and state
// handlers, and in-flight requests are rejected rather than silently
// dropped.
//
// A Client must be created using NewClient() and requires Connect() to
// be called before any operations can be performed. All methods are
// safe for concurrent use.
type Client struct {
	info   Info
	source ServerSource
	dialer Dialer
	logger *slog.Logger

	writeTimeout         time.Duration
	pingInterval         time.Duration
	pingFailureThreshold int

	stateHandler              StateHandler
	errorHandler              ErrorHandler
	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	// requestIDs is shared by every correlator the client creates, so
	// request ids keep climbing across reconnects for the client's
	// lifetime instead of restarting at 1.
	requestIDs atomic.Int64

	mu         sync.Mutex
	state      ConnectionState
	conn       *connection
	retryCount int
}

// connection bundles everything owned by one successful dial: the live
// transport, its correlator, the identity and capabilities the server
// reported, and the per-connection counters. It is replaced wholesale
// on reconnect. The counters are guarded by the client's mutex.
type connection struct {
	id           string
	cfg          ServerConfig
	transport    Transport
	corr         *Correlator
	allowedTools []glob.Glob

	serverInfo   Info
	capabilities ServerCapabilities
	instructions string
	connectedAt  time.Time

	requestCount int64
	errorCount   int64
	avgLatency   time.Duration

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// shutdown closes the transport and rejects every pending request with
// cause. It is safe to call from multiple goroutines; only the first
// call acts.
func (conn *connection) shutdown(cause error) error {
	conn.closeOnce.Do(func() {
		close(conn.done)
		conn.closeErr = conn.transport.Close()
		if cause == nil {
			cause = &ConnectionError{Op: "close", Err: ErrConnectionClosed}
		}
		conn.corr.Clear(cause)
		conn.corr.Close()
	})
	return conn.closeErr
}

func (conn *connection) toolAllowed(name string) bool {
	if len(conn.allowedTools) == 0 {
		return true
	}
	for _, g := range conn.allowedTools {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (conn *connection) filterTools(tools []Tool) []Tool {
	if len(conn.allowedTools) == 0 {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if conn.toolAllowed(tool.Name) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client and the transports it
// spawns.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDialer sets the transport factory used to reach servers.
// Defaults to DialProcess.
func WithDialer(dialer Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithWriteTimeout sets the timeout for writing messages to the server.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithPingInterval sets the keepalive ping cadence. If set to 0, the
// client will not send pings.
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithPingFailureThreshold sets how many consecutive keepalive pings
// may fail before the connection is torn down.
func WithPingFailureThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingFailureThreshold = threshold
	}
}

// WithStateHandler sets a callback for connection state transitions.
// The callback runs on the client's goroutines and must not block.
func WithStateHandler(handler StateHandler) ClientOption {
	return func(c *Client) {
		c.stateHandler = handler
	}
}

// WithErrorHandler sets a callback for asynchronous errors that have no
// request to surface through, such as transport failures and malformed
// server messages.
func WithErrorHandler(handler ErrorHandler) ClientOption {
	return func(c *Client) {
		c.errorHandler = handler
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscribe watcher for the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// NewClient creates a client that identifies itself as info during the
// handshake and resolves server launch configurations through source.
// The returned client is idle; call Connect to reach a server.
func NewClient(info Info, source ServerSource, options ...ClientOption) *Client {
	c := &Client{
		info:                 info,
		source:               source,
		dialer:               DialProcess,
		logger:               slog.Default(),
		writeTimeout:         defaultWriteTimeout,
		pingInterval:         defaultPingInterval,
		pingFailureThreshold: defaultPingFailureThreshold,
		state:                StateDisconnected,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect resolves serverName through the client's ServerSource, spawns
// the server, and performs the initialize handshake. An empty
// serverName selects the source's default. Failed attempts are retried
// with exponential backoff per the source's RetryPolicy; when every
// attempt fails the client is left in StateFailed and the last error is
// returned. Connecting while already connected is an error; use
// SwitchServer to move between servers.
func (c *Client) Connect(ctx context.Context, serverName string) error {
	if serverName == "" {
		serverName = c.source.DefaultServer()
	}
	if serverName == "" {
		return fmt.Errorf("no server selected and no default configured: %w", ErrServerNotFound)
	}
	cfg, err := c.source.Server(serverName)
	if err != nil {
		return fmt.Errorf("failed to resolve server %q: %w", serverName, err)
	}
	if cfg.Name == "" {
		cfg.Name = serverName
	}
	allowed, err := compileToolPatterns(cfg.AllowedTools)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateInitializing, StateReady:
		c.mu.Unlock()
		return errors.New("client is already connected")
	}
	prev := c.state
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(prev, StateConnecting)

	retry := c.source.RetryPolicy().withDefaults()
	var lastErr error
	for attempt := 1; attempt <= retry.MaxRetries; attempt++ {
		lastErr = c.connectOnce(ctx, cfg, allowed)
		if lastErr == nil {
			c.mu.Lock()
			c.retryCount = 0
			c.mu.Unlock()
			return nil
		}

		c.mu.Lock()
		c.retryCount = attempt
		c.mu.Unlock()
		c.logger.Warn("connect attempt failed",
			"server", cfg.Name,
			"attempt", attempt,
			"maxRetries", retry.MaxRetries,
			"err", lastErr)
		if attempt == retry.MaxRetries {
			break
		}

		c.setState(StateConnecting)
		select {
		case <-time.After(backoffDelay(retry, attempt)):
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		}
	}

	c.setState(StateFailed)
	return fmt.Errorf("failed to connect to %q after %d attempts: %w",
		cfg.Name, retry.MaxRetries, lastErr)
}

// connectOnce performs a single connection attempt: dial, start the
// message pumps, handshake, then publish the connection.
func (c *Client) connectOnce(ctx context.Context, cfg ServerConfig, allowed []glob.Glob) error {
	transport, err := c.dialer(ctx, cfg)
	if err != nil {
		return err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	conn := &connection{
		id:        uuid.New().String(),
		cfg:       cfg,
		transport: transport,
		corr: NewCorrelator(
			WithRequestTimeout(timeout),
			WithCorrelatorLogger(c.logger),
			WithIDSource(&c.requestIDs),
		),
		allowedTools: allowed,
		done:         make(chan struct{}),
	}

	go c.listen(conn)
	go c.dispatch(conn)

	c.setState(StateInitializing)
	if err := c.handshake(ctx, conn); err != nil {
		conn.shutdown(err)
		return err
	}
	conn.connectedAt = time.Now()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateReady)

	if c.pingInterval > 0 {
		go c.keepalive(conn)
	}

	c.logger.Info("connected",
		"server", cfg.Name,
		"connectionID", conn.id,
		"serverName", conn.serverInfo.Name,
		"serverVersion", conn.serverInfo.Version)
	return nil
}

// handshake negotiates the protocol version and capabilities, then
// confirms initialization so the server starts serving requests.
func (c *Client) handshake(ctx context.Context, conn *connection) error {
	params, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := conn.corr.SendRequest(ctx, methodInitialize, params, c.sendFunc(conn))
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("initialize failed: %w", res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("server speaks protocol version %q, want %q",
			result.ProtocolVersion, protocolVersion)
	}
	conn.serverInfo = result.ServerInfo
	conn.capabilities = result.Capabilities
	conn.instructions = result.Instructions

	if err := c.sendNotification(ctx, conn, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to confirm initialization: %w", err)
	}
	return nil
}

// Disconnect tears down the current connection, rejecting any in-flight
// requests, and returns the client to StateDisconnected. It is a no-op
// when already disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		c.setState(StateDisconnected)
		return nil
	}

	c.logger.Info("disconnecting", "server", conn.cfg.Name, "connectionID", conn.id)
	err := conn.shutdown(nil)
	c.setState(StateDisconnected)
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// SwitchServer disconnects from the current server and connects to the
// named one. The disconnect happens even when the new connection fails,
// in which case the client is left in StateFailed.
func (c *Client) SwitchServer(ctx context.Context, serverName string) error {
	if err := c.Disconnect(); err != nil {
		c.logger.Warn("failed to close previous connection", "err", err)
	}
	return c.Connect(ctx, serverName)
}

// Connected reports whether the client holds a ready connection with a
// live transport underneath it.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.state == StateReady && c.conn.transport.Connected()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the identity the connected server reported during
// the handshake, or the zero Info when disconnected.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Info{}
	}
	return c.conn.serverInfo
}

// Capabilities returns the capability set the connected server
// advertised during the handshake, or the zero value when disconnected.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ServerCapabilities{}
	}
	return c.conn.capabilities
}

// Instructions returns the usage hints the server provided during the
// handshake, if any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.instructions
}

// ToolsSupported reports whether the connected server advertised the
// tools capability.
func (c *Client) ToolsSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.capabilities.Tools != nil
}

// ResourcesSupported reports whether the connected server advertised
// the resources capability.
func (c *Client) ResourcesSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.capabilities.Resources != nil
}

// PromptsSupported reports whether the connected server advertised the
// prompts capability.
func (c *Client) PromptsSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.capabilities.Prompts != nil
}

// LoggingSupported reports whether the connected server advertised the
// logging capability.
func (c *Client) LoggingSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.capabilities.Logging != nil
}

// GetMetrics returns a snapshot of the current connection's counters.
// While disconnected only the retry count survives; everything else is
// zero.
func (c *Client) GetMetrics() ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := ConnectionMetrics{RetryCount: c.retryCount}
	if c.conn == nil || c.state != StateReady {
		return m
	}
	m.Connected = c.conn.transport.Connected()
	m.ServerName = c.conn.cfg.Name
	m.ConnectionID = c.conn.id
	m.RequestCount = c.conn.requestCount
	m.ErrorCount = c.conn.errorCount
	m.AverageLatency = c.conn.avgLatency
	m.Uptime = time.Since(c.conn.connectedAt)
	return m
}

// Ping verifies the server is still responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SendRequest(ctx, MethodPing, nil)
	return err
}

// SendRequest issues a raw request with the given method and params and
// returns the server's result payload. It is the escape hatch for
// methods the typed operations do not cover. A nil params sends the
// request without a params member.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	var paramsBs json.RawMessage
	if params != nil {
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	res, err := c.request(ctx, conn, method, paramsBs)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("result error: %w", res.Error)
	}
	return res.Result, nil
}

// ListTools returns one page of the server's tools, filtered down to
// the configured allowed patterns. Servers without the tools capability
// yield an empty result without a wire request.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	conn, err := c.activeConn()
	if err != nil {
		return ListToolsResult{}, err
	}
	if conn.capabilities.Tools == nil {
		return ListToolsResult{}, nil
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodToolsList, paramsBs)
	if err != nil {
		return ListToolsResult{}, err
	}
	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	result.Tools = conn.filterTools(result.Tools)
	return result, nil
}

// GetTool walks the tool list looking for a tool with the given name.
// The second return reports whether it was found; servers without the
// tools capability report not found.
func (c *Client) GetTool(ctx context.Context, name string) (Tool, bool, error) {
	var cursor string
	for {
		result, err := c.ListTools(ctx, ListToolsParams{Cursor: cursor})
		if err != nil {
			return Tool{}, false, err
		}
		for _, tool := range result.Tools {
			if tool.Name == name {
				return tool, true, nil
			}
		}
		if result.NextCursor == "" {
			return Tool{}, false, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool invokes a tool and returns its content. The call is rejected
// with a method-not-found error when the server lacks the tools
// capability or the tool falls outside the allowed patterns. Latency
// and failure counters are tracked per call.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	conn, err := c.activeConn()
	if err != nil {
		return CallToolResult{}, err
	}
	if conn.capabilities.Tools == nil {
		return CallToolResult{}, methodNotFoundError("server does not support tools")
	}
	if !conn.toolAllowed(params.Name) {
		return CallToolResult{}, methodNotFoundError(
			fmt.Sprintf("tool %q is not allowed for this server", params.Name))
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	start := time.Now()
	res, err := c.request(ctx, conn, MethodToolsCall, paramsBs)
	c.recordCall(conn, time.Since(start), err != nil || res.Error != nil)
	if err != nil {
		return CallToolResult{}, err
	}
	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// ListResources returns one page of the server's resources. Servers
// without the resources capability yield an empty result without a wire
// request.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	conn, err := c.activeConn()
	if err != nil {
		return ListResourcesResult{}, err
	}
	if conn.capabilities.Resources == nil {
		return ListResourcesResult{}, nil
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodResourcesList, paramsBs)
	if err != nil {
		return ListResourcesResult{}, err
	}
	if res.Error != nil {
		return ListResourcesResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// ReadResource fetches the contents of a resource by URI. The server
// must advertise the resources capability.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	conn, err := c.activeConn()
	if err != nil {
		return ReadResourceResult{}, err
	}
	if conn.capabilities.Resources == nil {
		return ReadResourceResult{}, methodNotFoundError("server does not support resources")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodResourcesRead, paramsBs)
	if err != nil {
		return ReadResourceResult{}, err
	}
	if res.Error != nil {
		return ReadResourceResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// ListResourceTemplates returns the server's resource templates.
// Servers without the resources capability yield an empty result
// without a wire request.
func (c *Client) ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams) (ListResourceTemplatesResult, error) {
	conn, err := c.activeConn()
	if err != nil {
		return ListResourceTemplatesResult{}, err
	}
	if conn.capabilities.Resources == nil {
		return ListResourceTemplatesResult{}, nil
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListResourceTemplatesResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodResourcesTemplatesList, paramsBs)
	if err != nil {
		return ListResourceTemplatesResult{}, err
	}
	if res.Error != nil {
		return ListResourceTemplatesResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListResourceTemplatesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourceTemplatesResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// SubscribeResource registers for change notifications on the given
// resource. The server must advertise resource subscription support;
// updates arrive through the ResourceSubscribedWatcher.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	if conn.capabilities.Resources == nil || !conn.capabilities.Resources.Subscribe {
		return methodNotFoundError("server does not support resource subscriptions")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodResourcesSubscribe, paramsBs)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// UnsubscribeResource cancels change notifications for the given
// resource.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	if conn.capabilities.Resources == nil || !conn.capabilities.Resources.Subscribe {
		return methodNotFoundError("server does not support resource subscriptions")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodResourcesUnsubscribe, paramsBs)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// ListPrompts returns one page of the server's prompts. Servers without
// the prompts capability yield an empty result without a wire request.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	conn, err := c.activeConn()
	if err != nil {
		return ListPromptsResult{}, err
	}
	if conn.capabilities.Prompts == nil {
		return ListPromptsResult{}, nil
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListPromptsResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodPromptsList, paramsBs)
	if err != nil {
		return ListPromptsResult{}, err
	}
	if res.Error != nil {
		return ListPromptsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListPromptsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListPromptsResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// GetPrompt fetches a single prompt expanded with the given arguments.
// The server must advertise the prompts capability.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	conn, err := c.activeConn()
	if err != nil {
		return GetPromptResult{}, err
	}
	if conn.capabilities.Prompts == nil {
		return GetPromptResult{}, methodNotFoundError("server does not support prompts")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodPromptsGet, paramsBs)
	if err != nil {
		return GetPromptResult{}, err
	}
	if res.Error != nil {
		return GetPromptResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}

// SetLogLevel asks the server to adjust the minimum severity it emits
// through notifications/message. The server must advertise the logging
// capability.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	if conn.capabilities.Logging == nil {
		return methodNotFoundError("server does not support logging")
	}

	paramsBs, err := json.Marshal(SetLogLevelParams{Level: level})
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.request(ctx, conn, MethodLoggingSetLevel, paramsBs)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// QueryResult is the uniform outcome Query produces. Tool-level
// failures are folded into OK and Message instead of surfacing as Go
// errors, so callers branch on one shape.
type QueryResult struct {
	OK      bool
	Content []Content
	Message string
	Elapsed time.Duration
}

// Query runs a single tool call and folds its outcome into a
// QueryResult. Only client-side failures (no connection, rejected call,
// timeout) come back as errors; a tool that ran and reported failure
// comes back as OK=false with its message.
func (c *Client) Query(ctx context.Context, tool string, args any) (QueryResult, error) {
	var argsBs json.RawMessage
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		argsBs = bs
	}

	start := time.Now()
	result, err := c.CallTool(ctx, CallToolParams{Name: tool, Arguments: argsBs})
	elapsed := time.Since(start)
	if err != nil {
		return QueryResult{}, err
	}

	out := QueryResult{Elapsed: elapsed}
	if result.IsError {
		out.Message = contentText(result.Content)
		return out, nil
	}
	out.OK = true
	out.Content = result.Content
	return out, nil
}

// Statement names one tool call inside a Transaction.
type Statement struct {
	Tool string
	Args any
}

// StatementOutcome reports how one statement of a Transaction fared.
type StatementOutcome struct {
	Tool    string
	OK      bool
	Content []Content
	Message string
	Elapsed time.Duration
}

// TransactionResult aggregates the outcomes of a Transaction run.
type TransactionResult struct {
	Outcomes []StatementOutcome
	Failed   int
	Elapsed  time.Duration
}

// Transaction runs the statements in order without stopping early:
// every statement gets an outcome even when earlier ones fail, so
// callers can inspect the whole batch afterwards. The returned error is
// non-nil only when the client has no connection to run on.
func (c *Client) Transaction(ctx context.Context, statements []Statement) (TransactionResult, error) {
	if _, err := c.activeConn(); err != nil {
		return TransactionResult{}, err
	}

	start := time.Now()
	result := TransactionResult{Outcomes: make([]StatementOutcome, 0, len(statements))}
	for _, stmt := range statements {
		outcome := StatementOutcome{Tool: stmt.Tool}
		q, err := c.Query(ctx, stmt.Tool, stmt.Args)
		if err != nil {
			outcome.Message = err.Error()
		} else {
			outcome.OK = q.OK
			outcome.Content = q.Content
			outcome.Message = q.Message
			outcome.Elapsed = q.Elapsed
		}
		if !outcome.OK {
			result.Failed++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

// activeConn returns the live connection, or ErrNotConnected when the
// client has nothing ready to operate on.
func (c *Client) activeConn() (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateReady {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// request issues one request on the given connection and returns the
// raw response message. When ctx is cancelled mid-flight a best-effort
// notifications/cancelled is sent so the server can stop working on it.
func (c *Client) request(ctx context.Context, conn *connection, method string, params json.RawMessage) (JSONRPCMessage, error) {
	msg := conn.corr.NewRequest(method, params)
	res, err := conn.corr.Call(ctx, msg, c.sendFunc(conn))
	if err == nil {
		return res, nil
	}

	if errors.Is(err, context.Canceled) {
		nCtx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		nerr := c.sendNotification(nCtx, conn, methodNotificationsCancelled, notificationsCancelledParams{
			RequestID: msg.ID,
			Reason:    userCancelledReason,
		})
		if nerr != nil {
			c.logger.Debug("failed to send cancellation", "method", method, "err", nerr)
		}
	}
	return JSONRPCMessage{}, err
}

// sendFunc adapts the connection's transport into the correlator's
// SendFunc, bounding every write by the client's write timeout.
func (c *Client) sendFunc(conn *connection) SendFunc {
	return func(ctx context.Context, msg JSONRPCMessage) error {
		sendCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
		return conn.transport.Send(sendCtx, msg)
	}
}

func (c *Client) sendNotification(ctx context.Context, conn *connection, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal notification params: %w", err)
		}
		msg.Params = bs
	}
	return c.sendFunc(conn)(ctx, msg)
}

func (c *Client) sendResult(conn *connection, id json.RawMessage, result any) {
	bs, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal result", "err", err)
		return
	}
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  bs,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := conn.transport.Send(ctx, msg); err != nil {
		c.logger.Warn("failed to send result", "err", err)
	}
}

func (c *Client) sendError(conn *connection, id json.RawMessage, rpcErr *JSONRPCError) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := conn.transport.Send(ctx, msg); err != nil {
		c.logger.Warn("failed to send error response", "err", err)
	}
}

// listen pumps transport messages into the correlator until the stream
// ends, then tears the connection down and reports how it ended.
func (c *Client) listen(conn *connection) {
	for msg := range conn.transport.Messages() {
		if err := conn.corr.HandleMessage(msg); err != nil {
			c.logger.Error("dropped malformed message", "server", conn.cfg.Name, "err", err)
			c.emitConnError(conn, err)
		}
	}

	cause := conn.transport.Err()
	conn.shutdown(cause)

	c.mu.Lock()
	active := c.conn == conn
	if active {
		c.conn = nil
	}
	c.mu.Unlock()
	if !active {
		return
	}

	if cause != nil {
		c.logger.Error("connection lost", "server", conn.cfg.Name, "err", cause)
		c.emitError(cause)
	} else {
		c.logger.Info("server closed the connection", "server", conn.cfg.Name)
	}
	c.setState(StateDisconnected)
}

// dispatch services server-initiated traffic handed up by the
// correlator. After shutdown begins it keeps draining so queued
// notifications are not lost, then exits once the channels are empty.
func (c *Client) dispatch(conn *connection) {
	for {
		select {
		case msg := <-conn.corr.Requests():
			c.handleServerRequest(conn, msg)
		case msg := <-conn.corr.Notifications():
			c.handleNotification(msg)
		case <-conn.done:
			for {
				select {
				case msg := <-conn.corr.Requests():
					c.handleServerRequest(conn, msg)
				case msg := <-conn.corr.Notifications():
					c.handleNotification(msg)
				default:
					return
				}
			}
		}
	}
}

// handleServerRequest answers requests the server initiates. Only ping
// is served; everything else is refused with a method-not-found error.
func (c *Client) handleServerRequest(conn *connection, msg JSONRPCMessage) {
	switch msg.Method {
	case MethodPing:
		c.sendResult(conn, msg.ID, struct{}{})
	default:
		c.sendError(conn, msg.ID, &JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q is not supported", msg.Method),
		})
	}
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsPromptsListChanged:
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged()
		}
	case methodNotificationsResourcesListChanged:
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged()
		}
	case methodNotificationsResourcesUpdated:
		if c.resourceSubscribedWatcher == nil {
			return
		}
		var params notificationsResourcesUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal resource updated params", "err", err)
			return
		}
		c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
	case methodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case methodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", "err", err)
			return
		}
		c.progressListener.OnProgress(params)
	case methodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", "err", err)
			return
		}
		c.logReceiver.OnLog(params)
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			c.logger.Info("server cancelled a request",
				"requestID", string(params.RequestID),
				"reason", params.Reason)
		}
	default:
		c.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

// keepalive pings the server on a fixed cadence and tears the
// connection down after too many consecutive failures.
func (c *Client) keepalive(conn *connection) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.pingInterval)
			_, err := c.request(ctx, conn, MethodPing, nil)
			cancel()
			if err == nil {
				failures = 0
				continue
			}

			failures++
			c.logger.Warn("keepalive ping failed",
				"server", conn.cfg.Name,
				"failures", failures,
				"err", err)
			if failures < c.pingFailureThreshold {
				continue
			}

			cause := &TimeoutError{Op: "keepalive", Timeout: c.pingInterval}
			c.mu.Lock()
			active := c.conn == conn
			if active {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.shutdown(cause)
			if active {
				c.logger.Error("server unresponsive, dropping connection", "server", conn.cfg.Name)
				c.emitError(cause)
				c.setState(StateDisconnected)
			}
			return
		}
	}
}

// recordCall folds one tool call into the connection's rolling metrics.
func (c *Client) recordCall(conn *connection, latency time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.requestCount++
	if failed {
		conn.errorCount++
	}
	n := time.Duration(conn.requestCount)
	conn.avgLatency = (conn.avgLatency*(n-1) + latency) / n
}

// setState moves the connection state machine and fires the state
// handler on a real transition.
func (c *Client) setState(next ConnectionState) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.notifyState(prev, next)
}

func (c *Client) notifyState(prev, next ConnectionState) {
	c.logger.Debug("connection state changed", "from", prev, "to", next)
	if c.stateHandler != nil {
		c.stateHandler(prev, next)
	}
}

// emitError counts a connection-level error and hands it to the error
// handler when one is registered.
func (c *Client) emitError(err error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.errorCount++
	}
	c.mu.Unlock()
	if c.errorHandler != nil {
		c.errorHandler(err)
	}
}

// emitConnError is emitError for a known connection: the error counts
// against conn only while it is still the active one, so a stale
// connection's stragglers cannot skew the current connection's metrics.
func (c *Client) emitConnError(conn *connection, err error) {
	c.mu.Lock()
	if c.conn == conn {
		conn.errorCount++
	}
	c.mu.Unlock()
	if c.errorHandler != nil {
		c.errorHandler(err)
	}
}

// backoffDelay computes the pause after the given 1-based failed
// attempt: RetryDelay scaled by BackoffMultiplier^(attempt-1).
func backoffDelay(retry RetryConfig, attempt int) time.Duration {
	return time.Duration(float64(retry.RetryDelay) * math.Pow(retry.BackoffMultiplier, float64(attempt-1)))
}

func compileToolPatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed tool pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// contentText flattens the text parts of a content list into one
// string.
func contentText(contents []Content) string {
	var parts []string
	for _, content := range contents {
		if content.Type == ContentTypeText && content.Text != "" {
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
