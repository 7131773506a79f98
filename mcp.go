package mcp

import (
	"context"
	"iter"
	"time"
)

// Transport provides the byte-level communication channel between the
// client and a server. Implementations deliver discrete JSON-RPC messages
// in both directions and report how the channel died once it does.
type Transport interface {
	// Send transmits a single message to the server. It fails with a
	// ConnectionError when the channel is no longer able to carry messages.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields decoded messages received
	// from the server in arrival order. The iteration ends when the
	// connection dies, whether by Close or by failure; consult Err
	// afterwards for the cause. The iterator must be consumed by a single
	// goroutine.
	Messages() iter.Seq[JSONRPCMessage]

	// Connected reports whether the channel can currently carry messages.
	Connected() bool

	// Err returns the terminal error after Messages stops yielding, or nil
	// when the channel was closed deliberately. An abnormal server process
	// exit surfaces here as an ExitError.
	Err() error

	// Close tears the channel down, releasing any process or stream it
	// owns. It is safe to call more than once.
	Close() error
}

// Dialer constructs a fresh Transport for one connection attempt. The
// default dialer spawns the configured command and frames messages over its
// standard streams; tests substitute in-memory pipes.
type Dialer func(ctx context.Context, cfg ServerConfig) (Transport, error)

// ServerSource supplies resolved launch parameters for named servers and
// the client's retry policy. The protocol core only ever consumes the
// resolved objects; parsing configuration files is the config package's
// concern.
type ServerSource interface {
	// Server resolves the launch parameters of the named server. It
	// returns an error wrapping ErrServerNotFound when the name is
	// unknown.
	Server(name string) (ServerConfig, error)

	// DefaultServer names the server Connect falls back to when the caller
	// passes an empty name. May be empty when no default is configured.
	DefaultServer() string

	// RetryPolicy returns the connect retry policy. Zero fields fall back
	// to the package defaults.
	RetryPolicy() RetryConfig
}

// ServerConfig holds the resolved launch parameters for one server.
type ServerConfig struct {
	// Name identifies the server in logs and metrics.
	Name string
	// Command is the executable to spawn.
	Command string
	// Args are passed to the command verbatim.
	Args []string
	// Env entries are merged over the parent process environment.
	Env map[string]string
	// Cwd is the working directory for the spawned process. Empty means
	// inherit.
	Cwd string
	// Timeout bounds each request issued over this connection. Zero means
	// the 30s default.
	Timeout time.Duration
	// AllowedTools restricts which tools may be listed and called, as glob
	// patterns matched against tool names. Empty means all tools.
	AllowedTools []string
}

// RetryConfig is the connect retry policy: the attempt delay grows as
// RetryDelay × BackoffMultiplier^(attempt−1) up to MaxRetries attempts.
type RetryConfig struct {
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
}

// Defaults applied where configuration leaves fields zero.
const (
	defaultRequestTimeout    = 30 * time.Second
	defaultMaxRetries        = 3
	defaultRetryDelay        = time.Second
	defaultBackoffMultiplier = 2.0
)

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = defaultMaxRetries
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = defaultRetryDelay
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = defaultBackoffMultiplier
	}
	return r
}

// SingleServer returns a ServerSource that always resolves cfg, regardless
// of the requested name. It serves embedders that configure one server
// programmatically and do not need a configuration file.
func SingleServer(cfg ServerConfig, retry RetryConfig) ServerSource {
	return singleServerSource{cfg: cfg, retry: retry}
}

type singleServerSource struct {
	cfg   ServerConfig
	retry RetryConfig
}

func (s singleServerSource) Server(string) (ServerConfig, error) { return s.cfg, nil }
func (s singleServerSource) DefaultServer() string               { return s.cfg.Name }
func (s singleServerSource) RetryPolicy() RetryConfig            { return s.retry }

// ConnectionState identifies where the client is in its connection
// lifecycle.
type ConnectionState string

// Connection states. A connection walks Disconnected → Connecting →
// Initializing → Ready; transport failure drops any state back to
// Disconnected, and exhausting connect retries lands in Failed.
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateInitializing ConnectionState = "initializing"
	StateReady        ConnectionState = "ready"
	StateFailed       ConnectionState = "failed"
)

// StateHandler is called on every connection state transition. Handlers
// run on the client's event goroutine and should return quickly.
type StateHandler func(oldState, newState ConnectionState)

// ErrorHandler receives connection-level errors that are not tied to a
// specific request: transport failures, malformed incoming messages,
// keepalive failures.
type ErrorHandler func(err error)

// ConnectionMetrics is a point-in-time snapshot of one client's counters.
type ConnectionMetrics struct {
	// Connected mirrors Client.Connected at snapshot time.
	Connected bool
	// ServerName is the active server, empty when disconnected.
	ServerName string
	// ConnectionID identifies the current connection; a fresh one is
	// minted on every successful connect.
	ConnectionID string
	// RequestCount is the number of tool calls issued.
	RequestCount int64
	// ErrorCount is the number of tool calls that failed.
	ErrorCount int64
	// AverageLatency is the rolling mean tool-call duration.
	AverageLatency time.Duration
	// Uptime is the time since the connection completed its handshake,
	// zero when disconnected.
	Uptime time.Duration
	// RetryCount is the number of failed attempts in the most recent
	// connect sequence; it resets to zero once a connect succeeds.
	RetryCount int
}

// PromptListWatcher provides an interface for receiving notifications when
// the server's prompt list changes. Implementations can use these
// notifications to update their internal state or trigger UI updates when
// available prompts are added, removed, or modified.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its
	// prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications
// when the server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its
	// resource list has changed.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving
// notifications when a subscribed resource changes. Implementations can
// use these notifications to update their internal state or trigger UI
// updates when specific resources they are interested in are modified.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the server notifies that
	// a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher provides an interface for receiving notifications when
// the server's tool list changes.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool
	// list has changed.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on
// long-running operations. Implementations can use these notifications to
// update progress bars or other indicators that show operation progress.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an
	// operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages from the
// server. Implementations can display them, persist them, or forward them
// to a logging service.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}
