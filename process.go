package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// defaultShutdownGrace is how long Close waits for the process to exit
// after stdin closes before escalating to a kill.
const defaultShutdownGrace = 5 * time.Second

// ProcessTransport spawns a server as a local child process and carries
// JSON-RPC messages over its standard streams: requests down stdin,
// responses up stdout, one JSON message per line. Standard error is
// forwarded to the logger for diagnostics and never parsed.
//
// The transport owns exactly one process. Close terminates it gracefully,
// escalating to a kill after the shutdown grace window, and is safe to
// call more than once.
type ProcessTransport struct {
	cfg    ServerConfig
	logger *slog.Logger

	idleTimeout   time.Duration
	shutdownGrace time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser
	sess  *StdIO

	idleTimer *time.Timer

	waitDone chan struct{}
	closing  chan struct{}

	startMu sync.Mutex
	started bool

	closeOnce sync.Once

	errMu   sync.Mutex
	termErr error
}

// ProcessOption configures a ProcessTransport.
type ProcessOption func(*ProcessTransport)

// WithProcessLogger sets the logger for process lifecycle events and the
// server's stderr output.
func WithProcessLogger(logger *slog.Logger) ProcessOption {
	return func(t *ProcessTransport) {
		t.logger = logger
	}
}

// WithIdleTimeout arms an inactivity watchdog: if no message is sent or
// received for d, the transport records a TimeoutError and forces the
// connection closed. Zero disables the watchdog.
func WithIdleTimeout(d time.Duration) ProcessOption {
	return func(t *ProcessTransport) {
		t.idleTimeout = d
	}
}

// WithShutdownGrace overrides how long Close waits for a voluntary exit
// before killing the process.
func WithShutdownGrace(d time.Duration) ProcessOption {
	return func(t *ProcessTransport) {
		t.shutdownGrace = d
	}
}

// NewProcessTransport prepares a transport for the given server launch
// parameters. Nothing is spawned until Start.
func NewProcessTransport(cfg ServerConfig, options ...ProcessOption) *ProcessTransport {
	t := &ProcessTransport{
		cfg:           cfg,
		logger:        slog.Default(),
		shutdownGrace: defaultShutdownGrace,
		waitDone:      make(chan struct{}),
		closing:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	t.logger = t.logger.With("server", cfg.Name)
	return t
}

// DialProcess spawns the configured server and returns the running
// transport. It is the production Dialer.
func DialProcess(ctx context.Context, cfg ServerConfig) (Transport, error) {
	t := NewProcessTransport(cfg)
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Start spawns the configured command with its arguments, environment, and
// working directory, and begins reading framed messages from its stdout.
// A spawn failure is a ConnectionError and leaves nothing running.
func (t *ProcessTransport) Start(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	if t.started {
		return &ConnectionError{Op: "spawn", Err: errors.New("transport already started")}
	}
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "spawn", Err: err}
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Cwd
	cmd.Env = os.Environ()
	for key, value := range t.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Op: "spawn", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ConnectionError{Op: "spawn", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ConnectionError{Op: "spawn", Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &ConnectionError{Op: "spawn", Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	var onActivity func()
	if t.idleTimeout > 0 {
		t.idleTimer = time.AfterFunc(t.idleTimeout, t.onIdle)
		onActivity = t.resetIdleTimer
	}
	t.sess = newStdIO(stdout, stdin, t.logger, onActivity)
	t.started = true

	t.logger.Debug("server process started",
		"command", t.cfg.Command,
		"pid", cmd.Process.Pid,
	)

	go t.forwardStderr(stderr)
	go t.waitExit()

	return nil
}

// Send transmits one message to the server process. It fails with a
// ConnectionError when the process is not running.
func (t *ProcessTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if !t.running() {
		return &ConnectionError{Op: "send", Err: errors.New("server process is not running")}
	}
	return t.sess.Send(ctx, msg)
}

// Messages returns the iterator over decoded messages from the server's
// stdout. The iteration ends when the process exits or the transport
// closes.
func (t *ProcessTransport) Messages() iter.Seq[JSONRPCMessage] {
	if t.sess == nil {
		return func(func(JSONRPCMessage) bool) {}
	}
	return t.sess.Messages()
}

// Receive waits for the next message, bounded by ctx.
func (t *ProcessTransport) Receive(ctx context.Context) (JSONRPCMessage, error) {
	if !t.running() {
		return JSONRPCMessage{}, &ConnectionError{Op: "receive", Err: errors.New("server process is not running")}
	}
	return t.sess.Receive(ctx)
}

// Connected reports whether the process is alive and its streams usable.
func (t *ProcessTransport) Connected() bool {
	return t.running() && t.sess.Connected()
}

// Err returns the terminal error after the message stream ends: an
// ExitError when the process died on its own, a TimeoutError when the idle
// watchdog fired, nil after a deliberate Close.
func (t *ProcessTransport) Err() error {
	t.errMu.Lock()
	err := t.termErr
	t.errMu.Unlock()
	if err != nil {
		return err
	}
	if t.sess != nil {
		return t.sess.Err()
	}
	return nil
}

// Close requests graceful termination by closing the process's stdin, then
// kills the process if it has not exited within the shutdown grace window.
// Idempotent.
func (t *ProcessTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)

		if t.idleTimer != nil {
			t.idleTimer.Stop()
		}

		if !t.startedNow() {
			return
		}

		// Closing stdin asks a well-behaved server to exit.
		if err := t.stdin.Close(); err != nil {
			t.logger.Debug("failed to close stdin", "err", err)
		}

		select {
		case <-t.waitDone:
		case <-time.After(t.shutdownGrace):
			t.logger.Warn("server process did not exit in time, killing it")
			if t.cmd.Process != nil {
				if err := t.cmd.Process.Kill(); err != nil {
					t.logger.Error("failed to kill server process", "err", err)
				}
			}
			<-t.waitDone
		}

		t.sess.Close()
	})
	return nil
}

func (t *ProcessTransport) running() bool {
	if !t.startedNow() {
		return false
	}
	select {
	case <-t.waitDone:
		return false
	case <-t.closing:
		return false
	default:
		return true
	}
}

func (t *ProcessTransport) startedNow() bool {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	return t.started
}

func (t *ProcessTransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.termErr == nil {
		t.termErr = err
	}
}

func (t *ProcessTransport) resetIdleTimer() {
	t.idleTimer.Reset(t.idleTimeout)
}

func (t *ProcessTransport) onIdle() {
	t.setErr(&TimeoutError{Op: "connection idle", Timeout: t.idleTimeout})
	t.logger.Warn("no activity within idle timeout, closing connection", "timeout", t.idleTimeout)
	t.Close()
}

// forwardStderr copies the server's stderr to the logger line by line.
// Servers use stderr for free-form diagnostics; it never carries protocol
// messages.
func (t *ProcessTransport) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// waitExit reaps the process and records how it ended. A deliberate Close
// leaves no terminal error; anything else becomes one so the orchestrator
// can report why the connection dropped.
func (t *ProcessTransport) waitExit() {
	err := t.cmd.Wait()

	select {
	case <-t.closing:
	default:
		t.setErr(exitReason(err))
		t.logger.Warn("server process exited unexpectedly", "err", err)
	}

	close(t.waitDone)
	t.sess.Close()
}

func exitReason(waitErr error) error {
	if waitErr == nil {
		return &ExitError{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		signal := ""
		if code == -1 {
			signal = strings.TrimPrefix(exitErr.Error(), "signal: ")
		}
		return &ExitError{Code: code, Signal: signal}
	}
	return &ConnectionError{Op: "wait", Err: waitErr}
}
