package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// StdIO carries JSON-RPC messages over an io.Reader/io.Writer pair using
// newline-delimited JSON framing: every message is one line of JSON
// terminated by '\n'. It implements Transport and is the framing layer
// underneath ProcessTransport; tests use it directly over in-memory pipes.
//
// Reading and writing start as soon as NewStdIO returns. Resources must be
// released by calling Close when the instance is no longer needed.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	// onActivity, when set, is invoked after every successful send or
	// receive. ProcessTransport uses it to feed its inactivity watchdog.
	onActivity func()

	recvCh        chan JSONRPCMessage
	writeMessages chan stdIOMessage

	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
	closeOnce   sync.Once

	errMu   sync.Mutex
	termErr error
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// Messages arriving faster than the consumer drains them queue here, in
// arrival order. A full buffer blocks the read loop rather than dropping
// or reordering.
const recvBufferSize = 64

// NewStdIO creates a transport framed over the provided reader and writer
// and starts its read and write loops.
func NewStdIO(reader io.Reader, writer io.Writer) *StdIO {
	return newStdIO(reader, writer, slog.Default(), nil)
}

func newStdIO(reader io.Reader, writer io.Writer, logger *slog.Logger, onActivity func()) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        logger,
		onActivity:    onActivity,
		recvCh:        make(chan JSONRPCMessage, recvBufferSize),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	go s.readLoop()
	go s.processWriteMessages()
	return s
}

// Send marshals msg to a single line of JSON and queues it for writing.
// It fails with a ConnectionError when the transport is closed, and
// respects ctx for both queueing and the write itself.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so a single goroutine performs all writes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Op: "send", Err: ErrConnectionClosed}
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", "err", err)
			return &ConnectionError{Op: "send", Err: err}
		}
		if s.onActivity != nil {
			s.onActivity()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionError{Op: "send", Err: ErrConnectionClosed}
	}
}

// Messages returns an iterator yielding decoded messages in arrival order.
// The iteration ends when the stream ends or the transport is closed;
// consult Err for the cause. Messages and Receive share one delivery
// queue, so use one or the other, not both.
func (s *StdIO) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.recvCh:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Receive waits for the next message, bounded by ctx. A deadline that
// expires before anything arrives yields a TimeoutError.
func (s *StdIO) Receive(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case msg, ok := <-s.recvCh:
		if !ok {
			return JSONRPCMessage{}, &ConnectionError{Op: "receive", Err: ErrConnectionClosed}
		}
		return msg, nil
	case <-s.done:
		return JSONRPCMessage{}, &ConnectionError{Op: "receive", Err: ErrConnectionClosed}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return JSONRPCMessage{}, &TimeoutError{Op: "receive"}
		}
		return JSONRPCMessage{}, ctx.Err()
	}
}

// Connected reports whether the transport can still carry messages.
func (s *StdIO) Connected() bool {
	select {
	case <-s.done:
		return false
	case <-s.readClosed:
		return false
	default:
		return true
	}
}

// Err returns the error that terminated the read loop, or nil when the
// stream ended cleanly or the transport was closed deliberately.
func (s *StdIO) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.termErr
}

// Close stops both loops. Safe to call more than once; a blocked
// underlying read may finish in the background afterwards.
func (s *StdIO) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *StdIO) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.termErr == nil {
		s.termErr = err
	}
}

func (s *StdIO) readLoop() {
	defer close(s.readClosed)
	defer close(s.recvCh)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		// Read in a goroutine so a blocked read cannot keep the loop from
		// observing done. The buffered channel lets it finish either way.
		lines := make(chan lineWithErr, 1)
		go func() {
			line, err := reader.ReadString('\n')
			lines <- lineWithErr{line: line, err: err}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) {
				s.setErr(&ConnectionError{Op: "read", Err: lwe.err})
				s.logger.Error("failed to read message", "err", lwe.err)
			}
			return
		}

		line := strings.TrimSuffix(lwe.line, "\n")
		if line == "" {
			continue
		}

		// One malformed line never takes the connection down.
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", &ParseError{Err: err})
			continue
		}

		if s.onActivity != nil {
			s.onActivity()
		}

		select {
		case <-s.done:
			return
		case s.recvCh <- msg:
		}
	}
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
