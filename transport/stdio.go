package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpwire/mcpwire/protocol"
	"github.com/mcpwire/mcpwire/stream"
)

// Stdio implements MCP transport over stdin/stdout. It runs one cooperative
// single-threaded loop: read, process, write, strictly sequentially, with
// non-blocking reads so termination signals stay responsive.
type Stdio struct {
	core

	in     io.Reader
	out    io.Writer
	input  *stream.Handler
	output *stream.Handler
	framer *stream.Framer

	// parsed messages not yet returned by Receive
	queue    []*protocol.Message
	parseErr error
}

// StdioOption configures a Stdio transport.
type StdioOption func(*Stdio)

// WithStdin sets a custom stdin reader.
func WithStdin(r io.Reader) StdioOption {
	return func(s *Stdio) { s.in = r }
}

// WithStdout sets a custom stdout writer.
func WithStdout(w io.Writer) StdioOption {
	return func(s *Stdio) { s.out = w }
}

// NewStdio creates a new stdio transport.
func NewStdio(opts ...StdioOption) *Stdio {
	s := &Stdio{
		core: newCore("stdio"),
		in:   os.Stdin,
		out:  os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the transport address.
func (s *Stdio) Addr() string {
	return "stdio"
}

// Initialize merges defaults, validates, and builds the stream handlers and
// framer from the frozen configuration.
func (s *Stdio) Initialize(cfg Config) error {
	driverDefaults := Config{
		Timeout:      10 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
	if err := s.init(cfg, driverDefaults); err != nil {
		return err
	}

	merged := s.config()
	s.input = stream.New(s.in, nil,
		stream.WithReadTimeout(merged.PollInterval),
		stream.WithMaxBufferSize(merged.ReadBufferSize),
	)
	s.output = stream.New(nil, s.out,
		stream.WithWriteTimeout(merged.Timeout),
		stream.WithRetry(merged.RetryAttempts, merged.RetryDelay),
	)
	s.framer = stream.NewFramer(
		stream.WithFraming(merged.Framing),
		stream.WithMaxMessageSize(merged.MaxMessageSize),
	)
	return nil
}

// Start opens the stream handlers. Idempotent.
func (s *Stdio) Start(ctx context.Context) error {
	return s.startWith(s.Addr(), func() error {
		if err := s.input.Open(); err != nil {
			return err
		}
		return s.output.Open()
	})
}

// Stop closes the stream handlers. Idempotent; state is cleared even when a
// handler fails to close.
func (s *Stdio) Stop() error {
	return s.stopWith(s.Addr(), func() error {
		inErr := s.input.Close()
		outErr := s.output.Close()
		return errors.Join(inErr, outErr)
	})
}

// Send frames the message and writes it to stdout.
func (s *Stdio) Send(ctx context.Context, msg *protocol.Message) error {
	if !s.Connected() {
		return ErrClosed
	}

	data, err := s.framer.Frame(msg)
	if err != nil {
		return s.fail("send", err)
	}
	n, err := s.output.Write(ctx, data)
	if err != nil {
		return s.fail("send", err)
	}

	s.stats.MessagesSent.Add(1)
	s.stats.BytesSent.Add(int64(n))
	s.stats.Touch()
	return nil
}

// Receive returns the next parsed message, or (nil, nil) when no complete
// message is currently available. EOF on stdin is reported as "no data":
// the server deliberately keeps waiting for future input rather than
// treating EOF as peer disconnect.
func (s *Stdio) Receive(ctx context.Context) (*protocol.Message, error) {
	if !s.Connected() {
		return nil, ErrClosed
	}
	if len(s.queue) > 0 {
		return s.pop(), nil
	}
	if s.parseErr != nil {
		err := s.parseErr
		s.parseErr = nil
		return nil, err
	}

	chunk, err := s.input.Read(ctx, 0)
	if err != nil {
		return nil, s.fail("receive", err)
	}
	if chunk == nil {
		return nil, nil
	}
	s.stats.BytesReceived.Add(int64(len(chunk)))

	msgs, perr := s.framer.Parse(chunk)
	if len(msgs) > 0 {
		s.stats.MessagesReceived.Add(int64(len(msgs)))
		s.stats.Touch()
		s.queue = append(s.queue, msgs...)
	}
	if perr != nil {
		if len(s.queue) == 0 {
			return nil, perr
		}
		// Deliver decoded messages first, then surface the failure.
		s.parseErr = perr
	}
	if len(s.queue) > 0 {
		return s.pop(), nil
	}
	return nil, nil
}

func (s *Stdio) pop() *protocol.Message {
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg
}

// Listen is the primary run loop: it polls Receive with a short idle sleep,
// dispatches each message, and writes any response. Per-message failures
// become JSON-RPC error responses; a single bad message never terminates
// the loop. SIGTERM and SIGINT trigger a graceful Stop; SIGHUP is reserved
// for reload and is ignored here.
func (s *Stdio) Listen(ctx context.Context) error {
	if !s.Connected() {
		return ErrClosed
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	poll := s.config().PollInterval

	for {
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return ctx.Err()
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				continue
			}
			return s.Stop()
		default:
		}

		msg, err := s.Receive(ctx)
		if err != nil {
			s.respondReceiveError(ctx, err)
			continue
		}
		if msg == nil {
			// Idle sleep avoids busy-waiting; also keeps the loop alive
			// across stdin EOF.
			time.Sleep(poll)
			continue
		}

		s.dispatch(ctx, msg)
	}
}

// respondReceiveError converts framing-level failures into well-formed
// JSON-RPC error responses on the output stream.
func (s *Stdio) respondReceiveError(ctx context.Context, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.NewInternalError(err.Error())
	}
	_ = s.Send(ctx, protocol.NewErrorResponse(nil, perr))
}

// dispatch validates and routes one message, writing back the response.
// Handler exceptions are converted to error responses, never crashes.
func (s *Stdio) dispatch(ctx context.Context, msg *protocol.Message) {
	if msg == nil {
		return
	}

	handler := s.boundHandler()
	if handler == nil {
		return
	}

	if err := msg.Validate(); err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.NewInvalidRequest(err.Error())
		}
		_ = s.Send(ctx, protocol.NewErrorResponse(msg.ID, perr))
		return
	}

	resp, err := handler.HandleMessage(ctx, msg)
	if msg.IsNotification() {
		return
	}
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.NewInternalError(err.Error())
		}
		resp = protocol.NewErrorResponse(msg.ID, perr)
	}
	if resp != nil {
		_ = s.Send(ctx, resp)
	}
}
