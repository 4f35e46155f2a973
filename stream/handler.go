// Package stream provides low-level byte-stream I/O and JSON-RPC message
// framing for MCP transports.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default handler configuration values.
const (
	DefaultReadTimeout   = 100 * time.Millisecond
	DefaultWriteTimeout  = 5 * time.Second
	DefaultMaxBufferSize = 1 << 20 // 1 MiB
	DefaultChunkSize     = 4096
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 50 * time.Millisecond
)

// Handler performs blocking and non-blocking I/O over a reader/writer pair
// with timeouts and bounded buffering. Reads are pumped by a background
// goroutine so that Read and ReadLine can observe a deadline without
// blocking on the underlying stream.
type Handler struct {
	r io.Reader
	w io.Writer

	readTimeout   time.Duration
	writeTimeout  time.Duration
	maxBufferSize int
	chunkSize     int
	retryAttempts int
	retryDelay    time.Duration

	mu      sync.Mutex
	pending bytes.Buffer // bytes read but not yet consumed
	chunks  chan []byte
	done    chan struct{}
	opened  bool
	closed  bool
	eof     atomic.Bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithReadTimeout sets the timeout applied to Read and ReadLine.
func WithReadTimeout(d time.Duration) Option {
	return func(h *Handler) { h.readTimeout = d }
}

// WithWriteTimeout sets the overall deadline for a single Write call.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// WithMaxBufferSize caps the ReadLine accumulation buffer.
func WithMaxBufferSize(n int) Option {
	return func(h *Handler) { h.maxBufferSize = n }
}

// WithChunkSize sets the size of reads issued against the underlying stream.
func WithChunkSize(n int) Option {
	return func(h *Handler) { h.chunkSize = n }
}

// WithRetry sets the partial-write retry budget. Retries back off linearly:
// the n-th retry waits n times the configured delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(h *Handler) {
		h.retryAttempts = attempts
		h.retryDelay = delay
	}
}

// New creates a Handler over the given reader and writer. Either may be nil
// for a write-only or read-only handler.
func New(r io.Reader, w io.Writer, opts ...Option) *Handler {
	h := &Handler{
		r:             r,
		w:             w,
		readTimeout:   DefaultReadTimeout,
		writeTimeout:  DefaultWriteTimeout,
		maxBufferSize: DefaultMaxBufferSize,
		chunkSize:     DefaultChunkSize,
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open starts the background read pump. It is a no-op on a write-only
// handler and idempotent otherwise.
func (h *Handler) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.opened {
		return nil
	}
	h.opened = true
	h.done = make(chan struct{})
	h.chunks = make(chan []byte, 8)

	if h.r != nil {
		go h.pump()
	}
	return nil
}

// Close stops the read pump and marks the handler closed. The underlying
// reader/writer are not closed; their lifecycle belongs to the transport.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	if h.opened {
		close(h.done)
	}
	return nil
}

// EOF reports whether the underlying reader has returned EOF. Callers decide
// what EOF means: the stdio transport keeps polling, socket transports treat
// it as peer close.
func (h *Handler) EOF() bool {
	return h.eof.Load()
}

// pump reads chunks from the underlying reader and feeds them to consumers.
func (h *Handler) pump() {
	for {
		buf := make([]byte, h.chunkSize)
		n, err := h.r.Read(buf)
		if n > 0 {
			select {
			case h.chunks <- buf[:n]:
			case <-h.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.eof.Store(true)
			}
			return
		}
	}
}

// Read returns up to maxBytes of available data. It waits at most the read
// timeout; no data within the deadline (or EOF) yields (nil, nil), never an
// error. maxBytes <= 0 means "whatever is available".
func (h *Handler) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if !h.opened {
		h.mu.Unlock()
		return nil, fmt.Errorf("stream: read before open")
	}
	if h.pending.Len() > 0 {
		out := h.take(maxBytes)
		h.mu.Unlock()
		return out, nil
	}
	h.mu.Unlock()

	timer := time.NewTimer(h.readTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, nil
	case <-timer.C:
		return nil, nil
	case chunk, ok := <-h.chunks:
		if !ok {
			return nil, nil
		}
		h.mu.Lock()
		h.pending.Write(chunk)
		out := h.take(maxBytes)
		h.mu.Unlock()
		return out, nil
	}
}

// take removes up to maxBytes from the pending buffer. Caller holds mu.
func (h *Handler) take(maxBytes int) []byte {
	n := h.pending.Len()
	if maxBytes > 0 && maxBytes < n {
		n = maxBytes
	}
	out := make([]byte, n)
	_, _ = h.pending.Read(out)
	return out
}

// ReadLine accumulates data until the delimiter is seen and returns the line
// without the delimiter. It returns (nil, nil) when no complete line arrives
// within the read timeout; accumulated bytes stay buffered for the next
// call. Exceeding the maximum buffer size fails with ErrBufferOverflow.
func (h *Handler) ReadLine(ctx context.Context, delim byte) ([]byte, error) {
	deadline := time.Now().Add(h.readTimeout)

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		if line, ok := h.extractLine(delim); ok {
			h.mu.Unlock()
			return line, nil
		}
		if h.pending.Len() > h.maxBufferSize {
			h.pending.Reset()
			h.mu.Unlock()
			return nil, ErrBufferOverflow
		}
		h.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-h.done:
			timer.Stop()
			return nil, nil
		case <-timer.C:
			return nil, nil
		case chunk, ok := <-h.chunks:
			timer.Stop()
			if !ok {
				return nil, nil
			}
			h.mu.Lock()
			h.pending.Write(chunk)
			h.mu.Unlock()
		}
	}
}

// extractLine pops one delimited line from the pending buffer. Caller holds mu.
func (h *Handler) extractLine(delim byte) ([]byte, bool) {
	data := h.pending.Bytes()
	idx := bytes.IndexByte(data, delim)
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	h.pending.Next(idx + 1)
	return line, true
}

// WaitReadable blocks until data is available or the timeout elapses.
func (h *Handler) WaitReadable(ctx context.Context, timeout time.Duration) bool {
	h.mu.Lock()
	if h.pending.Len() > 0 {
		h.mu.Unlock()
		return true
	}
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	case <-timer.C:
		return false
	case chunk, ok := <-h.chunks:
		if !ok {
			return false
		}
		h.mu.Lock()
		h.pending.Write(chunk)
		h.mu.Unlock()
		return true
	}
}

// WaitWritable reports whether the handler can accept a Write before the
// timeout elapses. An io.Writer carries no backpressure signal, so an open
// writable handler is ready immediately; the wait only observes closure.
func (h *Handler) WaitWritable(ctx context.Context, timeout time.Duration) bool {
	h.mu.Lock()
	closed, writable := h.closed, h.w != nil
	h.mu.Unlock()

	if !writable || closed {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	default:
		return true
	}
}

// Write writes p fully, retrying partial writes with linear backoff up to
// the configured attempt budget. It returns the number of bytes written and
// wraps the final failure in ErrWriteFailed once attempts are exhausted.
func (h *Handler) Write(ctx context.Context, p []byte) (int, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	if h.w == nil {
		h.mu.Unlock()
		return 0, fmt.Errorf("stream: handler is read-only")
	}
	h.mu.Unlock()

	writeCtx := ctx
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
	}

	written := 0
	op := func() error {
		n, err := h.w.Write(p[written:])
		written += n
		if err != nil {
			return err
		}
		if written < len(p) {
			return fmt.Errorf("stream: short write (%d of %d)", written, len(p))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(h.retryDelay), uint64(h.retryAttempts)),
		writeCtx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return written, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return written, nil
}

// linearBackOff waits delay * attempt between retries, per the transport
// retry contract.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func newLinearBackOff(delay time.Duration) *linearBackOff {
	return &linearBackOff{delay: delay}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.delay * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
