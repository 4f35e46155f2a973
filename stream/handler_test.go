package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestHandler_Read(t *testing.T) {
	t.Run("returns available data", func(t *testing.T) {
		h := New(strings.NewReader("hello"), nil)
		if err := h.Open(); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer h.Close()

		data := awaitRead(t, h, 0)
		if string(data) != "hello" {
			t.Errorf("Read = %q, want %q", data, "hello")
		}
	})

	t.Run("respects maxBytes", func(t *testing.T) {
		h := New(strings.NewReader("hello world"), nil)
		if err := h.Open(); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer h.Close()

		data := awaitRead(t, h, 5)
		if string(data) != "hello" {
			t.Errorf("Read = %q, want %q", data, "hello")
		}
		rest := awaitRead(t, h, 0)
		if string(rest) != " world" {
			t.Errorf("Read = %q, want %q", rest, " world")
		}
	})

	t.Run("no data within timeout yields nil without error", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()

		h := New(r, nil, WithReadTimeout(20*time.Millisecond))
		if err := h.Open(); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer h.Close()

		data, err := h.Read(context.Background(), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if data != nil {
			t.Errorf("Read = %q, want nil", data)
		}
	})

	t.Run("EOF reads as no data, not an error", func(t *testing.T) {
		h := New(strings.NewReader(""), nil, WithReadTimeout(20*time.Millisecond))
		if err := h.Open(); err != nil {
			t.Fatalf("open: %v", err)
		}
		defer h.Close()

		data, err := h.Read(context.Background(), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if data != nil {
			t.Errorf("Read = %q, want nil", data)
		}

		// The handler remembers EOF; the caller decides what it means.
		deadline := time.Now().Add(time.Second)
		for !h.EOF() {
			if time.Now().After(deadline) {
				t.Fatal("EOF() never became true")
			}
			time.Sleep(time.Millisecond)
		}
	})

	t.Run("fails after close", func(t *testing.T) {
		h := New(strings.NewReader("x"), nil)
		_ = h.Open()
		_ = h.Close()

		if _, err := h.Read(context.Background(), 0); !errors.Is(err, ErrClosed) {
			t.Errorf("error = %v, want ErrClosed", err)
		}
	})
}

func TestHandler_ReadLine(t *testing.T) {
	t.Run("returns line without delimiter", func(t *testing.T) {
		h := New(strings.NewReader("first\nsecond\n"), nil)
		_ = h.Open()
		defer h.Close()

		line := awaitLine(t, h)
		if string(line) != "first" {
			t.Errorf("ReadLine = %q, want %q", line, "first")
		}
		line = awaitLine(t, h)
		if string(line) != "second" {
			t.Errorf("ReadLine = %q, want %q", line, "second")
		}
	})

	t.Run("buffers partial line across calls", func(t *testing.T) {
		r, w := io.Pipe()
		h := New(r, nil, WithReadTimeout(30*time.Millisecond))
		_ = h.Open()
		defer h.Close()

		go func() {
			_, _ = w.Write([]byte("par"))
			time.Sleep(10 * time.Millisecond)
			_, _ = w.Write([]byte("tial\n"))
			_ = w.Close()
		}()

		line := awaitLine(t, h)
		if string(line) != "partial" {
			t.Errorf("ReadLine = %q, want %q", line, "partial")
		}
	})

	t.Run("fails with BufferOverflow past the cap", func(t *testing.T) {
		h := New(strings.NewReader(strings.Repeat("x", 64)), nil,
			WithMaxBufferSize(16),
			WithReadTimeout(200*time.Millisecond),
		)
		_ = h.Open()
		defer h.Close()

		var err error
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			_, err = h.ReadLine(context.Background(), '\n')
			if err != nil {
				break
			}
		}
		if !errors.Is(err, ErrBufferOverflow) {
			t.Errorf("error = %v, want ErrBufferOverflow", err)
		}
	})
}

func TestHandler_Write(t *testing.T) {
	t.Run("writes fully", func(t *testing.T) {
		var buf bytes.Buffer
		h := New(nil, &buf)
		_ = h.Open()
		defer h.Close()

		n, err := h.Write(context.Background(), []byte("payload"))
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if n != 7 || buf.String() != "payload" {
			t.Errorf("wrote %d %q, want 7 %q", n, buf.String(), "payload")
		}
	})

	t.Run("retries partial writes", func(t *testing.T) {
		w := &flakyWriter{failures: 2}
		h := New(nil, w, WithRetry(3, time.Millisecond))
		_ = h.Open()
		defer h.Close()

		if _, err := h.Write(context.Background(), []byte("retry me")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if w.buf.String() != "retry me" {
			t.Errorf("wrote %q, want %q", w.buf.String(), "retry me")
		}
	})

	t.Run("fails with WriteFailed after exhausting attempts", func(t *testing.T) {
		w := &flakyWriter{failures: 10}
		h := New(nil, w, WithRetry(2, time.Millisecond))
		_ = h.Open()
		defer h.Close()

		_, err := h.Write(context.Background(), []byte("doomed"))
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("error = %v, want ErrWriteFailed", err)
		}
	})

	t.Run("rejects writes on a read-only handler", func(t *testing.T) {
		h := New(strings.NewReader(""), nil)
		_ = h.Open()
		defer h.Close()

		if _, err := h.Write(context.Background(), []byte("x")); err == nil {
			t.Error("expected error writing to read-only handler")
		}
	})
}

func TestHandler_WaitReadable(t *testing.T) {
	t.Run("true when data arrives", func(t *testing.T) {
		r, w := io.Pipe()
		h := New(r, nil)
		_ = h.Open()
		defer h.Close()

		go func() {
			time.Sleep(5 * time.Millisecond)
			_, _ = w.Write([]byte("data"))
		}()

		if !h.WaitReadable(context.Background(), time.Second) {
			t.Error("WaitReadable = false, want true")
		}
	})

	t.Run("false on timeout", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		h := New(r, nil)
		_ = h.Open()
		defer h.Close()

		if h.WaitReadable(context.Background(), 10*time.Millisecond) {
			t.Error("WaitReadable = true, want false")
		}
	})
}

func TestHandler_WaitWritable(t *testing.T) {
	t.Run("true for an open writable handler", func(t *testing.T) {
		h := New(nil, io.Discard)
		_ = h.Open()
		defer h.Close()

		if !h.WaitWritable(context.Background(), time.Second) {
			t.Error("WaitWritable = false, want true")
		}
	})

	t.Run("false for a read-only handler", func(t *testing.T) {
		h := New(strings.NewReader(""), nil)
		_ = h.Open()
		defer h.Close()

		if h.WaitWritable(context.Background(), 10*time.Millisecond) {
			t.Error("WaitWritable = true, want false")
		}
	})

	t.Run("false after close", func(t *testing.T) {
		h := New(nil, io.Discard)
		_ = h.Open()
		_ = h.Close()

		if h.WaitWritable(context.Background(), 10*time.Millisecond) {
			t.Error("WaitWritable = true, want false")
		}
	})

	t.Run("false on a cancelled context", func(t *testing.T) {
		h := New(nil, io.Discard)
		_ = h.Open()
		defer h.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if h.WaitWritable(ctx, time.Second) {
			t.Error("WaitWritable = true, want false")
		}
	})
}

// awaitRead polls Read until data arrives; the pump goroutine may not have
// delivered the first chunk yet.
func awaitRead(t *testing.T, h *Handler, maxBytes int) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		data, err := h.Read(context.Background(), maxBytes)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if data != nil {
			return data
		}
	}
	t.Fatal("no data within deadline")
	return nil
}

func awaitLine(t *testing.T, h *Handler) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		line, err := h.ReadLine(context.Background(), '\n')
		if err != nil {
			t.Fatalf("readline: %v", err)
		}
		if line != nil {
			return line
		}
	}
	t.Fatal("no line within deadline")
	return nil
}

// flakyWriter fails its first N writes, then writes normally.
type flakyWriter struct {
	buf      bytes.Buffer
	failures int
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.failures > 0 {
		w.failures--
		return 0, errors.New("transient")
	}
	return w.buf.Write(p)
}
