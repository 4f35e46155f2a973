package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mcpwire/mcpwire/protocol"
)

// Framing selects how messages are delimited on the wire.
type Framing int

const (
	// FramingNewline delimits messages with a trailing newline (default).
	FramingNewline Framing = iota
	// FramingContentLength prefixes each message with HTTP-style headers
	// carrying a Content-Length field.
	FramingContentLength
)

// DefaultMaxMessageSize caps a single framed message.
const DefaultMaxMessageSize = 4 << 20 // 4 MiB

var headerSep = []byte("\r\n\r\n")

// Framer converts a raw byte stream into discrete JSON-RPC messages and
// back. Parse keeps an accumulation buffer across calls, so messages split
// over multiple reads reassemble transparently.
type Framer struct {
	framing        Framing
	maxMessageSize int
	buf            bytes.Buffer
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithFraming selects the framing mode.
func WithFraming(f Framing) FramerOption {
	return func(fr *Framer) { fr.framing = f }
}

// WithMaxMessageSize caps the size of a single message.
func WithMaxMessageSize(n int) FramerOption {
	return func(fr *Framer) { fr.maxMessageSize = n }
}

// NewFramer creates a Framer with newline framing by default.
func NewFramer(opts ...FramerOption) *Framer {
	f := &Framer{
		framing:        FramingNewline,
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Buffered returns the number of bytes held awaiting a frame boundary.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// Reset discards any partially accumulated frame.
func (f *Framer) Reset() {
	f.buf.Reset()
}

// Parse appends chunk to the accumulation buffer and extracts as many
// complete messages as are available, leaving any remainder buffered. A
// frame that fails to decode is dropped and reported, but extraction
// continues: Parse returns every decodable message alongside the first
// decode error. When the buffer grows past the maximum message size with no
// frame boundary in sight it fails with ErrMessageTooLarge and discards the
// buffer.
func (f *Framer) Parse(chunk []byte) ([]*protocol.Message, error) {
	f.buf.Write(chunk)

	var msgs []*protocol.Message
	var decodeErr error
	for {
		payload, ok, err := f.next()
		if err != nil {
			f.buf.Reset()
			return msgs, err
		}
		if !ok {
			break
		}
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			if decodeErr == nil {
				decodeErr = protocol.NewParseError(err.Error())
			}
			continue
		}
		msgs = append(msgs, &msg)
	}

	if f.buf.Len() > f.maxMessageSize {
		f.buf.Reset()
		return msgs, ErrMessageTooLarge
	}
	return msgs, decodeErr
}

// next extracts one frame payload from the buffer, if a boundary exists.
func (f *Framer) next() ([]byte, bool, error) {
	switch f.framing {
	case FramingContentLength:
		return f.nextContentLength()
	default:
		return f.nextLine()
	}
}

func (f *Framer) nextLine() ([]byte, bool, error) {
	data := f.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false, nil
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	f.buf.Next(idx + 1)
	return bytes.TrimSuffix(line, []byte("\r")), true, nil
}

func (f *Framer) nextContentLength() ([]byte, bool, error) {
	data := f.buf.Bytes()
	headerEnd := bytes.Index(data, headerSep)
	if headerEnd < 0 {
		return nil, false, nil
	}

	length := -1
	for _, line := range bytes.Split(data[:headerEnd], []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if bytes.EqualFold(bytes.TrimSpace(name), []byte("Content-Length")) {
			n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
			if err != nil || n < 0 {
				return nil, false, fmt.Errorf("stream: invalid Content-Length %q", value)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, false, fmt.Errorf("stream: missing Content-Length header")
	}
	if length > f.maxMessageSize {
		return nil, false, ErrMessageTooLarge
	}

	bodyStart := headerEnd + len(headerSep)
	if len(data) < bodyStart+length {
		return nil, false, nil
	}
	body := make([]byte, length)
	copy(body, data[bodyStart:bodyStart+length])
	f.buf.Next(bodyStart + length)
	return body, true, nil
}

// Frame serializes a message to wire bytes, the encode-only inverse of
// Parse: Parse(Frame(m)) yields exactly m.
func (f *Framer) Frame(msg *protocol.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > f.maxMessageSize {
		return nil, ErrMessageTooLarge
	}

	switch f.framing {
	case FramingContentLength:
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
		return append([]byte(header), payload...), nil
	default:
		return append(payload, '\n'), nil
	}
}
