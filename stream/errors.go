package stream

import "errors"

var (
	// ErrClosed is returned by operations on a closed handler.
	ErrClosed = errors.New("stream: closed")

	// ErrBufferOverflow is returned when ReadLine accumulates more than the
	// configured maximum buffer size without finding a delimiter. The cap
	// protects against unbounded input.
	ErrBufferOverflow = errors.New("stream: buffer overflow")

	// ErrMessageTooLarge is returned by the framer when the accumulation
	// buffer exceeds the maximum message size with no frame boundary found.
	ErrMessageTooLarge = errors.New("stream: message too large")

	// ErrWriteFailed is returned when a write could not complete within the
	// configured retry budget.
	ErrWriteFailed = errors.New("stream: write failed")
)
