package transport

import (
	"sync/atomic"
	"time"
)

// Stats tracks per-transport traffic counters. Counters use atomic
// increments because HTTP requests may update them concurrently.
type Stats struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64
	Errors           atomic.Int64

	lastActivity atomic.Int64 // unix nanos
}

// Touch records activity now.
func (s *Stats) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent send or receive, or the
// zero time if none.
func (s *Stats) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	BytesSent        int64 `json:"bytes_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	Errors           int64 `json:"errors"`
}

// Snapshot returns a copy of the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent:     s.MessagesSent.Load(),
		MessagesReceived: s.MessagesReceived.Load(),
		BytesSent:        s.BytesSent.Load(),
		BytesReceived:    s.BytesReceived.Load(),
		Errors:           s.Errors.Load(),
	}
}
