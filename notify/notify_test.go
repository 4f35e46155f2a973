package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/protocol"
)

// captureSender records every message it is asked to deliver.
type captureSender struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	err  error
}

func (s *captureSender) Send(_ context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *captureSender) last() *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[len(s.msgs)-1]
}

func TestHandler_Broadcast(t *testing.T) {
	t.Run("delivers to every matching subscriber", func(t *testing.T) {
		h := NewHandler()
		a := &captureSender{}
		b := &captureSender{}
		h.Subscribe("a", nil, WithSender(a))
		h.Subscribe("b", nil, WithSender(b))

		id, err := h.Broadcast("resources/updated", map[string]string{"uri": "file:///x"})
		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if !strings.HasPrefix(id, "mcp_") {
			t.Errorf("id = %q, want mcp_ prefix", id)
		}

		for name, s := range map[string]*captureSender{"a": a, "b": b} {
			if s.count() != 1 {
				t.Errorf("client %s received %d messages, want 1", name, s.count())
				continue
			}
			if s.last().Method != "resources/updated" {
				t.Errorf("client %s method = %q", name, s.last().Method)
			}
		}
	})

	t.Run("honors the subscription type set", func(t *testing.T) {
		h := NewHandler()
		s := &captureSender{}
		h.Subscribe("picky", []string{"tools/changed"}, WithSender(s))

		if _, err := h.Broadcast("resources/updated", nil); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if s.count() != 0 {
			t.Errorf("received %d messages for unmatched type, want 0", s.count())
		}

		if _, err := h.Broadcast("tools/changed", nil); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if s.count() != 1 {
			t.Errorf("received %d messages for matched type, want 1", s.count())
		}
	})

	t.Run("honors the payload filter", func(t *testing.T) {
		h := NewHandler()
		s := &captureSender{}
		h.Subscribe("filtered", nil,
			WithSender(s),
			WithFilter(func(_ string, payload json.RawMessage) bool {
				return strings.Contains(string(payload), "keep")
			}))

		_, _ = h.Broadcast("event", map[string]string{"tag": "drop"})
		_, _ = h.Broadcast("event", map[string]string{"tag": "keep"})

		if s.count() != 1 {
			t.Errorf("received %d messages, want 1 after filtering", s.count())
		}
	})

	t.Run("unsubscribed clients receive nothing", func(t *testing.T) {
		h := NewHandler()
		s := &captureSender{}
		h.Subscribe("gone", nil, WithSender(s))
		h.Unsubscribe("gone")

		_, _ = h.Broadcast("event", nil)
		if s.count() != 0 {
			t.Errorf("received %d messages after unsubscribe, want 0", s.count())
		}
		if h.Subscribed("gone") {
			t.Error("Subscribed = true after unsubscribe")
		}
	})
}

func TestHandler_DeliveryStatus(t *testing.T) {
	t.Run("tracks delivered", func(t *testing.T) {
		h := NewHandler()
		h.Subscribe("c", nil, WithSender(&captureSender{}))

		id, _ := h.Broadcast("event", nil)
		status := h.DeliveryStatus(id)
		if status["c"] != StatusDelivered {
			t.Errorf("status = %q, want %q", status["c"], StatusDelivered)
		}
	})

	t.Run("tracks failed", func(t *testing.T) {
		h := NewHandler()
		h.Subscribe("c", nil, WithSender(&captureSender{err: errors.New("broken pipe")}))

		id, _ := h.Broadcast("event", nil)
		if status := h.DeliveryStatus(id); status["c"] != StatusFailed {
			t.Errorf("status = %q, want %q", status["c"], StatusFailed)
		}
	})

	t.Run("tracks pending without a sender", func(t *testing.T) {
		h := NewHandler()
		h.Subscribe("c", nil)

		id, _ := h.Broadcast("event", nil)
		if status := h.DeliveryStatus(id); status["c"] != StatusPending {
			t.Errorf("status = %q, want %q", status["c"], StatusPending)
		}
	})

	t.Run("unknown id yields nil", func(t *testing.T) {
		h := NewHandler()
		if status := h.DeliveryStatus("mcp_nope"); status != nil {
			t.Errorf("status = %v, want nil", status)
		}
	})

	t.Run("ClearRecords forgets history", func(t *testing.T) {
		h := NewHandler()
		h.Subscribe("c", nil, WithSender(&captureSender{}))
		id, _ := h.Broadcast("event", nil)

		h.ClearRecords()
		if status := h.DeliveryStatus(id); status != nil {
			t.Errorf("status = %v, want nil after clear", status)
		}
	})
}

func TestHandler_Pending(t *testing.T) {
	t.Run("buffers until a sender attaches, then flushes in order", func(t *testing.T) {
		h := NewHandler()
		h.Subscribe("slow", nil)

		_, _ = h.Notify("slow", "event", map[string]int{"seq": 1})
		_, _ = h.Notify("slow", "event", map[string]int{"seq": 2})
		if h.PendingCount("slow") != 2 {
			t.Fatalf("PendingCount = %d, want 2", h.PendingCount("slow"))
		}

		s := &captureSender{}
		if err := h.AttachSender("slow", s); err != nil {
			t.Fatalf("attach: %v", err)
		}
		if s.count() != 2 {
			t.Fatalf("flushed %d messages, want 2", s.count())
		}
		if !strings.Contains(string(s.msgs[0].Params), `"seq":1`) {
			t.Errorf("first flushed = %s, want seq 1", s.msgs[0].Params)
		}
		if h.PendingCount("slow") != 0 {
			t.Errorf("PendingCount = %d after flush, want 0", h.PendingCount("slow"))
		}
	})

	t.Run("overflow drops the oldest first", func(t *testing.T) {
		h := NewHandler(WithMaxPending(3))
		h.Subscribe("slow", nil)

		for i := 1; i <= 5; i++ {
			_, _ = h.Notify("slow", "event", map[string]int{"seq": i})
		}
		if h.PendingCount("slow") != 3 {
			t.Fatalf("PendingCount = %d, want 3", h.PendingCount("slow"))
		}

		s := &captureSender{}
		_ = h.AttachSender("slow", s)
		if !strings.Contains(string(s.msgs[0].Params), `"seq":3`) {
			t.Errorf("oldest surviving = %s, want seq 3", s.msgs[0].Params)
		}
	})

	t.Run("attach to an unknown client fails", func(t *testing.T) {
		h := NewHandler()
		if err := h.AttachSender("stranger", &captureSender{}); err == nil {
			t.Error("expected error for unknown client")
		}
	})

	t.Run("detach buffers again", func(t *testing.T) {
		h := NewHandler()
		s := &captureSender{}
		h.Subscribe("c", nil, WithSender(s))

		_, _ = h.Notify("c", "event", nil)
		h.DetachSender("c")
		_, _ = h.Notify("c", "event", nil)

		if s.count() != 1 {
			t.Errorf("delivered = %d, want 1", s.count())
		}
		if h.PendingCount("c") != 1 {
			t.Errorf("PendingCount = %d, want 1", h.PendingCount("c"))
		}
	})

	t.Run("ClearPending drops the buffer", func(t *testing.T) {
		h := NewHandler()
		h.Subscribe("c", nil)
		_, _ = h.Notify("c", "event", nil)
		_, _ = h.Notify("c", "event", nil)

		if n := h.ClearPending("c"); n != 2 {
			t.Errorf("ClearPending = %d, want 2", n)
		}
		if h.PendingCount("c") != 0 {
			t.Errorf("PendingCount = %d, want 0", h.PendingCount("c"))
		}
	})
}

func TestHandler_Schedulers(t *testing.T) {
	t.Run("worker scheduler delivers asynchronously", func(t *testing.T) {
		sched := NewWorkerScheduler(2, 16)
		defer sched.Stop()

		h := NewHandler(WithScheduler(sched))
		s := &captureSender{}
		h.Subscribe("c", nil, WithSender(s))

		id, err := h.Broadcast("event", nil)
		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if status := h.DeliveryStatus(id); status["c"] == StatusDelivered {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if status := h.DeliveryStatus(id); status["c"] != StatusDelivered {
			t.Errorf("status = %q, want delivered", status["c"])
		}
		if s.count() != 1 {
			t.Errorf("delivered = %d, want 1", s.count())
		}
	})

	t.Run("sync scheduler delivers inline", func(t *testing.T) {
		h := NewHandler(WithScheduler(SyncScheduler{}))
		s := &captureSender{}
		h.Subscribe("c", nil, WithSender(s))

		id, _ := h.Broadcast("event", nil)
		if status := h.DeliveryStatus(id); status["c"] != StatusDelivered {
			t.Errorf("status = %q, want delivered", status["c"])
		}
	})

	t.Run("enqueue after stop is a no-op", func(t *testing.T) {
		sched := NewWorkerScheduler(1, 4)
		sched.Stop()
		sched.Enqueue(func() { t.Error("job ran after stop") })
		time.Sleep(10 * time.Millisecond)
	})
}

func TestEventBroadcaster(t *testing.T) {
	t.Run("fans a raw frame out to attached senders", func(t *testing.T) {
		h := NewHandler()
		attached := &captureSender{}
		h.Subscribe("live", nil, WithSender(attached))
		h.Subscribe("idle", nil) // no sender

		b := EventBroadcaster{H: h}
		frame := []byte(`{"jsonrpc":"2.0","method":"resources/updated","params":{"uri":"file:///x"}}`)
		if err := b.Broadcast(frame); err != nil {
			t.Fatalf("broadcast: %v", err)
		}

		if attached.count() != 1 {
			t.Fatalf("delivered = %d, want 1", attached.count())
		}
		if attached.last().Method != "resources/updated" {
			t.Errorf("method = %q, want resources/updated", attached.last().Method)
		}
	})

	t.Run("rejects malformed frames", func(t *testing.T) {
		b := EventBroadcaster{H: NewHandler()}
		if err := b.Broadcast([]byte("{broken")); err == nil {
			t.Error("expected error for malformed frame")
		}
	})
}
