package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/mcpwire/mcpwire/protocol"
)

// sseSender adapts one upgraded SSE session to the Sender interface. Writes
// are serialized: the session is not safe for concurrent Send/Flush.
type sseSender struct {
	mu   sync.Mutex
	sess *sse.Session
}

func (s *sseSender) Send(_ context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ev := &sse.Message{Type: sse.Type("message")}
	ev.AppendData(string(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sess.Send(ev); err != nil {
		return err
	}
	return s.sess.Flush()
}

// SSEHandler returns the notification event stream endpoint. A GET request
// upgrades to SSE, subscribes the client (query parameters: clientId,
// optional comma-separated types), flushes any pending notifications, and
// streams until the client disconnects. Reconnecting with the same clientId
// re-attaches the subscription, delivering what accumulated while away.
func (h *Handler) SSEHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = uuid.NewString()
		}
		var types []string
		if raw := r.URL.Query().Get("types"); raw != "" {
			types = strings.Split(raw, ",")
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, "failed to upgrade to SSE", http.StatusInternalServerError)
			return
		}
		sender := &sseSender{sess: sess}

		// Tell the client its id so it can reconnect to the same buffer.
		hello := &sse.Message{Type: sse.Type("endpoint")}
		hello.AppendData(clientID)
		if err := sess.Send(hello); err != nil {
			h.logger.Warn("sse endpoint event failed", "client", clientID, "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			h.logger.Warn("sse flush failed", "client", clientID, "err", err)
			return
		}

		if h.Subscribed(clientID) {
			if err := h.AttachSender(clientID, sender); err != nil {
				h.logger.Warn("sse attach failed", "client", clientID, "err", err)
				return
			}
		} else {
			h.Subscribe(clientID, types, WithSender(sender))
		}

		// Hold the connection open; detach on disconnect so later
		// notifications buffer for reconnection.
		<-r.Context().Done()
		h.DetachSender(clientID)
	})
}
