package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpwire/mcpwire/protocol"
)

// DefaultMaxPending caps the per-client pending buffer.
const DefaultMaxPending = 256

// Sender is the outbound half of a transport: anything that can push one
// framed message to a client.
type Sender interface {
	Send(ctx context.Context, msg *protocol.Message) error
}

// DeliveryStatus tracks one notification's delivery to one client.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusQueued    DeliveryStatus = "queued"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Filter decides whether a notification reaches a subscriber.
type Filter func(typ string, payload json.RawMessage) bool

// Subscription registers one client's interest in notification types. An
// empty type set means all types.
type Subscription struct {
	ClientID string
	types    map[string]struct{}
	sender   Sender
	filter   Filter
	active   bool
}

// wants reports whether the subscription matches the notification.
func (s *Subscription) wants(typ string, payload json.RawMessage) bool {
	if !s.active {
		return false
	}
	if len(s.types) > 0 {
		if _, ok := s.types[typ]; !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(typ, payload) {
		return false
	}
	return true
}

// Record retains one notification and its per-client delivery status until
// cleared.
type Record struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time

	mu         sync.Mutex
	deliveries map[string]DeliveryStatus
}

func (r *Record) setStatus(clientID string, status DeliveryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[clientID] = status
}

// Deliveries returns a copy of the per-client delivery map.
func (r *Record) Deliveries() map[string]DeliveryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]DeliveryStatus, len(r.deliveries))
	for k, v := range r.deliveries {
		out[k] = v
	}
	return out
}

// pendingItem is one notification held for a client without a sender.
type pendingItem struct {
	recordID string
	msg      *protocol.Message
}

// Handler publishes server-originated notifications to subscribed clients.
// Safe for concurrent use.
type Handler struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	records map[string]*Record
	pending map[string][]pendingItem

	maxPending  int
	sendTimeout time.Duration
	scheduler   Scheduler
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithScheduler enables queued delivery: Broadcast and Notify enqueue
// delivery jobs instead of sending inline.
func WithScheduler(s Scheduler) Option {
	return func(h *Handler) { h.scheduler = s }
}

// WithMaxPending caps the per-client pending buffer; overflow drops the
// oldest entry first.
func WithMaxPending(n int) Option {
	return func(h *Handler) { h.maxPending = n }
}

// WithSendTimeout bounds one delivery attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Handler) { h.sendTimeout = d }
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a notification handler. Without WithScheduler, delivery
// runs inline.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		subs:        make(map[string]*Subscription),
		records:     make(map[string]*Record),
		pending:     make(map[string][]pendingItem),
		maxPending:  DefaultMaxPending,
		sendTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*Subscription)

// WithSender binds the subscription to an outbound sender. Without one,
// notifications are held pending until a sender attaches.
func WithSender(s Sender) SubscribeOption {
	return func(sub *Subscription) { sub.sender = s }
}

// WithFilter adds a per-subscription payload filter.
func WithFilter(f Filter) SubscribeOption {
	return func(sub *Subscription) { sub.filter = f }
}

// Subscribe registers clientID for the given notification types (empty means
// all). Re-subscribing replaces the previous subscription.
func (h *Handler) Subscribe(clientID string, types []string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{
		ClientID: clientID,
		types:    make(map[string]struct{}, len(types)),
		active:   true,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(sub)
	}

	h.mu.Lock()
	h.subs[clientID] = sub
	h.mu.Unlock()

	h.logger.Debug("client subscribed", "client", clientID, "types", types)
	return sub
}

// Unsubscribe removes the client's subscription. Pending notifications are
// kept until explicitly cleared.
func (h *Handler) Unsubscribe(clientID string) {
	h.mu.Lock()
	if sub, ok := h.subs[clientID]; ok {
		sub.active = false
		delete(h.subs, clientID)
	}
	h.mu.Unlock()
	h.logger.Debug("client unsubscribed", "client", clientID)
}

// Subscribed reports whether clientID holds an active subscription.
func (h *Handler) Subscribed(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[clientID]
	return ok
}

// AttachSender binds a sender to an existing subscription and flushes that
// client's pending notifications in arrival order.
func (h *Handler) AttachSender(clientID string, s Sender) error {
	h.mu.Lock()
	sub, ok := h.subs[clientID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("notify: no subscription for client %q", clientID)
	}
	sub.sender = s
	queued := h.pending[clientID]
	delete(h.pending, clientID)
	h.mu.Unlock()

	for _, item := range queued {
		h.send(sub, h.record(item.recordID), item.msg)
	}
	return nil
}

// DetachSender removes the subscription's sender; subsequent notifications
// buffer as pending again.
func (h *Handler) DetachSender(clientID string) {
	h.mu.Lock()
	if sub, ok := h.subs[clientID]; ok {
		sub.sender = nil
	}
	h.mu.Unlock()
}

// Broadcast publishes a notification of the given type to every matching
// subscriber and returns the generated notification id. With a scheduler
// configured, delivery is enqueued and Broadcast does not block on sends.
func (h *Handler) Broadcast(typ string, payload any) (string, error) {
	rec, msg, err := h.newRecord(typ, payload)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.wants(typ, rec.Payload) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.deliver(sub, rec, msg)
	}
	return rec.ID, nil
}

// Notify publishes a notification to a single client, honoring its type set
// and filter. Returns the generated notification id; an inactive or filtered
// subscription yields no delivery and no error.
func (h *Handler) Notify(clientID, typ string, payload any) (string, error) {
	rec, msg, err := h.newRecord(typ, payload)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	sub, ok := h.subs[clientID]
	wanted := ok && sub.wants(typ, rec.Payload)
	h.mu.Unlock()
	if !wanted {
		return rec.ID, nil
	}

	h.deliver(sub, rec, msg)
	return rec.ID, nil
}

// DeliveryStatus returns the per-client delivery map for a notification id,
// or nil for an unknown id.
func (h *Handler) DeliveryStatus(id string) map[string]DeliveryStatus {
	rec := h.record(id)
	if rec == nil {
		return nil
	}
	return rec.Deliveries()
}

// PendingCount returns how many notifications are buffered for clientID.
func (h *Handler) PendingCount(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[clientID])
}

// ClearPending drops clientID's buffered notifications and returns how many
// were dropped.
func (h *Handler) ClearPending(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.pending[clientID])
	delete(h.pending, clientID)
	return n
}

// ClearRecords drops retained delivery records.
func (h *Handler) ClearRecords() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = make(map[string]*Record)
}

// newRecord creates the retained record and the wire message for one
// notification.
func (h *Handler) newRecord(typ string, payload any) (*Record, *protocol.Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("notify: marshal payload: %w", err)
		}
		raw = data
	}

	rec := &Record{
		ID:         "mcp_" + uuid.NewString(),
		Type:       typ,
		Payload:    raw,
		CreatedAt:  time.Now(),
		deliveries: make(map[string]DeliveryStatus),
	}

	h.mu.Lock()
	h.records[rec.ID] = rec
	h.mu.Unlock()

	return rec, protocol.NewNotification(typ, raw), nil
}

func (h *Handler) record(id string) *Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[id]
}

// deliver routes one notification to one subscriber: pending buffer when no
// sender is attached, scheduler when configured, otherwise inline.
func (h *Handler) deliver(sub *Subscription, rec *Record, msg *protocol.Message) {
	h.mu.Lock()
	sender := sub.sender
	if sender == nil {
		rec.setStatus(sub.ClientID, StatusPending)
		queue := append(h.pending[sub.ClientID], pendingItem{recordID: rec.ID, msg: msg})
		if len(queue) > h.maxPending {
			queue = queue[len(queue)-h.maxPending:]
		}
		h.pending[sub.ClientID] = queue
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if h.scheduler != nil {
		rec.setStatus(sub.ClientID, StatusQueued)
		h.scheduler.Enqueue(func() { h.send(sub, rec, msg) })
		return
	}
	h.send(sub, rec, msg)
}

// send performs one bounded delivery attempt and records the outcome.
func (h *Handler) send(sub *Subscription, rec *Record, msg *protocol.Message) {
	h.mu.Lock()
	sender := sub.sender
	h.mu.Unlock()
	if sender == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
	defer cancel()

	if err := sender.Send(ctx, msg); err != nil {
		if rec != nil {
			rec.setStatus(sub.ClientID, StatusFailed)
		}
		h.logger.Warn("notification delivery failed",
			"client", sub.ClientID, "type", msg.Method, "err", err)
		return
	}
	if rec != nil {
		rec.setStatus(sub.ClientID, StatusDelivered)
	}
}

// EventBroadcaster adapts a Handler to the HTTP transport's broadcaster
// contract: a raw frame fans out to every subscriber with an attached sender.
type EventBroadcaster struct {
	H *Handler
}

// Broadcast parses one framed message and sends it to all attached senders.
func (b EventBroadcaster) Broadcast(data []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("notify: broadcast frame: %w", err)
	}

	b.H.mu.Lock()
	targets := make([]*Subscription, 0, len(b.H.subs))
	for _, sub := range b.H.subs {
		if sub.sender != nil {
			targets = append(targets, sub)
		}
	}
	b.H.mu.Unlock()

	for _, sub := range targets {
		b.H.send(sub, nil, &msg)
	}
	return nil
}
