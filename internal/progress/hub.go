package progress

import (
	"encoding/json"
	"sync"

	"github.com/slidewise/conveyor/internal/log"
)

// Subscriber is a push endpoint. Send may fail; the hub treats any error as
// a dead subscriber and removes it.
type Subscriber interface {
	Send(Envelope) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Envelope) error

// Send implements Subscriber.
func (f SubscriberFunc) Send(env Envelope) error { return f(env) }

// Hub is the per-tenant fan-out. Subscribers only ever see envelopes for
// the tenant they subscribed under.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[Subscriber]struct{})}
}

// Subscribe registers a subscriber for the tenant's events.
func (h *Hub) Subscribe(tenantID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[tenantID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.subs[tenantID] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes a subscriber. Unknown subscribers are ignored.
func (h *Hub) Unsubscribe(tenantID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[tenantID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, tenantID)
	}
}

// Broadcast delivers the envelope to every current subscriber of the
// tenant. Sends happen on the caller's goroutine so one producer's
// envelopes arrive in call order. Subscribers whose Send fails are removed.
func (h *Hub) Broadcast(tenantID string, env Envelope) {
	h.mu.RLock()
	set := h.subs[tenantID]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var dead []Subscriber
	for _, sub := range targets {
		if err := sub.Send(env); err != nil {
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		log.Debug(log.CatWS, "dropping dead subscriber", "tenant_id", tenantID, "envelope", env.EnvelopeType())
		h.Unsubscribe(tenantID, sub)
	}
}

// inboundFrame is the decoded shape of a client-to-server message.
type inboundFrame struct {
	Type string `json:"type"`
}

// HandleInbound processes a raw client frame from a bidirectional
// subscriber. A ping is answered with a pong on that subscriber alone;
// anything else is ignored. A failed pong removes the subscriber.
func (h *Hub) HandleInbound(tenantID string, sub Subscriber, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Debug(log.CatWS, "ignoring malformed inbound frame", "tenant_id", tenantID)
		return
	}
	if frame.Type != TypePing {
		return
	}
	if err := sub.Send(NewPong()); err != nil {
		h.Unsubscribe(tenantID, sub)
	}
}

// SubscriberCount returns the number of live subscribers for the tenant.
func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
