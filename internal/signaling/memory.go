package signaling

import (
	"context"
	"errors"
	"sync"
)

// Hub is an in-process Transport connecting any number of endpoints. Send
// delivers synchronously to the addressee's subscriber, or holds the
// envelope until the addressee subscribes. Repeats are dropped per
// subscriber by sequence, as the relay-backed Stream does.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*dispatcher
	backlog map[string][]Envelope
	sent    []Envelope
	drop    func(Envelope) bool
}

var _ Transport = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]*dispatcher),
		backlog: make(map[string][]Envelope),
	}
}

func (h *Hub) Send(ctx context.Context, e Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	h.sent = append(h.sent, e)
	if h.drop != nil && h.drop(e) {
		h.mu.Unlock()
		return nil
	}
	d := h.subs[e.To]
	if d == nil {
		h.backlog[e.To] = append(h.backlog[e.To], e)
	}
	h.mu.Unlock()

	if d != nil {
		d.deliver(e)
	}
	return nil
}

// Subscribe registers fn for localID and flushes anything held for it.
func (h *Hub) Subscribe(ctx context.Context, localID string, fn func(Envelope)) (Subscription, error) {
	if localID == "" {
		return nil, errors.New("subscribe: empty local id")
	}

	d := &dispatcher{dedup: NewDeduper(), fn: fn}

	h.mu.Lock()
	if _, ok := h.subs[localID]; ok {
		h.mu.Unlock()
		return nil, errors.New("subscribe: " + localID + " already subscribed")
	}
	h.subs[localID] = d
	held := h.backlog[localID]
	delete(h.backlog, localID)
	h.mu.Unlock()

	for _, e := range held {
		d.deliver(e)
	}
	return &hubSubscription{hub: h, id: localID, d: d}, nil
}

// DropWhere makes Send discard envelopes matching fn after recording them,
// as a relay that loses signals would. A nil fn delivers everything again.
func (h *Hub) DropWhere(fn func(Envelope) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// Redeliver hands e to its addressee again, as an overlapping poll would.
func (h *Hub) Redeliver(e Envelope) {
	h.mu.Lock()
	d := h.subs[e.To]
	h.mu.Unlock()
	if d != nil {
		d.deliver(e)
	}
}

// Sent returns every envelope passed to Send, in order.
func (h *Hub) Sent() []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Envelope(nil), h.sent...)
}

type hubSubscription struct {
	hub  *Hub
	id   string
	d    *dispatcher
	once sync.Once
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if s.hub.subs[s.id] == s.d {
			delete(s.hub.subs, s.id)
		}
		s.hub.mu.Unlock()
	})
	return nil
}
