// Package inbox routes inbound operator messages to one-shot waiters.
//
// Each waiter is registered under a concern (captcha answer, acknowledgment).
// A concern holds at most one subscription; a second Subscribe fails with
// ErrConcernBusy until the first one resolves or is cancelled.
package inbox

import (
	"context"
	"errors"
	"sync"

	kit "slotwatch/internal/transport"
)

type Concern string

const (
	ConcernCaptcha Concern = "captcha"
	ConcernAck     Concern = "ack"
)

var (
	ErrConcernBusy = errors.New("inbox: concern already has a subscriber")
	ErrCancelled   = errors.New("inbox: subscription cancelled")
)

// Match reports whether msg satisfies the waiter. Non-matching messages are left for others.
type Match func(msg kit.Message) bool

// Subscription is a one-shot wait for a matching message.
type Subscription struct {
	hub     *Hub
	concern Concern
	match   Match
	ch      chan kit.Message
	once    sync.Once
}

// Wait blocks until a matching message arrives or ctx is done.
// The subscription is removed on every return path.
// A message that arrives in the same instant as cancellation is discarded.
func (s *Subscription) Wait(ctx context.Context) (kit.Message, error) {
	defer s.Cancel()
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return kit.Message{}, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return kit.Message{}, errors.Join(ErrCancelled, err)
		}
		return msg, nil
	case <-ctx.Done():
		return kit.Message{}, errors.Join(ErrCancelled, ctx.Err())
	}
}

// C exposes the delivery channel for callers that select on several sources.
// It is closed if the subscription is cancelled before a match.
func (s *Subscription) C() <-chan kit.Message { return s.ch }

// Cancel deregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.hub.remove(s) {
			close(s.ch)
		}
	})
}

// Hub dispatches messages to active subscriptions.
type Hub struct {
	mu   sync.Mutex
	subs map[Concern]*Subscription
	// operatorID, when non-zero, drops messages from anyone else before matching.
	operatorID int64
}

func NewHub(operatorID int64) *Hub {
	return &Hub{subs: map[Concern]*Subscription{}, operatorID: operatorID}
}

// Subscribe registers a one-shot waiter for concern.
func (h *Hub) Subscribe(concern Concern, match Match) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.subs[concern]; busy {
		return nil, ErrConcernBusy
	}
	s := &Subscription{hub: h, concern: concern, match: match, ch: make(chan kit.Message, 1)}
	h.subs[concern] = s
	return s, nil
}

// Dispatch offers msg to active subscriptions and reports whether one consumed it.
// The first matching subscription (captcha before ack) takes the message and is removed.
func (h *Hub) Dispatch(msg kit.Message) bool {
	if h.operatorID != 0 && msg.FromID != h.operatorID {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range []Concern{ConcernCaptcha, ConcernAck} {
		s, ok := h.subs[c]
		if !ok || (s.match != nil && !s.match(msg)) {
			continue
		}
		delete(h.subs, c)
		// buffered(1) and removed under lock, so this never blocks
		s.ch <- msg
		return true
	}
	return false
}

// Active reports whether concern currently has a subscriber.
func (h *Hub) Active(concern Concern) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[concern]
	return ok
}

// Count returns the number of registered subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Cancel drops the subscription registered for concern, if any.
func (h *Hub) Cancel(concern Concern) {
	h.mu.Lock()
	s := h.subs[concern]
	h.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// CancelAll drops every subscription; waiters return ErrCancelled.
func (h *Hub) CancelAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// remove reports whether s was still registered (i.e. never delivered).
func (h *Hub) remove(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[s.concern]; ok && cur == s {
		delete(h.subs, s.concern)
		return true
	}
	return false
}
