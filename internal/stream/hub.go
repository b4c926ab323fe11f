// Package stream delivers turn events to the readers of a conversation over
// SSE and WebSocket, replaying the in-flight turn to late joiners.
package stream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/duckpond/internal/event"
	"github.com/ehrlich-b/duckpond/internal/logger"
)

const subscriberBuffer = 256

// EpochHeader carries the hub's epoch on stream responses. Frame ids are
// only comparable within one epoch.
const EpochHeader = "X-Duckpond-Epoch"

// Frame is one event as delivered to a reader. IDs increase per
// conversation.
type Frame struct {
	ID    uint64
	Event event.Event
}

// Hub fans events out per conversation. Topics are keyed by conversation
// id; "" is the conversation the runtime has not named yet. Topics live as
// long as the hub so frame ids never restart.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	epoch  string
	log    *slog.Logger
}

type topic struct {
	seq      uint64
	inFlight []Frame
	subs     map[string]*Subscription
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]*topic),
		epoch:  uuid.NewString(),
		log:    logger.With("hub"),
	}
}

// Epoch identifies this hub's frame numbering; a restarted server starts a
// new one.
func (h *Hub) Epoch() string { return h.epoch }

func (h *Hub) topicLocked(id string) *topic {
	t := h.topics[id]
	if t == nil {
		t = &topic{subs: make(map[string]*Subscription)}
		h.topics[id] = t
	}
	return t
}

// Subscribe registers a reader. If a turn is in flight its events so far are
// queued first, so the reader sees the whole turn exactly once.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(conversationID)

	size := subscriberBuffer
	if n := len(t.inFlight) + subscriberBuffer/4; n > size {
		size = n
	}
	s := &Subscription{
		id:    uuid.NewString(),
		topic: conversationID,
		hub:   h,
		ch:    make(chan Frame, size),
	}
	for _, f := range t.inFlight {
		s.ch <- f
	}
	t.subs[s.id] = s
	h.log.Debug("reader attached", "topic", conversationID, "replayed", len(t.inFlight), "readers", len(t.subs))
	return s
}

// Publish appends ev to the conversation's in-flight turn and delivers it to
// every reader. Readers that cannot keep up are dropped.
func (h *Hub) Publish(conversationID string, ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(conversationID)
	t.seq++
	f := Frame{ID: t.seq, Event: ev}

	switch ev.(type) {
	case event.TurnStart:
		t.inFlight = append(t.inFlight[:0:0], f)
	case event.TurnEnd:
		t.inFlight = nil
	default:
		if len(t.inFlight) > 0 {
			t.inFlight = append(t.inFlight, f)
		}
	}

	for id, s := range t.subs {
		select {
		case s.ch <- f:
		default:
			h.log.Debug("dropping slow reader", "topic", conversationID, "reader", id)
			delete(t.subs, id)
			s.dropped = true
			close(s.ch)
		}
	}
}

// Rename moves a topic to a new id, readers and in-flight turn included.
func (h *Hub) Rename(from, to string) {
	if from == to {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	src := h.topics[from]
	if src == nil {
		return
	}
	delete(h.topics, from)
	dst := h.topics[to]
	if dst == nil {
		h.topics[to] = src
		dst = src
	} else {
		if src.seq > dst.seq {
			dst.seq = src.seq
		}
		if len(src.inFlight) > 0 {
			dst.inFlight = src.inFlight
		}
		for id, s := range src.subs {
			dst.subs[id] = s
		}
	}
	for _, s := range dst.subs {
		s.topic = to
	}
	h.log.Debug("topic renamed", "from", from, "to", to)
}

// InFlight reports whether a turn is running on the conversation.
func (h *Hub) InFlight(conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[conversationID]
	return t != nil && len(t.inFlight) > 0
}

// Readers counts the readers attached to the conversation.
func (h *Hub) Readers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[conversationID]; t != nil {
		return len(t.subs)
	}
	return 0
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.dropped || s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if t := h.topics[s.topic]; t != nil {
		delete(t.subs, s.id)
	}
}

// Subscription is one reader's view of a conversation. Guarded by the hub
// lock.
type Subscription struct {
	id      string
	topic   string
	hub     *Hub
	ch      chan Frame
	dropped bool
	closed  bool
}

// C yields frames until the subscription is closed or dropped.
func (s *Subscription) C() <-chan Frame {
	return s.ch
}

// Dropped reports whether the hub cut the reader off for falling behind.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}
