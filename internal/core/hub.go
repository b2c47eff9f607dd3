package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"webgate/internal/protocol"
)

// Subscriber is one open sync channel. The hub owns Send; the channel handler
// drains it and watches Done to learn that the hub dropped it.
type Subscriber struct {
	ID     string
	Remote string
	Send   chan protocol.ServerMessage

	done chan struct{}
	once sync.Once
}

func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub aggregates registry state and fans it out to subscribers.
type Hub struct {
	cfg      Config
	registry *Registry

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
}

func NewHub(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:         cfg,
		registry:    NewRegistry(cfg),
		subscribers: make(map[*Subscriber]struct{}),
	}
	h.registry.SetNotifier(h.broadcast)
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }

// Run sweeps stale sessions until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	reaper := &Reaper{Registry: h.registry, Interval: h.cfg.ReapInterval, Clock: h.cfg.Clock}
	reaper.Run(ctx)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		sub.close()
	}
}

func (h *Hub) Apply(ev protocol.HookPayload) bool {
	changed := h.registry.Apply(ev)
	if !changed {
		return false
	}
	slog.Debug("hook applied",
		"session_id", ev.SessionID,
		"event", ev.HookEventName,
		"tool", ev.ToolName,
	)
	return true
}

func (h *Hub) Status() protocol.Status {
	return h.registry.Snapshot().Status()
}

func (h *Hub) Sessions() []Session {
	return h.registry.Sessions()
}

// Subscribe registers a new subscriber whose first queued message is the
// current state.
func (h *Hub) Subscribe(remote string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		Remote: remote,
		Send:   make(chan protocol.ServerMessage, h.cfg.SubscriberQueue),
		done:   make(chan struct{}),
	}
	h.registry.Observe(func(snap Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.subscribers[sub] = struct{}{}
		sub.Send <- snap.Status().StateMessage()
	})
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
	sub.close()
}

// Reply queues a message for one subscriber only.
func (h *Hub) Reply(sub *Subscriber, msg protocol.ServerMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; !ok {
		return false
	}
	return h.deliverLocked(sub, msg)
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) broadcast(snap Snapshot) {
	msg := snap.Status().StateMessage()
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		h.deliverLocked(sub, msg)
	}
}

func (h *Hub) deliverLocked(sub *Subscriber, msg protocol.ServerMessage) bool {
	select {
	case sub.Send <- msg:
		return true
	default:
	}
	delete(h.subscribers, sub)
	sub.close()
	slog.Warn("dropping slow subscriber", "subscriber_id", sub.ID, "remote", sub.Remote)
	return false
}
