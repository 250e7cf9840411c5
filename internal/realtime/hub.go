// Package realtime fans session, operator and dashboard events out to
// connected clients. Delivery is publish-and-forget: a subscriber that is
// gone or too slow misses the event and recovers by re-fetching state.
package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DashboardChannel is shared by every connected operator
const DashboardChannel = "dashboard"

// SessionChannel names the channel of one session
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// OperatorChannel names the private channel of one operator
func OperatorChannel(operatorID string) string {
	return "operator:" + operatorID
}

// Event is one outbound frame
type Event struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Subscriber receives events for the channels it joined
type Subscriber struct {
	id     uint64
	send   chan Event
	closed bool // guarded by Hub.mu
}

// Events returns the delivery queue. It is closed when the subscriber is removed.
func (s *Subscriber) Events() <-chan Event {
	return s.send
}

// Hub is the channel registry
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscriber]struct{}
	joined   map[*Subscriber]map[string]struct{}
	running  bool
	nextID   atomic.Uint64
	buffer   int
	logger   *zap.Logger
}

// NewHub creates a stopped hub; each subscriber gets a queue of buffer events
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		channels: make(map[string]map[*Subscriber]struct{}),
		joined:   make(map[*Subscriber]map[string]struct{}),
		buffer:   buffer,
		logger:   logger,
	}
}

// Start allows subscriptions
func (h *Hub) Start() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
}

// Stop removes every subscriber and rejects new ones
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	for sub := range h.joined {
		h.removeLocked(sub)
	}
}

// NewSubscriber registers a subscriber with no channels. It returns nil
// when the hub is stopped.
func (h *Hub) NewSubscriber() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil
	}
	sub := &Subscriber{id: h.nextID.Add(1), send: make(chan Event, h.buffer)}
	h.joined[sub] = make(map[string]struct{})
	return sub
}

// Subscribe adds the subscriber to a channel
func (h *Hub) Subscribe(sub *Subscriber, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub == nil || sub.closed {
		return false
	}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.channels[channel] = members
	}
	members[sub] = struct{}{}
	h.joined[sub][channel] = struct{}{}
	return true
}

// Unsubscribe removes the subscriber from a channel
func (h *Hub) Unsubscribe(sub *Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub == nil || sub.closed {
		return
	}
	h.leaveLocked(sub, channel)
}

// Remove drops the subscriber from all channels and closes its queue
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub == nil || sub.closed {
		return
	}
	h.removeLocked(sub)
}

// Publish delivers an event to every subscriber of the channel
func (h *Hub) Publish(channel, eventType string, data any) {
	ev := Event{Type: eventType, Channel: channel, Data: data, Timestamp: time.Now().UnixMilli()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.channels[channel] {
		h.deliverLocked(sub, ev)
	}
}

// Send delivers an event to one subscriber only
func (h *Hub) Send(sub *Subscriber, eventType string, data any) {
	ev := Event{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if sub == nil || sub.closed {
		return
	}
	h.deliverLocked(sub, ev)
}

// Subscribers returns how many subscribers a channel has
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Channels returns the channels the subscriber joined
func (h *Hub) Channels(sub *Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.joined[sub]))
	for ch := range h.joined[sub] {
		out = append(out, ch)
	}
	return out
}

func (h *Hub) deliverLocked(sub *Subscriber, ev Event) {
	select {
	case sub.send <- ev:
	default:
		h.logger.Warn("dropping event for slow subscriber",
			zap.Uint64("subscriber", sub.id),
			zap.String("channel", ev.Channel),
			zap.String("event", ev.Type),
		)
	}
}

func (h *Hub) leaveLocked(sub *Subscriber, channel string) {
	if members, ok := h.channels[channel]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(h.joined[sub], channel)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	for channel := range h.joined[sub] {
		h.leaveLocked(sub, channel)
	}
	delete(h.joined, sub)
	sub.closed = true
	close(sub.send)
}
