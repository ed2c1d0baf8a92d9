package chat

import (
	"context"
	"encoding/json"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/metrics"
	"github.com/pelusa-v/pelusa-dm/internal/models"
	"github.com/pelusa-v/pelusa-dm/internal/presence"
)

// Limiter gates inbound typing signals per user.
type Limiter interface {
	Allow(key string) bool
}

type registration struct {
	client *Client
	done   chan struct{}
}

type delivery struct {
	event      string
	frame      []byte
	recipients []string
	all        bool
}

// Hub owns the presence registry and every live session. All registry
// mutations and all writes into session send buffers happen on the Run
// goroutine, so a session's buffer is closed exactly once and never written
// after close.
type Hub struct {
	registry *presence.Registry
	limiter  Limiter

	register   chan registration
	unregister chan *Client
	deliveries chan delivery
	done       chan struct{}

	// owned by Run
	sessions map[string]*Client
}

func NewHub(registry *presence.Registry, limiter Limiter) *Hub {
	return &Hub{
		registry:   registry,
		limiter:    limiter,
		register:   make(chan registration),
		unregister: make(chan *Client, 16),
		deliveries: make(chan delivery, 256),
		done:       make(chan struct{}),
		sessions:   make(map[string]*Client),
	}
}

// Run processes registrations and deliveries until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, c := range h.sessions {
				c.setState(StateClosed)
				close(c.send)
				delete(h.sessions, id)
			}
			metrics.ConnectionsActive.Set(0)
			metrics.OnlineUsers.Set(0)
			return

		case r := <-h.register:
			c := r.client
			h.sessions[c.id] = c
			h.registry.Register(c.userID, c)
			c.setState(StateActive)
			metrics.ConnectionsActive.Set(float64(len(h.sessions)))
			metrics.OnlineUsers.Set(float64(h.registry.Len()))
			logger.Info("session_registered", "user", c.userID, "session", c.id)
			close(r.done)
			h.broadcastPresence()

		case c := <-h.unregister:
			if _, ok := h.sessions[c.id]; !ok {
				continue
			}
			delete(h.sessions, c.id)
			c.setState(StateClosed)
			close(c.send)
			removed, offline := h.registry.Unregister(c.userID, c)
			metrics.ConnectionsActive.Set(float64(len(h.sessions)))
			metrics.OnlineUsers.Set(float64(h.registry.Len()))
			logger.Info("session_closed", "user", c.userID, "session", c.id, "offline", offline)
			if removed {
				h.broadcastPresence()
			}

		case d := <-h.deliveries:
			h.deliver(d)
		}
	}
}

// Register adds c to the registry and blocks until it is active.
func (h *Hub) Register(c *Client) error {
	r := registration{client: c, done: make(chan struct{})}
	select {
	case h.register <- r:
	case <-h.done:
		return ErrHubStopped
	}
	select {
	case <-r.done:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes c. Unregistering twice is harmless.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Emit pushes event to every live connection of the recipients. A connection
// shared by several recipients gets the frame once. Offline recipients are
// skipped silently; this is a best-effort channel.
func (h *Hub) Emit(event string, payload any, recipients ...string) error {
	frame, err := models.Encode(event, payload)
	if err != nil {
		return err
	}
	return h.enqueue(delivery{event: event, frame: frame, recipients: recipients})
}

// Broadcast pushes event to every live session.
func (h *Hub) Broadcast(event string, payload any) error {
	frame, err := models.Encode(event, payload)
	if err != nil {
		return err
	}
	return h.enqueue(delivery{event: event, frame: frame, all: true})
}

func (h *Hub) enqueue(d delivery) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.deliveries <- d:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Online returns the current presence set.
func (h *Hub) Online() []string {
	return h.registry.Online()
}

// IsOnline reports whether userID has a registered connection.
func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

func (h *Hub) broadcastPresence() {
	frame, err := models.Encode(models.EventOnlineUsers, h.registry.Online())
	if err != nil {
		logger.Error("encode_presence_failed", "error", err)
		return
	}
	h.deliver(delivery{event: models.EventOnlineUsers, frame: frame, all: true})
}

func (h *Hub) deliver(d delivery) {
	if d.all {
		for _, c := range h.sessions {
			h.push(c, d.event, d.frame)
		}
		return
	}
	seen := make(map[string]bool, len(d.recipients))
	for _, uid := range d.recipients {
		handles := h.registry.Lookup(uid)
		if len(handles) == 0 {
			metrics.PushDropped.WithLabelValues("offline").Inc()
			continue
		}
		for _, hd := range handles {
			c, ok := hd.(*Client)
			if !ok || seen[c.id] {
				continue
			}
			seen[c.id] = true
			h.push(c, d.event, d.frame)
		}
	}
}

// push never blocks the hub; a full buffer drops the frame.
func (h *Hub) push(c *Client, event string, frame []byte) {
	if _, live := h.sessions[c.id]; !live {
		return
	}
	select {
	case c.send <- frame:
		metrics.PushEvents.WithLabelValues(event).Inc()
	default:
		metrics.PushDropped.WithLabelValues("slow_consumer").Inc()
		logger.Warn("push_dropped", "user", c.userID, "session", c.id, "event", event)
	}
}

// handleInbound dispatches a frame read from c.
func (h *Hub) handleInbound(c *Client, env models.Envelope) {
	switch env.Event {
	case models.EventTyping:
		var sig models.TypingSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil || sig.ReceiverID == "" {
			logger.Debug("typing_signal_malformed", "user", c.userID, "error", err)
			return
		}
		if h.limiter != nil && !h.limiter.Allow("typing:"+c.userID) {
			return
		}
		if err := h.Emit(models.EventUserTyping, models.UserTyping{SenderID: c.userID, IsTyping: sig.IsTyping}, sig.ReceiverID); err != nil {
			logger.Debug("typing_emit_failed", "user", c.userID, "error", err)
		}
	default:
		logger.Debug("inbound_event_ignored", "user", c.userID, "event", env.Event)
	}
}
