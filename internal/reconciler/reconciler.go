// Package reconciler merges the push stream and the polling fallback into one
// ordered, duplicate-free view of the active conversation.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pelusa-v/pelusa-dm/internal/chat"
	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/models"
)

// ErrUnavailable marks a transient server-side storage failure.
var ErrUnavailable = errors.New("server storage unavailable")

var ErrNoConversation = errors.New("no active conversation")

const DefaultPollInterval = 3 * time.Second

// DefaultPollOverlap is how far behind the cursor a poll starts. createdAt is
// assigned before the write commits, so commits can land out of order within
// the server's query timeout.
const DefaultPollOverlap = 10 * time.Second

// API is the request/response side of the server.
type API interface {
	History(ctx context.Context, peer string) ([]models.Message, error)
	Since(ctx context.Context, peer string, since time.Time) ([]models.Message, error)
	Send(ctx context.Context, peer string, in chat.SendInput) (models.Message, error)
}

// Stream is the push side: decoded event frames plus connection status
// changes (true = connected).
type Stream interface {
	Events() <-chan models.Envelope
	Status() <-chan bool
}

// Reconciler owns the local view of one active conversation at a time.
type Reconciler struct {
	self     string
	api      API
	interval time.Duration
	overlap  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	active     *conversation
	generation uint64
	online     []string
	typing     bool
	onChange   func()
}

type Option func(*Reconciler)

func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithPollOverlap sets how far behind the cursor polls start. Zero polls
// strictly after the cursor.
func WithPollOverlap(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.overlap = d
		}
	}
}

// WithOnChange registers a callback run after every change to the view.
func WithOnChange(fn func()) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

func New(self string, api API, opts ...Option) *Reconciler {
	r := &Reconciler{self: self, api: api, interval: DefaultPollInterval, overlap: DefaultPollOverlap, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Peer returns the active conversation's peer, or "".
func (r *Reconciler) Peer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.peer
}

// Cursor returns the createdAt of the newest message observed through history or polling.
func (r *Reconciler) Cursor() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return time.Time{}
	}
	return r.active.cursor
}

// Entries returns the active view including provisional sends.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.snapshot()
}

// Messages returns the active view ordered by createdAt, one entry per id.
func (r *Reconciler) Messages() []models.Message {
	entries := r.Entries()
	out := make([]models.Message, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e.Message)
	}
	return out
}

func (r *Reconciler) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.online...)
}

// PeerTyping reports the last typing signal from the active peer.
func (r *Reconciler) PeerTyping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

// Select switches to peer: the view is reset and seeded from history.
func (r *Reconciler) Select(ctx context.Context, peer string) error {
	r.mu.Lock()
	r.generation++
	gen := r.generation
	r.active = newConversation(r.self, peer)
	r.typing = false
	r.mu.Unlock()
	r.changed()

	history, err := r.api.History(ctx, peer)
	if err != nil {
		return fmt.Errorf("load history with %s: %w", peer, err)
	}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return nil
	}
	// keep anything pushed while history was in flight
	pending := r.active.snapshot()
	r.active.seed(history)
	for _, e := range pending {
		if e.State == Provisional {
			r.active.insert(e)
		} else {
			r.active.mergePush(e.Message)
		}
	}
	r.mu.Unlock()
	r.changed()
	return nil
}

// Poll fetches messages from the cursor minus the overlap and merges them.
// Messages already in the view are skipped by id.
func (r *Reconciler) Poll(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return 0, ErrNoConversation
	}
	gen, peer, cursor := r.generation, r.active.peer, r.active.cursor
	r.mu.Unlock()

	since := cursor
	if !since.IsZero() && r.overlap > 0 {
		since = since.Add(-r.overlap)
	}
	msgs, err := r.api.Since(ctx, peer, since)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			logger.Debug("poll_unavailable", "peer", peer)
		} else {
			logger.Warn("poll_failed", "peer", peer, "error", err)
		}
		return 0, err
	}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return 0, nil
	}
	n := r.active.mergePoll(msgs)
	r.mu.Unlock()
	if n > 0 {
		r.changed()
	}
	return n, nil
}

// Send adds a provisional entry, posts it, and settles the entry with the
// server's answer. On failure the entry is removed and the error returned.
func (r *Reconciler) Send(ctx context.Context, in chat.SendInput) (Entry, error) {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return Entry{}, ErrNoConversation
	}
	gen, peer := r.generation, r.active.peer
	e := r.active.addProvisional(in.Text, in.Image, r.now())
	r.mu.Unlock()
	r.changed()

	m, err := r.api.Send(ctx, peer, in)

	r.mu.Lock()
	live := r.generation == gen
	if err != nil {
		if live {
			r.active.fail(e.TempID)
		}
		r.mu.Unlock()
		r.changed()
		e.State = Failed
		return e, err
	}
	confirmed := Entry{Message: m, State: Confirmed, TempID: e.TempID}
	if live {
		confirmed = r.active.confirm(e.TempID, m)
	}
	r.mu.Unlock()
	r.changed()
	return confirmed, nil
}

// HandleEvent applies one pushed frame.
func (r *Reconciler) HandleEvent(env models.Envelope) {
	var updated bool
	switch env.Event {
	case models.EventNewMessage:
		var m models.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			logger.Debug("push_decode_failed", "event", env.Event, "error", err)
			return
		}
		r.mu.Lock()
		if r.active != nil {
			updated = r.active.mergePush(m)
		}
		r.mu.Unlock()

	case models.EventMessageDeleted:
		var evt models.MessageDeleted
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return
		}
		r.mu.Lock()
		if r.active != nil {
			updated = r.active.remove(evt.MessageID)
		}
		r.mu.Unlock()

	case models.EventMessagesCleared:
		var evt models.MessagesCleared
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return
		}
		r.mu.Lock()
		if r.active != nil {
			updated = r.active.clearFrom(evt.SenderID, evt.ReceiverID) > 0
		}
		r.mu.Unlock()

	case models.EventUserTyping:
		var evt models.UserTyping
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return
		}
		r.mu.Lock()
		if r.active != nil && evt.SenderID == r.active.peer {
			updated = r.typing != evt.IsTyping
			r.typing = evt.IsTyping
		}
		r.mu.Unlock()

	case models.EventOnlineUsers:
		var online []string
		if err := json.Unmarshal(env.Data, &online); err != nil {
			return
		}
		r.mu.Lock()
		r.online = online
		r.mu.Unlock()
		updated = true
	}
	if updated {
		r.changed()
	}
}

// Run consumes stream until ctx ends or the stream closes. While the stream
// is down the active conversation is polled every interval; a reconnect
// triggers one catch-up poll.
func (r *Reconciler) Run(ctx context.Context, stream Stream) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	connected := false
	events, status := stream.Events(), stream.Status()

	poll := func() {
		if _, err := r.Poll(ctx); err != nil && !errors.Is(err, ErrNoConversation) && ctx.Err() == nil {
			logger.Debug("poll_retry_next_tick", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			r.HandleEvent(env)
		case up, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if up && !connected {
				poll()
			}
			connected = up
		case <-ticker.C:
			if !connected {
				poll()
			}
		}
	}
}
