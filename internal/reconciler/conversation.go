package reconciler

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-dm/internal/models"
)

// DuplicateWindow is how close two same-content messages from one sender must
// be to count as the same message.
const DuplicateWindow = time.Second

// EntryState tracks an optimistic send.
type EntryState int

const (
	Confirmed EntryState = iota
	Provisional
	Failed
)

func (s EntryState) String() string {
	switch s {
	case Provisional:
		return "provisional"
	case Failed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Entry is one message in the local view.
type Entry struct {
	models.Message
	State  EntryState
	TempID string
}

// conversation is the local view of one peer. Not safe for concurrent use.
type conversation struct {
	self, peer string
	entries    []Entry // ascending createdAt
	cursor     time.Time
}

func newConversation(self, peer string) *conversation {
	return &conversation{self: self, peer: peer}
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// duplicate reports whether m is already in the view: same id, or same sender
// and content within DuplicateWindow. Provisional entries never match.
func (c *conversation) duplicate(m models.Message) bool {
	for _, e := range c.entries {
		if e.State == Provisional {
			continue
		}
		if e.ID == m.ID {
			return true
		}
		if e.SenderID == m.SenderID && e.Text == m.Text && e.Image == m.Image &&
			abs(e.CreatedAt.Sub(m.CreatedAt)) < DuplicateWindow {
			return true
		}
	}
	return false
}

func (c *conversation) hasID(id string) bool {
	for _, e := range c.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (c *conversation) insert(e Entry) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].CreatedAt.After(e.CreatedAt)
	})
	c.entries = append(c.entries, Entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}

// seed replaces the view with history and moves the cursor to its newest message.
func (c *conversation) seed(history []models.Message) {
	c.entries = c.entries[:0]
	c.cursor = time.Time{}
	for _, m := range history {
		if !m.Between(c.self, c.peer) || c.hasID(m.ID) {
			continue
		}
		c.insert(Entry{Message: m})
		if m.CreatedAt.After(c.cursor) {
			c.cursor = m.CreatedAt
		}
	}
}

// mergePush adds a pushed message. The cursor does not move: a gap before
// the pushed message may still need polling.
func (c *conversation) mergePush(m models.Message) bool {
	if !m.Between(c.self, c.peer) || c.duplicate(m) {
		return false
	}
	c.insert(Entry{Message: m})
	return true
}

// mergePoll adds polled messages and advances the cursor to the newest one seen.
func (c *conversation) mergePoll(msgs []models.Message) int {
	added := 0
	for _, m := range msgs {
		if !m.Between(c.self, c.peer) {
			continue
		}
		if m.CreatedAt.After(c.cursor) {
			c.cursor = m.CreatedAt
		}
		if c.duplicate(m) {
			continue
		}
		c.insert(Entry{Message: m})
		added++
	}
	return added
}

func (c *conversation) remove(id string) bool {
	for i, e := range c.entries {
		if e.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// clearFrom drops every confirmed message sender sent to receiver.
func (c *conversation) clearFrom(sender, receiver string) int {
	kept := c.entries[:0]
	n := 0
	for _, e := range c.entries {
		if e.State != Provisional && e.SenderID == sender && e.ReceiverID == receiver {
			n++
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return n
}

func (c *conversation) addProvisional(text, image string, now time.Time) Entry {
	tmp := "tmp-" + uuid.NewString()
	e := Entry{
		Message: models.Message{
			ID:         tmp,
			SenderID:   c.self,
			ReceiverID: c.peer,
			Text:       text,
			Image:      image,
			CreatedAt:  now,
		},
		State:  Provisional,
		TempID: tmp,
	}
	c.insert(e)
	return e
}

// confirm swaps the provisional entry for the stored record, or drops it
// when the push already delivered that record.
func (c *conversation) confirm(tempID string, m models.Message) Entry {
	c.remove(tempID)
	e := Entry{Message: m, State: Confirmed, TempID: tempID}
	if !c.hasID(m.ID) {
		c.insert(e)
	}
	return e
}

func (c *conversation) fail(tempID string) {
	c.remove(tempID)
}

func (c *conversation) snapshot() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
