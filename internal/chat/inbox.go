package chat

import (
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/pelusa-v/pelusa-dm/internal/models"
)

const previewMaxRunes = 80

// ThreadPreview summarizes one conversation from a user's point of view.
type ThreadPreview struct {
	PeerID   string `json:"peerId"`
	LastBody string `json:"lastBody"`
	LastTs   int64  `json:"lastTs"` // unix millis
	Unread   int    `json:"unread"`
}

// Inbox keeps per-user conversation previews in memory. Like presence it is
// rebuilt from zero on restart.
type Inbox struct {
	mu      sync.RWMutex
	threads map[string]map[string]*ThreadPreview // user -> peer -> preview
}

func NewInbox() *Inbox {
	return &Inbox{threads: make(map[string]map[string]*ThreadPreview)}
}

func (i *Inbox) ensure(user string) map[string]*ThreadPreview {
	t, ok := i.threads[user]
	if !ok {
		t = make(map[string]*ThreadPreview)
		i.threads[user] = t
	}
	return t
}

func previewBody(m models.Message) string {
	body := m.Text
	if body == "" && m.Image != "" {
		return "[image]"
	}
	if utf8.RuneCountInString(body) > previewMaxRunes {
		r := []rune(body)
		body = string(r[:previewMaxRunes]) + "…"
	}
	return body
}

// OnMessage updates both parties' previews; the receiver's unread count grows.
func (i *Inbox) OnMessage(m models.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	body, ts := previewBody(m), m.CreatedAt.UnixMilli()

	from := i.ensure(m.SenderID)
	if p, ok := from[m.ReceiverID]; ok {
		p.LastBody, p.LastTs = body, ts
	} else {
		from[m.ReceiverID] = &ThreadPreview{PeerID: m.ReceiverID, LastBody: body, LastTs: ts}
	}
	if m.SenderID == m.ReceiverID {
		return
	}

	to := i.ensure(m.ReceiverID)
	if p, ok := to[m.SenderID]; ok {
		p.LastBody, p.LastTs = body, ts
		p.Unread++
	} else {
		to[m.SenderID] = &ThreadPreview{PeerID: m.SenderID, LastBody: body, LastTs: ts, Unread: 1}
	}
}

// List returns user's previews, most recent first.
func (i *Inbox) List(user string) []ThreadPreview {
	i.mu.RLock()
	defer i.mu.RUnlock()
	list := make([]ThreadPreview, 0, len(i.threads[user]))
	for _, p := range i.threads[user] {
		list = append(list, *p)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].LastTs > list[b].LastTs })
	return list
}

// MarkRead zeroes the unread count of user's thread with peer.
func (i *Inbox) MarkRead(user, peer string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.threads[user][peer]; ok {
		p.Unread = 0
	}
}
