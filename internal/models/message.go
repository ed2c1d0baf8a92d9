package models

import (
	"strings"
	"time"
)

// Message is a direct message between two users. ID and CreatedAt are
// assigned by the store.
type Message struct {
	ID         string     `json:"_id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Text       string     `json:"text,omitempty"`
	Image      string     `json:"image,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Deleted    bool       `json:"deleted,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// HasContent reports whether the message carries text or an image reference.
func (m Message) HasContent() bool {
	return strings.TrimSpace(m.Text) != "" || m.Image != ""
}

// Between reports whether m belongs to the conversation of a and b.
func (m Message) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// User is a directory entry for the sidebar.
type User struct {
	ID         string    `json:"_id"`
	FullName   string    `json:"fullName,omitempty"`
	ProfilePic string    `json:"profilePic,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeen   time.Time `json:"lastSeen"`
}
