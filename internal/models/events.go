package models

import "encoding/json"

// Push event names. These are part of the wire contract with clients.
const (
	EventNewMessage      = "newMessage"
	EventMessageDeleted  = "messageDeleted"
	EventMessagesCleared = "messagesCleared"
	EventUserTyping      = "userTyping"
	EventOnlineUsers     = "getOnlineUsers"

	// inbound from clients
	EventTyping = "typing"
)

// Envelope is one websocket text frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type MessageDeleted struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

type MessagesCleared struct {
	SenderID     string `json:"senderId"`
	ReceiverID   string `json:"receiverId"`
	DeletedCount int    `json:"deletedCount"`
}

type UserTyping struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// TypingSignal is what a client sends to announce typing to a peer.
type TypingSignal struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// Encode builds the wire frame for event with payload.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
