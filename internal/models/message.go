package models

import "time"

// Message represents a direct message between two users.
type Message struct {
	ID             string       `json:"id" db:"id"`
	ConversationID string       `json:"conversationId" db:"conversation_id"`
	SenderID       string       `json:"senderId" db:"sender_id"`
	ReceiverID     string       `json:"receiverId" db:"receiver_id"`
	Sender         *UserSummary `json:"sender,omitempty"`
	Receiver       *UserSummary `json:"receiver,omitempty"`
	Text           string       `json:"text" db:"text"`
	Read           bool         `json:"read" db:"read"`
	ReadAt         *time.Time   `json:"readAt,omitempty" db:"read_at"`
	CreatedAt      time.Time    `json:"createdAt" db:"created_at"`
}

// LastMessage is the preview shown in a conversation list.
type LastMessage struct {
	ID        string    `json:"id,omitempty"`
	SenderID  string    `json:"senderId,omitempty"`
	Text      string    `json:"text"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationSummary is one entry of a user's conversation list. It is computed,
// never stored.
type ConversationSummary struct {
	ConversationID string      `json:"conversationId"`
	User           UserSummary `json:"user"`
	LastMessage    LastMessage `json:"lastMessage"`
	UnreadCount    int64       `json:"unreadCount"`
	IsOnline       bool        `json:"isOnline"`
}

// SendMessageRequest represents send message request body
type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}
