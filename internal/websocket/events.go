package websocket

import (
	"encoding/json"
	"time"

	"homigo/server/internal/models"
)

// EventType represents different WebSocket event types
type EventType string

const (
	// Client to server
	EventSendMessage EventType = "send-message"
	EventTyping      EventType = "typing"
	EventMarkAsRead  EventType = "mark-as-read"

	// Server to client
	EventReceiveMessage EventType = "receive-message"
	EventMessageSent    EventType = "message-sent"
	EventUserTyping     EventType = "user-typing"
	EventMessagesRead   EventType = "messages-read"

	// Presence events
	EventUserOnline  EventType = "user-online"
	EventUserOffline EventType = "user-offline"
	EventOnlineUsers EventType = "online-users"

	// Error events
	EventError EventType = "error"
)

// Error codes carried by EventError.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodePersistence  = "PERSISTENCE_ERROR"
	ErrCodeUnknownEvent = "UNKNOWN_EVENT"
	ErrCodeBadPayload   = "BAD_PAYLOAD"
)

// WSMessage represents a WebSocket message structure
type WSMessage struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// IncomingMessage represents messages received from clients
type IncomingMessage struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SendMessagePayload is the body of send-message.
type SendMessagePayload struct {
	ReceiverID      string `json:"receiverId"`
	Text            string `json:"text"`
	ConversationID  string `json:"conversationId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// MessageSentPayload confirms a persisted send to its sender.
type MessageSentPayload struct {
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	Message         models.Message `json:"message"`
}

// TypingPayload is the body of typing.
type TypingPayload struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// UserTypingPayload tells a peer that UserID started or stopped typing.
type UserTypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MarkAsReadPayload is the body of mark-as-read.
type MarkAsReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessagesReadPayload reports a read: to the other participant, and as an
// ack to the reader.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	Count          int64     `json:"count"`
	ReadAt         time.Time `json:"readAt"`
}

// PresencePayload represents user presence payload
type PresencePayload struct {
	UserID string `json:"userId"`
}

// OnlineUsersPayload is the full online set sent to a newly connected client.
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// ErrorPayload represents error event payload
type ErrorPayload struct {
	Code            string    `json:"code"`
	Message         string    `json:"message"`
	Event           EventType `json:"event,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

func newEvent(t EventType, payload interface{}) WSMessage {
	return WSMessage{Type: t, Payload: payload, Timestamp: time.Now()}
}
