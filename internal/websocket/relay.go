package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"homigo/server/internal/conversation"
	"homigo/server/internal/metrics"
	"homigo/server/internal/store"

	"go.uber.org/zap"
)

// handleEvent processes different types of incoming messages
func (h *Hub) handleEvent(ctx context.Context, c *Client, msg IncomingMessage) {
	metrics.RecordEvent(string(msg.Type))

	switch msg.Type {
	case EventSendMessage:
		var p SendMessagePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			c.sendError(ErrCodeBadPayload, "Invalid send-message payload", msg.Type, "")
			return
		}
		h.handleSendMessage(ctx, c, p)
	case EventTyping:
		var p TypingPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			c.sendError(ErrCodeBadPayload, "Invalid typing payload", msg.Type, "")
			return
		}
		h.handleTyping(c, p)
	case EventMarkAsRead:
		var p MarkAsReadPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			c.sendError(ErrCodeBadPayload, "Invalid mark-as-read payload", msg.Type, "")
			return
		}
		h.handleMarkAsRead(ctx, c, p)
	default:
		c.sendError(ErrCodeUnknownEvent, "Unknown event type", msg.Type, "")
	}
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}

// handleSendMessage persists first and relays only on success, so a receiver
// never sees a message that is not in the store.
func (h *Hub) handleSendMessage(ctx context.Context, c *Client, p SendMessagePayload) {
	if conversation.ValidateUserID(p.ReceiverID) != nil {
		c.sendError(ErrCodeValidation, "Valid receiverId is required", EventSendMessage, p.ClientMessageID)
		return
	}
	if p.ReceiverID == c.UserID {
		c.sendError(ErrCodeValidation, "Cannot send a message to yourself", EventSendMessage, p.ClientMessageID)
		return
	}
	if _, err := store.NormalizeText(p.Text); err != nil {
		c.sendError(ErrCodeValidation, "Message text must be 1-5000 characters", EventSendMessage, p.ClientMessageID)
		return
	}
	if p.ConversationID != "" {
		if key, _ := conversation.Key(c.UserID, p.ReceiverID); key != p.ConversationID {
			c.sendError(ErrCodeValidation, "conversationId does not match participants", EventSendMessage, p.ClientMessageID)
			return
		}
	}

	msg, err := h.store.CreateMessage(ctx, c.UserID, p.ReceiverID, p.Text)
	if err != nil {
		code, text := classifyStoreError(err)
		if code == ErrCodePersistence {
			h.log.Error("failed to persist message", zap.String("user_id", c.UserID), zap.String("receiver_id", p.ReceiverID), zap.Error(err))
		}
		c.sendError(code, text, EventSendMessage, p.ClientMessageID)
		return
	}
	metrics.RecordMessageSent("socket")

	h.DeliverMessage(*msg)
	c.SendMessage(newEvent(EventMessageSent, MessageSentPayload{
		ClientMessageID: p.ClientMessageID,
		Message:         *msg,
	}))
}

// handleTyping forwards typing state to an online receiver and silently drops
// it otherwise.
func (h *Hub) handleTyping(c *Client, p TypingPayload) {
	key, err := conversation.Key(c.UserID, p.ReceiverID)
	if err != nil || p.ReceiverID == c.UserID {
		c.sendError(ErrCodeValidation, "Valid receiverId is required", EventTyping, "")
		return
	}

	h.SendToUser(p.ReceiverID, newEvent(EventUserTyping, UserTypingPayload{
		UserID:         c.UserID,
		ConversationID: key,
		IsTyping:       p.IsTyping,
	}))
}

func (h *Hub) handleMarkAsRead(ctx context.Context, c *Client, p MarkAsReadPayload) {
	peerID, err := conversation.Peer(p.ConversationID, c.UserID)
	if errors.Is(err, conversation.ErrNotParticipant) {
		c.sendError(ErrCodeForbidden, "Not a participant of this conversation", EventMarkAsRead, "")
		return
	}
	if err != nil {
		c.sendError(ErrCodeValidation, "Valid conversationId is required", EventMarkAsRead, "")
		return
	}

	count, err := h.store.MarkConversationRead(ctx, p.ConversationID, c.UserID)
	if err != nil {
		code, text := classifyStoreError(err)
		if code == ErrCodePersistence {
			h.log.Error("failed to mark conversation read", zap.String("user_id", c.UserID), zap.String("conversation_id", p.ConversationID), zap.Error(err))
		}
		c.sendError(code, text, EventMarkAsRead, "")
		return
	}

	read := MessagesReadPayload{
		ConversationID: p.ConversationID,
		ReadBy:         c.UserID,
		Count:          count,
		ReadAt:         time.Now().UTC(),
	}
	// The reader always gets the ack so it can refresh once the write landed;
	// the peer only hears about reads that changed something.
	c.SendMessage(newEvent(EventMessagesRead, read))
	if count > 0 {
		h.NotifyRead(peerID, read)
	}
}

func classifyStoreError(err error) (string, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrCodeNotFound, "User not found"
	case errors.Is(err, store.ErrForbidden):
		return ErrCodeForbidden, "Not allowed"
	case errors.Is(err, store.ErrInvalid):
		return ErrCodeValidation, "Invalid request"
	default:
		return ErrCodePersistence, "Failed to save, please try again"
	}
}
