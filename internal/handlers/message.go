package handlers

import (
	"errors"
	"time"

	"homigo/server/internal/conversation"
	"homigo/server/internal/logger"
	"homigo/server/internal/metrics"
	"homigo/server/internal/middleware"
	"homigo/server/internal/models"
	"homigo/server/internal/store"
	ws "homigo/server/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// MessageHandler serves the message REST API. Writes made here are also relayed
// to connected peers through the hub.
type MessageHandler struct {
	store store.MessageStore
	hub   *ws.Hub
	log   *logger.Logger
}

// NewMessageHandler creates a MessageHandler. hub may be nil, in which case no
// live events are emitted.
func NewMessageHandler(messages store.MessageStore, hub *ws.Hub, log *logger.Logger) *MessageHandler {
	return &MessageHandler{store: messages, hub: hub, log: log.Named("messages")}
}

// Send sends a direct message
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if conversation.ValidateUserID(req.ReceiverID) != nil {
		return fail(c, fiber.StatusBadRequest, "Valid receiverId is required")
	}
	if req.ReceiverID == userID {
		return fail(c, fiber.StatusBadRequest, "Cannot send a message to yourself")
	}
	if _, err := store.NormalizeText(req.Text); err != nil {
		return fail(c, fiber.StatusBadRequest, "Message text must be 1-5000 characters")
	}

	msg, err := h.store.CreateMessage(c.UserContext(), userID, req.ReceiverID, req.Text)
	if err != nil {
		return h.storeError(c, err, "Failed to send message", zap.String("receiver_id", req.ReceiverID))
	}
	metrics.RecordMessageSent("rest")

	if h.hub != nil {
		h.hub.DeliverMessage(*msg)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    msg,
	})
}

// Conversation returns message history between the caller and :userId
func (h *MessageHandler) Conversation(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	peerID := c.Params("userId")

	key, err := conversation.Key(userID, peerID)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid user ID")
	}
	if _, err := h.store.User(c.UserContext(), peerID); err != nil {
		return h.storeError(c, err, "Failed to load conversation")
	}

	q := store.HistoryQuery{Limit: c.QueryInt("limit", 0)}
	if before := c.Query("before"); before != "" {
		t, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "before must be an RFC3339 timestamp")
		}
		q.Before = &t
	}

	messages, err := h.store.ConversationMessages(c.UserContext(), key, q)
	if err != nil {
		return h.storeError(c, err, "Failed to load conversation", zap.String("conversation_id", key))
	}
	if messages == nil {
		messages = []models.Message{}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    messages,
	})
}

// Conversations returns the caller's conversation summaries, most recent first.
func (h *MessageHandler) Conversations(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	summaries, err := h.store.Conversations(c.UserContext(), userID)
	if err != nil {
		return h.storeError(c, err, "Failed to load conversations")
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}

	if h.hub != nil {
		for i := range summaries {
			summaries[i].IsOnline = h.hub.IsUserOnline(summaries[i].User.ID)
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    summaries,
	})
}

// MarkRead marks every message addressed to the caller in :conversationId as read.
func (h *MessageHandler) MarkRead(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	conversationID := c.Params("conversationId")

	peerID, err := conversation.Peer(conversationID, userID)
	if errors.Is(err, conversation.ErrNotParticipant) {
		return fail(c, fiber.StatusForbidden, "Not a participant of this conversation")
	}
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid conversation ID")
	}

	count, err := h.store.MarkConversationRead(c.UserContext(), conversationID, userID)
	if err != nil {
		return h.storeError(c, err, "Failed to mark messages as read", zap.String("conversation_id", conversationID))
	}

	if h.hub != nil && count > 0 {
		h.hub.NotifyRead(peerID, ws.MessagesReadPayload{
			ConversationID: conversationID,
			ReadBy:         userID,
			Count:          count,
			ReadAt:         time.Now().UTC(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"updatedCount": count,
		},
	})
}

// UnreadCount returns the number of unread messages addressed to the caller.
func (h *MessageHandler) UnreadCount(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)

	count, err := h.store.UnreadCount(c.UserContext(), userID)
	if err != nil {
		return h.storeError(c, err, "Failed to count unread messages")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"unreadCount": count,
		},
	})
}

// Delete removes a message sent by the caller.
func (h *MessageHandler) Delete(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	messageID := c.Params("messageId")
	if messageID == "" {
		return fail(c, fiber.StatusBadRequest, "Message ID is required")
	}

	msg, err := h.store.DeleteMessage(c.UserContext(), messageID, userID)
	if err != nil {
		return h.storeError(c, err, "Failed to delete message", zap.String("message_id", messageID))
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"id":             msg.ID,
			"conversationId": msg.ConversationID,
		},
	})
}

// storeError maps store errors onto HTTP statuses; anything unclassified is a
// persistence failure and is logged.
func (h *MessageHandler) storeError(c *fiber.Ctx, err error, message string, fields ...zap.Field) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		fields = append(fields, zap.String("user_id", middleware.GetUserID(c)), zap.Error(err))
		h.log.Error(message, fields...)
		return fail(c, status, message)
	}
	return fail(c, status, errorText(status))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, store.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, store.ErrInvalid):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func errorText(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "Not found"
	case fiber.StatusForbidden:
		return "Forbidden"
	case fiber.StatusBadRequest:
		return "Invalid request"
	}
	return "Internal server error"
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}
