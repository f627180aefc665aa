// Package store is the durable record of direct messages.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"homigo/server/internal/conversation"
	"homigo/server/internal/models"
)

// MaxTextLength bounds a message body, counted in characters.
const MaxTextLength = 5000

// PlaceholderText is the last-message preview of an accepted connection with no messages.
const PlaceholderText = "Start a conversation..."

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var (
	// ErrNotFound is returned when a user or message does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrForbidden is returned when the caller may not act on the record.
	ErrForbidden = errors.New("store: forbidden")

	// ErrInvalid is returned for requests that can never succeed as given.
	ErrInvalid = errors.New("store: invalid request")
)

// HistoryQuery pages backwards through a conversation.
type HistoryQuery struct {
	Limit  int
	Before *time.Time
}

// Normalize applies default and maximum page sizes.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
	return q
}

// UserWriter provisions user projections. The profile service owns users in
// production; the chat server only writes them for seeding and tests.
type UserWriter interface {
	UpsertUser(ctx context.Context, u models.UserSummary) error
}

// MessageStore is the single writer of record for conversation state.
type MessageStore interface {
	// User returns the display projection of a user.
	User(ctx context.Context, userID string) (models.UserSummary, error)

	// CreateMessage appends a message from senderID to receiverID.
	CreateMessage(ctx context.Context, senderID, receiverID, text string) (*models.Message, error)

	// ConversationMessages returns up to q.Limit messages, oldest first.
	ConversationMessages(ctx context.Context, conversationID string, q HistoryQuery) ([]models.Message, error)

	// Conversations returns the conversation list of userID, including
	// placeholders for accepted connections without messages.
	Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)

	// MarkConversationRead flips unread messages addressed to readerID and
	// returns how many changed.
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)

	// UnreadCount counts messages addressed to userID that are still unread.
	UnreadCount(ctx context.Context, userID string) (int64, error)

	// DeleteMessage removes a message; only its sender may do so.
	DeleteMessage(ctx context.Context, messageID, requesterID string) (*models.Message, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// NormalizeText trims text and enforces the body constraints.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrInvalid
	}
	return text, nil
}

// validateSend checks the participants and body of a new message and returns
// its conversation key and normalized text.
func validateSend(senderID, receiverID, text string) (string, string, error) {
	if senderID == receiverID {
		return "", "", ErrInvalid
	}
	key, err := conversation.Key(senderID, receiverID)
	if err != nil {
		return "", "", ErrInvalid
	}
	body, err := NormalizeText(text)
	if err != nil {
		return "", "", err
	}
	return key, body, nil
}
