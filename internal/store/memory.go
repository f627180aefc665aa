package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"homigo/server/internal/conversation"
	"homigo/server/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps messages in process memory. It backs local development
// without DATABASE_URL and the test suites.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]models.UserSummary
	connections []models.Connection
	messages    []*models.Message // creation order
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]models.UserSummary),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// PutUser adds or replaces a user projection.
func (s *MemoryStore) PutUser(u models.UserSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// UpsertUser is PutUser with identifier validation.
func (s *MemoryStore) UpsertUser(_ context.Context, u models.UserSummary) error {
	if conversation.ValidateUserID(u.ID) != nil {
		return ErrInvalid
	}
	s.PutUser(u)
	return nil
}

// PutConnection records a connection request.
func (s *MemoryStore) PutConnection(c models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	s.connections = append(s.connections, c)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) User(_ context.Context, userID string) (models.UserSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return models.UserSummary{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, senderID, receiverID, text string) (*models.Message, error) {
	key, body, err := validateSend(senderID, receiverID, text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[senderID]; !ok {
		return nil, ErrNotFound
	}
	if _, ok := s.users[receiverID]; !ok {
		return nil, ErrNotFound
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: key,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Text:           body,
		CreatedAt:      s.now(),
	}
	s.messages = append(s.messages, msg)

	return s.project(msg), nil
}

func (s *MemoryStore) ConversationMessages(_ context.Context, conversationID string, q HistoryQuery) ([]models.Message, error) {
	if _, _, err := conversation.Split(conversationID); err != nil {
		return nil, ErrInvalid
	}
	q = q.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk newest to oldest so the limit keeps the most recent page.
	page := make([]models.Message, 0, q.Limit)
	for i := len(s.messages) - 1; i >= 0 && len(page) < q.Limit; i-- {
		m := s.messages[i]
		if m.ConversationID != conversationID {
			continue
		}
		if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
			continue
		}
		page = append(page, *s.project(m))
	}

	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *MemoryStore) Conversations(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latestByKey := make(map[string]*models.Message)
	order := make([]string, 0)
	unread := make(map[string]int64)

	for _, m := range s.messages {
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		if _, ok := latestByKey[m.ConversationID]; !ok {
			order = append(order, m.ConversationID)
		}
		latestByKey[m.ConversationID] = m
		if m.ReceiverID == userID && !m.Read {
			unread[m.ConversationID]++
		}
	}

	latest := make([]models.ConversationSummary, 0, len(order))
	for _, key := range order {
		m := latestByKey[key]
		peerID := m.SenderID
		if peerID == userID {
			peerID = m.ReceiverID
		}
		peer, ok := s.users[peerID]
		if !ok {
			continue
		}
		latest = append(latest, models.ConversationSummary{
			ConversationID: key,
			User:           peer,
			LastMessage:    lastMessageOf(*m),
		})
	}

	var accepted []acceptedPeer
	for _, c := range s.connections {
		if c.Status != models.ConnectionAccepted || !c.Involves(userID) {
			continue
		}
		peer, ok := s.users[c.Other(userID)]
		if !ok {
			continue
		}
		accepted = append(accepted, acceptedPeer{User: peer, AcceptedAt: c.UpdatedAt})
	}

	return buildSummaries(latest, unread, accepted, userID), nil
}

func (s *MemoryStore) MarkConversationRead(_ context.Context, conversationID, readerID string) (int64, error) {
	if _, err := conversation.Peer(conversationID, readerID); err != nil {
		if errors.Is(err, conversation.ErrNotParticipant) {
			return 0, ErrForbidden
		}
		return 0, ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var updated int64
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.ReceiverID != readerID || m.Read {
			continue
		}
		readAt := now
		m.Read = true
		m.ReadAt = &readAt
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, m := range s.messages {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID, requesterID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.ID != messageID {
			continue
		}
		if m.SenderID != requesterID {
			return nil, ErrForbidden
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		return s.project(m), nil
	}
	return nil, ErrNotFound
}

// project returns a copy of m with sender and receiver display fields attached.
// Callers hold s.mu.
func (s *MemoryStore) project(m *models.Message) *models.Message {
	out := *m
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		out.ReadAt = &readAt
	}
	if u, ok := s.users[m.SenderID]; ok {
		out.Sender = &u
	}
	if u, ok := s.users[m.ReceiverID]; ok {
		out.Receiver = &u
	}
	return &out
}
