package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homigo/server/internal/conversation"
	"homigo/server/internal/metrics"
	"homigo/server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the MessageStore backed by PostgreSQL through pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const messageColumns = `
	m.id, m.conversation_id, m.sender_id, m.receiver_id, m.text, m.read, m.read_at, m.created_at,
	s.id, s.name, s.handle, s.avatar,
	r.id, r.name, r.handle, r.avatar`

const messageJoins = `
	FROM messages m
	INNER JOIN users s ON m.sender_id = s.id
	INNER JOIN users r ON m.receiver_id = r.id`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var sender, receiver models.UserSummary
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Read, &m.ReadAt, &m.CreatedAt,
		&sender.ID, &sender.Name, &sender.Handle, &sender.Avatar,
		&receiver.ID, &receiver.Name, &receiver.Handle, &receiver.Avatar,
	)
	if err != nil {
		return nil, err
	}
	m.Sender = &sender
	m.Receiver = &receiver
	return &m, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) User(ctx context.Context, userID string) (models.UserSummary, error) {
	defer metrics.ObserveStore("user", time.Now())

	var u models.UserSummary
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, handle, avatar FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Name, &u.Handle, &u.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserSummary{}, ErrNotFound
	}
	if err != nil {
		return models.UserSummary{}, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// UpsertUser inserts u or refreshes its display fields.
func (s *PostgresStore) UpsertUser(ctx context.Context, u models.UserSummary) error {
	if conversation.ValidateUserID(u.ID) != nil {
		return ErrInvalid
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, handle, avatar)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, handle = EXCLUDED.handle, avatar = EXCLUDED.avatar
	`, u.ID, u.Name, u.Handle, u.Avatar)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, senderID, receiverID, text string) (*models.Message, error) {
	defer metrics.ObserveStore("create_message", time.Now())

	key, body, err := validateSend(senderID, receiverID, text)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM users WHERE id IN ($1, $2)) = 2
	`, senderID, receiverID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check participants: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	row := s.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO messages (id, conversation_id, sender_id, receiver_id, text, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING *
		)
		SELECT `+messageColumns+`
		FROM inserted m
		INNER JOIN users s ON m.sender_id = s.id
		INNER JOIN users r ON m.receiver_id = r.id
	`, uuid.NewString(), key, senderID, receiverID, body, time.Now().UTC())

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ConversationMessages(ctx context.Context, conversationID string, q HistoryQuery) ([]models.Message, error) {
	defer metrics.ObserveStore("conversation_messages", time.Now())

	if _, _, err := conversation.Split(conversationID); err != nil {
		return nil, ErrInvalid
	}
	q = q.Normalize()

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE m.conversation_id = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`, conversationID, q.Before, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, q.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	// Fetched newest first for the limit; callers get oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	defer metrics.ObserveStore("conversations", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (m.conversation_id)
			m.conversation_id, m.id, m.sender_id, m.text, m.read, m.created_at,
			u.id, u.name, u.handle, u.avatar
		FROM messages m
		INNER JOIN users u ON u.id = CASE WHEN m.sender_id = $1 THEN m.receiver_id ELSE m.sender_id END
		WHERE m.sender_id = $1 OR m.receiver_id = $1
		ORDER BY m.conversation_id, m.created_at DESC, m.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var latest []models.ConversationSummary
	for rows.Next() {
		var sum models.ConversationSummary
		err := rows.Scan(
			&sum.ConversationID, &sum.LastMessage.ID, &sum.LastMessage.SenderID, &sum.LastMessage.Text,
			&sum.LastMessage.Read, &sum.LastMessage.CreatedAt,
			&sum.User.ID, &sum.User.Name, &sum.User.Handle, &sum.User.Avatar,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		latest = append(latest, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}

	unread, err := s.unreadByConversation(ctx, userID)
	if err != nil {
		return nil, err
	}

	accepted, err := s.acceptedPeers(ctx, userID)
	if err != nil {
		return nil, err
	}

	return buildSummaries(latest, unread, accepted, userID), nil
}

func (s *PostgresStore) unreadByConversation(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, COUNT(*) FROM messages
		WHERE receiver_id = $1 AND read = false
		GROUP BY conversation_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread counts: %w", err)
	}
	defer rows.Close()

	unread := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		unread[key] = n
	}
	return unread, rows.Err()
}

func (s *PostgresStore) acceptedPeers(ctx context.Context, userID string) ([]acceptedPeer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.name, u.handle, u.avatar, c.updated_at
		FROM connections c
		INNER JOIN users u ON u.id = CASE WHEN c.requester_id = $1 THEN c.recipient_id ELSE c.requester_id END
		WHERE (c.requester_id = $1 OR c.recipient_id = $1) AND c.status = 'accepted'
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var peers []acceptedPeer
	for rows.Next() {
		var p acceptedPeer
		if err := rows.Scan(&p.User.ID, &p.User.Name, &p.User.Handle, &p.User.Avatar, &p.AcceptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	defer metrics.ObserveStore("mark_read", time.Now())

	if _, err := conversation.Peer(conversationID, readerID); err != nil {
		if errors.Is(err, conversation.ErrNotParticipant) {
			return 0, ErrForbidden
		}
		return 0, ErrInvalid
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET read = true, read_at = $3
		WHERE conversation_id = $1 AND receiver_id = $2 AND read = false
	`, conversationID, readerID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages as read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	defer metrics.ObserveStore("unread_count", time.Now())

	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND read = false
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, requesterID string) (*models.Message, error) {
	defer metrics.ObserveStore("delete_message", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+messageColumns+messageJoins+`
		WHERE m.id = $1
		FOR UPDATE OF m
	`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg.SenderID != requesterID {
		return nil, ErrForbidden
	}

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return msg, nil
}
