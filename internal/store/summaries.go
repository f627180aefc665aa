package store

import (
	"sort"
	"time"

	"homigo/server/internal/conversation"
	"homigo/server/internal/models"
)

// acceptedPeer is the other side of an accepted connection.
type acceptedPeer struct {
	User       models.UserSummary
	AcceptedAt time.Time
}

// buildSummaries merges the latest message of each conversation with accepted
// connections that have no messages yet. Conversations with messages come first,
// most recent activity first; placeholders follow, most recently accepted first.
func buildSummaries(latest []models.ConversationSummary, unread map[string]int64, accepted []acceptedPeer, selfID string) []models.ConversationSummary {
	out := make([]models.ConversationSummary, 0, len(latest)+len(accepted))
	seen := make(map[string]bool, len(latest))

	for _, s := range latest {
		s.UnreadCount = unread[s.ConversationID]
		seen[s.User.ID] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})

	placeholders := make([]models.ConversationSummary, 0, len(accepted))
	for _, p := range accepted {
		if seen[p.User.ID] || p.User.ID == selfID {
			continue
		}
		key, err := conversation.Key(selfID, p.User.ID)
		if err != nil {
			continue
		}
		seen[p.User.ID] = true
		placeholders = append(placeholders, models.ConversationSummary{
			ConversationID: key,
			User:           p.User,
			LastMessage: models.LastMessage{
				Text:      PlaceholderText,
				CreatedAt: p.AcceptedAt,
			},
		})
	}
	sort.SliceStable(placeholders, func(i, j int) bool {
		return placeholders[i].LastMessage.CreatedAt.After(placeholders[j].LastMessage.CreatedAt)
	})

	return append(out, placeholders...)
}

func lastMessageOf(m models.Message) models.LastMessage {
	return models.LastMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}
