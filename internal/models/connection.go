package models

import "time"

// ConnectionStatus is the state of a connection request.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionRejected ConnectionStatus = "rejected"
)

// Connection is a directional request between two users. Chat reads it only to
// seed empty conversations for accepted pairs.
type Connection struct {
	ID          string           `json:"id" db:"id"`
	RequesterID string           `json:"requesterId" db:"requester_id"`
	RecipientID string           `json:"recipientId" db:"recipient_id"`
	Status      ConnectionStatus `json:"status" db:"status"`
	UpdatedAt   time.Time        `json:"updatedAt" db:"updated_at"`
}

// Other returns the participant that is not userID.
func (c Connection) Other(userID string) string {
	if c.RequesterID == userID {
		return c.RecipientID
	}
	return c.RequesterID
}

// Involves reports whether userID is either side of the connection.
func (c Connection) Involves(userID string) bool {
	return c.RequesterID == userID || c.RecipientID == userID
}
