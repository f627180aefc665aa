// Package conversation derives the identity of a one-to-one message thread.
//
// Server and client compute keys independently, so the format here is a wire
// contract: the two user identifiers sorted byte-wise and joined by Separator.
package conversation

import (
	"errors"
	"strings"
)

// Separator joins the two participant identifiers of a key.
const Separator = "-"

// MaxIDLength bounds user identifiers accepted by the messaging core.
const MaxIDLength = 64

var (
	// ErrInvalidID is returned for identifiers that are empty, too long, or
	// contain characters outside [A-Za-z0-9_].
	ErrInvalidID = errors.New("conversation: invalid user identifier")

	// ErrInvalidKey is returned when a key does not split into two valid identifiers.
	ErrInvalidKey = errors.New("conversation: invalid conversation key")

	// ErrNotParticipant is returned when a user is not one of the two participants.
	ErrNotParticipant = errors.New("conversation: user is not a participant")
)

// ValidateUserID checks that id can take part in a conversation key.
func ValidateUserID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return ErrInvalidID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return ErrInvalidID
		}
	}
	return nil
}

// Key returns the order-independent conversation key for users a and b.
func Key(a, b string) (string, error) {
	if err := ValidateUserID(a); err != nil {
		return "", err
	}
	if err := ValidateUserID(b); err != nil {
		return "", err
	}
	if b < a {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// MustKey is like Key but panics on invalid identifiers.
func MustKey(a, b string) string {
	key, err := Key(a, b)
	if err != nil {
		panic(err)
	}
	return key
}

// Split returns the two participants of key in sorted order.
func Split(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok {
		return "", "", ErrInvalidKey
	}
	if ValidateUserID(a) != nil || ValidateUserID(b) != nil || b < a {
		return "", "", ErrInvalidKey
	}
	return a, b, nil
}

// Peer returns the participant of key that is not self.
func Peer(key, self string) (string, error) {
	a, b, err := Split(key)
	if err != nil {
		return "", err
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", ErrNotParticipant
}

// IsParticipant reports whether userID is one of the two users of key.
func IsParticipant(key, userID string) bool {
	_, err := Peer(key, userID)
	return err == nil
}
