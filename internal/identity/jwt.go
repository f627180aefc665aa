// Package identity verifies bearer credentials and resolves them to user identifiers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homigo/server/internal/conversation"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired or forged tokens.
var ErrInvalidToken = errors.New("identity: invalid token")

// Verifier validates a bearer credential and yields a stable user identifier.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies and issues HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTVerifier creates a verifier for the given secret.
func NewJWTVerifier(secret string, expiration time.Duration) *JWTVerifier {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTVerifier{secret: []byte(secret), expiration: expiration}
}

// Issue generates a token for userID. Login lives outside the messaging core;
// this exists for tooling and tests.
func (v *JWTVerifier) Issue(userID string) (string, error) {
	if err := conversation.ValidateUserID(userID); err != nil {
		return "", err
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates tokenString and returns the user it was issued to.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if err := conversation.ValidateUserID(userID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return userID, nil
}
