// Package identity issues and verifies the RS256 session tokens handed out
// by identityd, and guards routes that need one.
package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTypeSession = "session"

// SessionClaims are the JWT claims of a session token. The JWT ID is the
// server-side session ID, so a token can be checked against revocation.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Type   string `json:"type"`
}

// SessionID returns the server-side session the token names.
func (c *SessionClaims) SessionID() string { return c.ID }

// TokenIssuer issues and verifies session tokens with an RSA key.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
}

// NewTokenIssuer creates a TokenIssuer. issuerURL is the "iss" claim value.
func NewTokenIssuer(key *rsa.PrivateKey, issuerURL string) *TokenIssuer {
	return &TokenIssuer{key: key, pub: &key.PublicKey, issuer: issuerURL}
}

// Subject identifies whom a token is issued to.
type Subject struct {
	UserID    string
	Email     string
	Phone     string
	SessionID string
	ExpiresAt time.Time
}

// Issue creates a signed session token that expires with the session.
func (t *TokenIssuer) Issue(s Subject) (string, error) {
	if s.SessionID == "" {
		return "", errors.New("session id is required")
	}
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
			ID:        s.SessionID,
		},
		UserID: s.UserID,
		Email:  s.Email,
		Phone:  s.Phone,
		Type:   tokenTypeSession,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token claims")
	}
	if claims.Type != tokenTypeSession {
		return nil, errors.New("not a session token")
	}
	if claims.UserID == "" || claims.ID == "" {
		return nil, errors.New("session token lacks user or session id")
	}
	return claims, nil
}
