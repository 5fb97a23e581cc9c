// Package token issues and verifies the signed tokens clients present
// when opening a session or heartbeating. Tokens are HMAC-SHA256 JWTs
// carrying the customer identity and seat-management metadata.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims is the connection-token payload. MachineID, Role and
// SeatLimitsEnforced are only set when the customer is seat-managed.
type Claims struct {
	CustomerID         string   `json:"customer_id"`
	Features           []string `json:"features"`
	MachineID          string   `json:"machine_id,omitempty"`
	Role               string   `json:"role,omitempty"`
	SeatLimit          int      `json:"seat_limit,omitempty"`
	SeatLimitsEnforced bool     `json:"seat_limits_enforced,omitempty"`

	jwt.RegisteredClaims
}

// Signer issues and verifies connection tokens with a shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed token for the given claims, stamping issuance
// and expiry.
func (s *Signer) Issue(claims *Claims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, rejecting any signing method
// other than HMAC.
func (s *Signer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !tok.Valid || claims.CustomerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
