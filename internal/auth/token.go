// Package auth issues and verifies short-lived session tokens for the HTTP
// read surface. A token is minted when a websocket session authenticates
// with its passkey and only ever resolves back to that tenant; it is a
// convenience handle, not an independent credential.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims holds session token claims.
type Claims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. An empty secret gets a random per-process
// one: tokens then survive exactly as long as the server does, which is all
// a per-connection session needs.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: key, ttl: ttl}, nil
}

// Issue signs a token for the tenant.
func (i *Issuer) Issue(tenant string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "codecove",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns the tenant it was minted for.
func (i *Issuer) Verify(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid || claims.Tenant == "" {
		return "", ErrInvalidToken
	}
	return claims.Tenant, nil
}
