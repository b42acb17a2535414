// Package token mints and verifies the short-lived HMAC tokens that
// authenticate the transcription backend connection and the native bridge
// side-channel.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the registered claims plus the logical audio source the
// token is scoped to (empty for backend session tokens).
type Claims struct {
	jwt.RegisteredClaims
	Source string `json:"source,omitempty"`
}

// Mint signs a token for the given subject valid for ttl.
func Mint(secret, subject, source string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token: empty secret")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Source: source,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

// Verify parses and validates a token, rejecting non-HMAC signing methods.
func Verify(secret, tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithExpirationRequired())
	t, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, errors.New("token: invalid")
	}

	claims, ok := t.Claims.(*Claims)
	if !ok {
		return nil, errors.New("token: invalid claims")
	}
	return claims, nil
}
