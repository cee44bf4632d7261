// Package token verifies identity tokens issued by the external identity
// provider. The server never issues tokens itself; it only validates them and
// extracts the profile claims used to upsert the local user record.
package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"gapshap/internal/chat"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

const minSecretLength = 32

// Verifier validates HS256-signed identity tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the given shared secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("token: secret must be at least %d bytes", minSecretLength)
	}
	return &Verifier{secret: secret}, nil
}

// Verify validates the token and extracts the identity claims: the stable
// "sub" subject plus the profile claims (name, email, picture).
func (v *Verifier) Verify(tokenString string) (chat.Identity, error) {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return chat.Identity{}, ErrExpiredToken
		}
		return chat.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return chat.Identity{}, ErrInvalidToken
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return chat.Identity{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return chat.Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	ident := chat.Identity{AuthID: sub}
	if s, ok := claims["name"].(string); ok {
		ident.Name = s
	}
	if s, ok := claims["email"].(string); ok {
		ident.Email = s
	}
	if s, ok := claims["picture"].(string); ok {
		ident.PictureURL = s
	}
	return ident, nil
}
