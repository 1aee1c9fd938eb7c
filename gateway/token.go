package gateway

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenSource supplies the bearer token of the current session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// TokenExpired reports whether token is a JWT whose exp claim is before now.
// Opaque tokens and tokens without exp are left for the server to judge.
func TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	return !claims.VerifyExpiresAt(now.Unix(), false)
}
