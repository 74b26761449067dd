// Package principal extracts the authenticated subject from request
// credentials. The command protocol itself only ever sees the resolved
// principal id.
package principal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/fiskal/cmdrelay/pkg/security/credentials"
)

var (
	// ErrUnauthenticated is returned when credentials are missing or invalid.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Resolver extracts a principal id from an Authorization header value.
type Resolver interface {
	Resolve(ctx context.Context, authorization string) (string, error)
}

// JWTResolver validates an HS256 bearer token and uses its subject claim as
// the principal id. The signing secret comes from a credentials provider so
// it can live in a secret manager and rotate without redeploying.
type JWTResolver struct {
	secrets credentials.Provider
}

// NewJWTResolver creates a resolver backed by the given secret provider.
func NewJWTResolver(secrets credentials.Provider) *JWTResolver {
	return &JWTResolver{secrets: secrets}
}

// Resolve validates the bearer token and returns its subject.
func (r *JWTResolver) Resolve(ctx context.Context, authorization string) (string, error) {
	tokenString, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || tokenString == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	secret, err := r.secrets.Secret(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve signing secret: %w", err)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return claims.Subject, nil
}

// StaticResolver maps fixed tokens to principal ids. Use only in tests and
// development.
type StaticResolver struct {
	tokens map[string]string
}

// NewStaticResolver creates a resolver with a fixed token table.
func NewStaticResolver(tokens map[string]string) *StaticResolver {
	return &StaticResolver{tokens: tokens}
}

// Resolve looks the bearer token up in the table.
func (r *StaticResolver) Resolve(ctx context.Context, authorization string) (string, error) {
	tokenString, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	principalID, ok := r.tokens[tokenString]
	if !ok {
		return "", fmt.Errorf("%w: unknown token", ErrUnauthenticated)
	}
	return principalID, nil
}
