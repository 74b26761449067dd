package principal

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskal/cmdrelay/pkg/security/credentials"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, claims jwt.RegisteredClaims, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestJWTResolver_ValidToken(t *testing.T) {
	r := NewJWTResolver(credentials.NewStaticProvider(testSecret))

	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "tenant-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, testSecret)

	principalID, err := r.Resolve(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", principalID)
}

func TestJWTResolver_Rejections(t *testing.T) {
	r := NewJWTResolver(credentials.NewStaticProvider(testSecret))
	ctx := context.Background()

	expired := signToken(t, jwt.RegisteredClaims{
		Subject:   "tenant-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}, testSecret)

	wrongKey := signToken(t, jwt.RegisteredClaims{
		Subject:   "tenant-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, []byte("some-other-secret"))

	noSubject := signToken(t, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, testSecret)

	tests := []struct {
		name          string
		authorization string
	}{
		{"missing header", ""},
		{"not a bearer token", "Basic dXNlcjpwYXNz"},
		{"empty bearer token", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired token", "Bearer " + expired},
		{"wrong signing key", "Bearer " + wrongKey},
		{"no subject claim", "Bearer " + noSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tt.authorization)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]string{
		"token-a": "tenant-1",
		"token-b": "tenant-2",
	})
	ctx := context.Background()

	principalID, err := r.Resolve(ctx, "Bearer token-a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", principalID)

	_, err = r.Resolve(ctx, "Bearer unknown")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = r.Resolve(ctx, "token-a")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
