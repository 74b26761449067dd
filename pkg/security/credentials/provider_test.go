package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider([]byte("secret"))

	secret, err := p.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), secret)

	require.NoError(t, p.Close())
}

func TestStaticProvider_EmptySecret(t *testing.T) {
	p := NewStaticProvider(nil)

	_, err := p.Secret(context.Background())
	assert.ErrorIs(t, err, ErrSecretEmpty)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("TEST_SIGNING_SECRET", "from-env")

	p := NewEnvProvider("TEST_SIGNING_SECRET")

	secret, err := p.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), secret)

	// Rotation: the provider re-reads the variable on each call.
	t.Setenv("TEST_SIGNING_SECRET", "rotated")
	secret, err = p.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), secret)
}

func TestEnvProvider_EmptySecret(t *testing.T) {
	t.Setenv("TEST_SIGNING_SECRET", "")

	p := NewEnvProvider("TEST_SIGNING_SECRET")

	_, err := p.Secret(context.Background())
	assert.ErrorIs(t, err, ErrSecretEmpty)
}
