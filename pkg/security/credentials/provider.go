// Package credentials resolves the secrets the relay needs at runtime
// (currently the JWT signing key) from static values, the environment, or a
// cloud secret manager via the Go Cloud Development Kit.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrProviderClosed is returned when using a closed provider.
	ErrProviderClosed = errors.New("provider is closed")

	// ErrSecretEmpty is returned when a provider resolves an empty secret.
	ErrSecretEmpty = errors.New("secret is empty")
)

// Provider resolves a secret.
type Provider interface {
	// Secret returns the secret material.
	Secret(ctx context.Context) ([]byte, error)

	// Close releases provider resources.
	Close() error
}

// StaticProvider serves a fixed secret. Use only for development and tests.
type StaticProvider struct {
	secret []byte
}

// NewStaticProvider creates a provider with a fixed secret.
func NewStaticProvider(secret []byte) *StaticProvider {
	return &StaticProvider{secret: secret}
}

// Secret returns the static secret.
func (p *StaticProvider) Secret(ctx context.Context) ([]byte, error) {
	if len(p.secret) == 0 {
		return nil, ErrSecretEmpty
	}
	return p.secret, nil
}

// Close is a no-op for static providers.
func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads the secret from an environment variable on every call,
// so rotated values are picked up at runtime.
type EnvProvider struct {
	envVar string
}

// NewEnvProvider creates a provider reading the given environment variable.
func NewEnvProvider(envVar string) *EnvProvider {
	return &EnvProvider{envVar: envVar}
}

// Secret reads the secret from the environment.
func (p *EnvProvider) Secret(ctx context.Context) ([]byte, error) {
	value := os.Getenv(p.envVar)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrSecretEmpty, p.envVar)
	}
	return []byte(value), nil
}

// Close is a no-op for env providers.
func (p *EnvProvider) Close() error {
	return nil
}
