package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Cloud provider drivers are opt-in - import in your application code:
	// _ "gocloud.dev/secrets/awskms"        // AWS KMS
	// _ "gocloud.dev/secrets/azurekeyvault" // Azure Key Vault
	// _ "gocloud.dev/secrets/gcpkms"        // GCP KMS
	// _ "gocloud.dev/secrets/hashivault"    // HashiCorp Vault
	// _ "gocloud.dev/secrets/localsecrets"  // Local development
)

// SecretProvider resolves a secret through a Go Cloud secrets keeper.
// The keeper URL selects the backend, so the same code runs against AWS,
// GCP, Azure, Vault, or a local keeper in development.
type SecretProvider struct {
	keeper     *secrets.Keeper
	ciphertext []byte
	cacheTTL   time.Duration

	mu          sync.RWMutex
	cached      []byte
	cacheExpiry time.Time
	closed      bool
}

// NewSecretProvider opens a keeper for the given URL and decrypts the
// provided ciphertext on demand.
//
// URL formats:
//   - AWS: "awskms://alias/my-key?region=us-east-1"
//   - GCP: "gcpkms://projects/PROJECT/locations/LOC/keyRings/RING/cryptoKeys/KEY"
//   - Vault: "hashivault://mykey"
//   - Local (dev): "base64key://..."
func NewSecretProvider(ctx context.Context, url string, ciphertext []byte, cacheTTL time.Duration) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret keeper URL is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	return &SecretProvider{
		keeper:     keeper,
		ciphertext: ciphertext,
		cacheTTL:   cacheTTL,
	}, nil
}

// Secret decrypts and returns the secret, caching it for the configured TTL.
func (p *SecretProvider) Secret(ctx context.Context) ([]byte, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	if p.cached != nil && time.Now().Before(p.cacheExpiry) {
		cached := p.cached
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	plaintext, err := p.keeper.Decrypt(ctx, p.ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, ErrSecretEmpty
	}

	p.mu.Lock()
	p.cached = plaintext
	p.cacheExpiry = time.Now().Add(p.cacheTTL)
	p.mu.Unlock()

	return plaintext, nil
}

// Close closes the underlying keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}
