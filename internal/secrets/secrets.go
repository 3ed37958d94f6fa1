// Package secrets provides the signing-secret lookup used by webhook
// validators. The gateway consumes secrets through the Provider interface
// so a vault-backed implementation can be swapped in without touching the
// validation code. Validators fetch the secret on every request rather
// than caching it, so rotation takes effect immediately.
package secrets

import (
	"context"
	"fmt"
	"sync"
)

// Provider returns the current signing secret for a webhook provider.
type Provider interface {
	GetSecret(ctx context.Context, providerID string) ([]byte, error)
}

// ErrNotFound is returned when no secret is configured for a provider.
var ErrNotFound = fmt.Errorf("secrets: not found")

// StaticProvider serves secrets from an in-process map, populated from
// configuration at startup. Set allows runtime rotation.
type StaticProvider struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewStaticProvider creates a StaticProvider from provider -> secret pairs.
func NewStaticProvider(secrets map[string]string) *StaticProvider {
	m := make(map[string][]byte, len(secrets))
	for k, v := range secrets {
		m[k] = []byte(v)
	}
	return &StaticProvider{secrets: m}
}

// GetSecret returns the configured secret for providerID.
func (p *StaticProvider) GetSecret(ctx context.Context, providerID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	secret, ok := p.secrets[providerID]
	if !ok || len(secret) == 0 {
		return nil, fmt.Errorf("%w: provider %q", ErrNotFound, providerID)
	}

	// Copy so callers cannot mutate the stored secret.
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, nil
}

// Set replaces the secret for providerID.
func (p *StaticProvider) Set(providerID string, secret []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := make([]byte, len(secret))
	copy(s, secret)
	p.secrets[providerID] = s
}
