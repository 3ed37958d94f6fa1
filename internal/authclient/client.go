// Package authclient fetches bearer tokens for provider installations
// from the auth service. Tokens are used for outbound API calls made
// after delivery (posting results back to the provider); the delivery
// pipeline treats the service as opaque.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Client talks to the auth service and caches tokens per installation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *tokenCache
}

type TokenRequest struct {
	InstallationID string `json:"installation_id"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

func New(baseURL string, timeout time.Duration, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache: &tokenCache{
			entries: make(map[string]*cacheEntry),
			ttl:     cacheTTL,
		},
	}
}

// GetToken returns a valid bearer token for the installation, fetching a
// fresh one from the auth service when the cached token is missing or
// expired.
func (c *Client) GetToken(ctx context.Context, installationID string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("auth client not configured")
	}

	if token, ok := c.cache.get(installationID); ok {
		return token, nil
	}

	reqBody := TokenRequest{
		InstallationID: installationID,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/installation-token", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var result TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	c.cache.set(installationID, &result)

	return result.Token, nil
}

func (tc *tokenCache) get(installationID string) (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	entry, exists := tc.entries[installationID]
	if !exists || time.Now().After(entry.expiresAt) {
		return "", false
	}

	return entry.token, true
}

func (tc *tokenCache) set(installationID string, info *TokenResponse) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	// Cache for the configured TTL, but never past the token's own expiry.
	expiresAt := time.Now().Add(tc.ttl)
	if !info.ExpiresAt.IsZero() && info.ExpiresAt.Before(expiresAt) {
		expiresAt = info.ExpiresAt
	}

	tc.entries[installationID] = &cacheEntry{
		token:     info.Token,
		expiresAt: expiresAt,
	}

	// Clean up expired entries periodically
	go tc.cleanup()
}

func (tc *tokenCache) cleanup() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := time.Now()
	for id, entry := range tc.entries {
		if now.After(entry.expiresAt) {
			delete(tc.entries, id)
		}
	}
}
