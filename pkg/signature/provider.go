package signature

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// WellKnownPath is where an API publishes its signing key, relative to
// the API base URL.
const WellKnownPath = "/.well-known/fanout-signing-key"

// DefaultKeyTTL is how long a fetched key is served from cache.
const DefaultKeyTTL = 10 * time.Minute

// wellKnownKey is the published key document.
type wellKnownKey struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

// HTTPKeyProvider fetches signing keys from the well-known endpoint of
// each API base and caches them with a TTL.
type HTTPKeyProvider struct {
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedKey
}

type cachedKey struct {
	key     ed25519.PublicKey
	expires time.Time
}

// ProviderOption configures an HTTPKeyProvider.
type ProviderOption func(*HTTPKeyProvider)

// WithHTTPClient overrides the HTTP client used for key fetches.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *HTTPKeyProvider) { p.client = c }
}

// WithKeyTTL overrides the cache TTL.
func WithKeyTTL(ttl time.Duration) ProviderOption {
	return func(p *HTTPKeyProvider) { p.ttl = ttl }
}

// WithProviderClock overrides the provider's clock.
func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *HTTPKeyProvider) { p.now = now }
}

// NewHTTPKeyProvider creates a provider with a 10s request timeout and
// the default cache TTL.
func NewHTTPKeyProvider(opts ...ProviderOption) *HTTPKeyProvider {
	p := &HTTPKeyProvider{
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    DefaultKeyTTL,
		now:    time.Now,
		cache:  make(map[string]cachedKey),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPKeyProvider) PublicKey(ctx context.Context, apiBase string) (ed25519.PublicKey, error) {
	now := p.now()

	p.mu.Lock()
	if c, ok := p.cache[apiBase]; ok && c.expires.After(now) {
		p.mu.Unlock()
		return c.key, nil
	}
	p.mu.Unlock()

	key, err := p.fetch(ctx, apiBase)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[apiBase] = cachedKey{key: key, expires: now.Add(p.ttl)}
	p.mu.Unlock()
	return key, nil
}

func (p *HTTPKeyProvider) fetch(ctx context.Context, apiBase string) (ed25519.PublicKey, error) {
	url := strings.TrimSuffix(apiBase, "/") + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signature: build key request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signature: fetch key: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signature: key endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("signature: read key response: %w", err)
	}

	var doc wellKnownKey
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("signature: parse key document: %w", err)
	}
	if doc.Algorithm != "" && doc.Algorithm != "ed25519" {
		return nil, fmt.Errorf("signature: unsupported algorithm %q", doc.Algorithm)
	}

	raw, err := hex.DecodeString(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signature: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signature: public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// StaticKeyProvider serves one fixed key for every API base. Used in
// tests and single-tenant deployments.
type StaticKeyProvider struct {
	Key ed25519.PublicKey
}

func (p StaticKeyProvider) PublicKey(context.Context, string) (ed25519.PublicKey, error) {
	return p.Key, nil
}
