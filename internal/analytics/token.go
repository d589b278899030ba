package analytics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/metrics"
)

// Credentials are the long-lived client credentials of one connection.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Key identifies the credential in the token cache.
func (c Credentials) Key() string {
	return c.TenantID + "/" + c.ClientID
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache holds bearer tokens per credential key. Safe for concurrent use.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[string]tokenEntry
}

func NewTokenCache() *TokenCache {
	return &TokenCache{entries: make(map[string]tokenEntry)}
}

// Get returns the cached token for key if it is still valid at now.
func (c *TokenCache) Get(key string, now time.Time) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(now) {
		return "", false
	}
	return e.token, true
}

// Put stores a token, replacing any previous entry for key.
func (c *TokenCache) Put(key, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tokenEntry{token: token, expiresAt: expiresAt}
}

// Len reports how many entries are cached, valid or not.
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TokenProviderConfig configures the client-credentials exchange.
type TokenProviderConfig struct {
	// TokenURL returns the token endpoint for a tenant.
	TokenURL func(tenantID string) string
	Scopes   []string
	// SafetyMargin is subtracted from the token lifetime, up to half of it.
	SafetyMargin time.Duration
	// DefaultLifetime applies when the endpoint omits expires_in.
	DefaultLifetime time.Duration
}

// TokenProvider exchanges client credentials for bearer tokens, caching them
// until shortly before they expire.
type TokenProvider struct {
	cfg    TokenProviderConfig
	cache  *TokenCache
	client *http.Client
	now    func() time.Time
}

func NewTokenProvider(cfg TokenProviderConfig, cache *TokenCache, client *http.Client) *TokenProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenProvider{
		cfg:    cfg,
		cache:  cache,
		client: client,
		now:    time.Now,
	}
}

// WithClock replaces the provider's time source.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	p.now = now
	return p
}

// Token returns a valid bearer token for creds. Concurrent callers for the
// same credentials may each perform an exchange; the last one wins the cache.
func (p *TokenProvider) Token(ctx context.Context, creds Credentials) (string, error) {
	key := creds.Key()
	if tok, ok := p.cache.Get(key, p.now()); ok {
		metrics.TokenCacheHits.Inc()
		return tok, nil
	}

	tok, lifetime, err := p.exchange(ctx, creds)
	if err != nil {
		return "", err
	}

	expiresAt := p.now().Add(lifetime - p.margin(lifetime))
	p.cache.Put(key, tok, expiresAt)

	logger.Log.Debug("Obtained analytics token",
		zap.String("client_id", creds.ClientID),
		zap.Time("expires_at", expiresAt),
	)
	return tok, nil
}

// margin is the safety margin, capped at half the token lifetime so
// short-lived tokens are still reused.
func (p *TokenProvider) margin(lifetime time.Duration) time.Duration {
	if m := lifetime / 2; p.cfg.SafetyMargin > m {
		return m
	}
	return p.cfg.SafetyMargin
}

func (p *TokenProvider) exchange(ctx context.Context, creds Credentials) (string, time.Duration, error) {
	metrics.TokenExchanges.Inc()

	cc := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     p.cfg.TokenURL(creds.TenantID),
		Scopes:       p.cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	// oauth2 stamps Expiry from the wall clock at receipt; measure the
	// lifetime against the same clock.
	received := time.Now()
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("%w: client %s: %v", ErrAuthentication, creds.ClientID, err)
	}
	if tok.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: client %s: empty access token", ErrAuthentication, creds.ClientID)
	}

	lifetime := p.cfg.DefaultLifetime
	if !tok.Expiry.IsZero() {
		lifetime = tok.Expiry.Sub(received)
	}
	return tok.AccessToken, lifetime, nil
}
