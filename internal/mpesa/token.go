package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"

	// DefaultSafetyMargin is how long before expiry a cached token is considered stale.
	DefaultSafetyMargin = 60 * time.Second
	defaultTokenTTL     = 3599 * time.Second
)

// TokenCache caches the gateway bearer token and refreshes it shortly before expiry.
// Concurrent refreshes collapse into a single credential exchange.
type TokenCache struct {
	httpClient *http.Client
	baseURL    string
	key        string
	secret     string
	margin     time.Duration
	nowFunc    func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// NewTokenCache returns a TokenCache exchanging key/secret against baseURL.
func NewTokenCache(httpClient *http.Client, baseURL, key, secret string) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenCache{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		secret:     secret,
		margin:     DefaultSafetyMargin,
		nowFunc:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *TokenCache) WithClock(now func() time.Time) *TokenCache {
	c.nowFunc = now
	return c
}

// Token returns a valid bearer token, exchanging credentials if the cached one is stale.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	if c.key == "" || c.secret == "" {
		return "", ErrMissingCredentials
	}

	// The shared exchange must outlive any single caller; it is bounded by the
	// HTTP client timeout. Each caller still stops waiting when its own ctx ends.
	exchangeCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("token", func() (interface{}, error) {
		// another caller may have refreshed while we waited on the group
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		tok, ttl, err := c.exchange(exchangeCtx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiry = c.nowFunc().Add(ttl)
		c.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", &AuthError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next call re-authenticates.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", false
	}
	if !c.nowFunc().Before(c.expiry.Add(-c.margin)) {
		return "", false
	}
	return c.token, true
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (c *TokenCache) exchange(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", 0, &AuthError{Err: err}
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, &AuthError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body)))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return "", 0, &AuthError{StatusCode: resp.StatusCode, Err: errors.New("access_token missing in response")}
	}

	ttl, err := parseExpiresIn(tr.ExpiresIn)
	if err != nil {
		log.Printf("[mpesa] bad expires_in %q, assuming %s: %v", string(tr.ExpiresIn), defaultTokenTTL, err)
		ttl = defaultTokenTTL
	}
	log.Printf("[mpesa] access token refreshed, expires in %s", ttl)
	return tr.AccessToken, ttl, nil
}

// parseExpiresIn accepts both "3599" and 3599.
func parseExpiresIn(raw json.RawMessage) (time.Duration, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return defaultTokenTTL, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if secs <= 0 {
		return 0, fmt.Errorf("non-positive expiry %d", secs)
	}
	return time.Duration(secs) * time.Second, nil
}
