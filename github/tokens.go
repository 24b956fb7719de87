package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/gomodule/redigo/redis"
	"golang.org/x/sync/singleflight"

	"github.com/pullsentry/pullsentry/faults"
)

const (
	tokenKeyPrefix = "github:token:"

	// tokenSafetyMargin is subtracted from the token's true lifetime when
	// caching, to absorb clock skew between this service and GitHub.
	tokenSafetyMargin = 5 * time.Minute
)

// TokenCache owns the two-tier credential flow: a short-lived app JWT signed
// per request by the AppsTransport, exchanged at GitHub for an
// installation-scoped access token valid one hour, cached in Redis with a
// conservative TTL. Concurrent refreshes for one installation are coalesced.
//
// If Redis is unreachable the cache degrades to a per-call exchange: slower
// and heavier on the GitHub call budget, but operation continues.
type TokenCache struct {
	exchange *http.Client // authenticated with the app JWT transport
	pool     *redis.Pool
	baseURL  string
	margin   time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// NewTokenCache creates a token cache for the given GitHub App. The private
// key must be the App's PEM-encoded signing key; a malformed key is a
// startup failure, not a runtime one.
func NewTokenCache(appID int64, privateKey []byte, pool *redis.Pool, logger *slog.Logger) (*TokenCache, error) {
	transport, err := ghinstallation.NewAppsTransport(http.DefaultTransport, appID, privateKey)
	if err != nil {
		return nil, faults.Wrap(faults.KindAuth, "invalid app private key", err)
	}
	return &TokenCache{
		exchange: &http.Client{Transport: transport, Timeout: 10 * time.Second},
		pool:     pool,
		baseURL:  baseURL,
		margin:   tokenSafetyMargin,
		logger:   logger,
	}, nil
}

// SetBaseURL points the exchange at a different API root (GitHub
// Enterprise).
func (t *TokenCache) SetBaseURL(u string) { t.baseURL = u }

// Token returns an installation access token whose remaining lifetime is at
// least the safety margin, refreshing through GitHub on a cache miss.
func (t *TokenCache) Token(ctx context.Context, installationID int64) (string, error) {
	key := fmt.Sprintf("%s%d", tokenKeyPrefix, installationID)

	if token, ok := t.cachedToken(key); ok {
		return token, nil
	}

	v, err, _ := t.group.Do(key, func() (any, error) {
		// Another waiter may have populated the cache while we queued.
		if token, ok := t.cachedToken(key); ok {
			return token, nil
		}

		token, expiresAt, err := t.exchangeToken(ctx, installationID)
		if err != nil {
			return "", err
		}

		ttl := time.Until(expiresAt) - t.margin
		if ttl > 0 {
			t.cacheToken(key, token, ttl)
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate removes the cached token for an installation; the next Token
// call performs a fresh exchange.
func (t *TokenCache) Invalidate(installationID int64) {
	conn := t.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("DEL", fmt.Sprintf("%s%d", tokenKeyPrefix, installationID)); err != nil {
		t.logger.Warn("failed to invalidate cached token", "installation_id", installationID, "error", err)
	}
}

func (t *TokenCache) cachedToken(key string) (string, bool) {
	conn := t.pool.Get()
	defer conn.Close()
	token, err := redis.String(conn.Do("GET", key))
	if err == redis.ErrNil {
		return "", false
	}
	if err != nil {
		t.logger.Warn("token store unreachable, degrading to direct exchange", "error", err)
		return "", false
	}
	return token, true
}

func (t *TokenCache) cacheToken(key, token string, ttl time.Duration) {
	conn := t.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("SET", key, token, "EX", int(ttl.Seconds())); err != nil {
		t.logger.Warn("failed to cache token", "error", err)
	}
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// exchangeToken trades the app JWT for an installation access token.
func (t *TokenCache) exchangeToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", t.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Accept", acceptJSON)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := t.exchange.Do(req)
	if err != nil {
		return "", time.Time{}, faults.Wrap(faults.KindTransient, "token exchange failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", time.Time{}, faults.New(faults.KindAuth, "app JWT rejected, check app id and private key")
	case resp.StatusCode == http.StatusNotFound:
		return "", time.Time{}, faults.New(faults.KindNotFound,
			fmt.Sprintf("installation %d not found, may have been uninstalled", installationID))
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, faults.New(faults.KindTransient,
			fmt.Sprintf("token exchange returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	t.logger.Info("fresh installation token obtained", "installation_id", installationID)
	return payload.Token, payload.ExpiresAt, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
