package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	axmerrors "github.com/axmtools/axmctl/internal/errors"
)

const (
	// tokenURL is the fixed authorization endpoint tokens are exchanged at.
	tokenURL = "https://account.apple.com/auth/oauth2/token"

	// clientAssertionType identifies the JWT-bearer client-credentials grant.
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// rateLimitWait is how long to wait after a 429 from the token
	// endpoint before the single retry.
	rateLimitWait = 60 * time.Second

	// exchangeTimeout bounds the token-exchange HTTP client when no
	// custom client is provided.
	exchangeTimeout = 30 * time.Second

	// maxTokenResponseBytes caps token endpoint response reads.
	maxTokenResponseBytes = 1024 * 1024
)

// API hosts per tenant. The scope string selects which one a token is
// valid against.
const (
	hostSchool   = "https://api-school.apple.com"
	hostBusiness = "https://api-business.apple.com"
)

// TokenResponse is the token endpoint's JSON success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// Token is a usable bearer token bound to its tenant host.
type Token struct {
	AccessToken string
	Scope       string
	BaseURL     string
	ExpiresAt   time.Time
}

// BaseURLForScope maps a scope string to its tenant API host. Substring
// match: "school" anywhere in the scope selects the school host,
// "business" the business host. Anything else is fatal — there is no safe
// default host.
func BaseURLForScope(scope string) (string, error) {
	s := strings.ToLower(scope)

	switch {
	case strings.Contains(s, "school"):
		return hostSchool, nil
	case strings.Contains(s, "business"):
		return hostBusiness, nil
	default:
		return "", fmt.Errorf("scope %q: %w", scope, axmerrors.ErrUnrecognizedScope)
	}
}

// Manager orchestrates token acquisition: cache check, assertion build,
// exchange, persist. One Manager per credential set per run.
type Manager struct {
	creds      Credentials
	cache      Cache
	httpClient *http.Client
	logger     *slog.Logger

	// tokenURL and sleep are overridden in tests.
	tokenURL string
	sleep    func(time.Duration)
}

// NewManager creates a token manager. A nil httpClient gets a client with
// a 30-second timeout.
func NewManager(creds Credentials, cache Cache, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: exchangeTimeout}
	}

	return &Manager{
		creds:      creds,
		cache:      cache,
		httpClient: httpClient,
		logger:     logger,
		tokenURL:   tokenURL,
		sleep:      time.Sleep,
	}
}

// Acquire returns a valid token and its tenant base URL. When the cached
// record is valid for the current credentials, no network call is made.
// forceNew invalidates the cache first, guaranteeing a fresh exchange.
func (m *Manager) Acquire(ctx context.Context, forceNew bool) (Token, error) {
	// Scope is resolved before any network traffic so a misconfigured
	// scope aborts the run immediately.
	baseURL, err := BaseURLForScope(m.creds.Scope)
	if err != nil {
		return Token{}, err
	}

	if forceNew {
		if err := m.cache.Invalidate(); err != nil {
			m.logger.Warn("failed to invalidate token cache", slog.String("error", err.Error()))
		}
	} else {
		rec, err := m.cache.Read()
		if err != nil {
			m.logger.Debug("token cache read failed, treating as miss", slog.String("error", err.Error()))
		}

		if rec.ValidFor(m.creds) {
			m.logger.Info("using cached token",
				slog.Int64("seconds_until_expiry", rec.SecondsUntilExpiry()),
			)

			return Token{
				AccessToken: rec.AccessToken,
				Scope:       rec.Scope,
				BaseURL:     baseURL,
				ExpiresAt:   time.Unix(rec.ExpiresAt, 0),
			}, nil
		}

		m.logger.Info("cached token missing or expired, requesting new token")
	}

	assertion, err := BuildAssertion(m.creds)
	if err != nil {
		return Token{}, err
	}

	resp, err := m.exchange(ctx, assertion)
	if err != nil {
		return Token{}, err
	}

	rec := NewCachedToken(m.creds, *resp)
	if err := m.cache.Write(rec); err != nil {
		m.logger.Warn("failed to persist token cache", slog.String("error", err.Error()))
	}

	m.logger.Info("new token generated and cached")

	scope := resp.Scope
	if scope == "" {
		scope = m.creds.Scope
	}

	return Token{
		AccessToken: resp.AccessToken,
		Scope:       scope,
		BaseURL:     baseURL,
		ExpiresAt:   time.Unix(rec.ExpiresAt, 0),
	}, nil
}

// exchange posts the client assertion to the token endpoint. A 429 is
// retried exactly once after 60 seconds; a second 429 is fatal. A 400
// signals misconfigured credentials and is fatal.
func (m *Manager) exchange(ctx context.Context, assertion string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {m.creds.ClientID},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
		"scope":                 {m.creds.Scope},
	}
	encoded := form.Encode()

	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(encoded))
		if err != nil {
			return nil, fmt.Errorf("creating token request: %w", err)
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("requesting token: %w", err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
		resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("reading token response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt == 1 {
				m.logger.Info("token endpoint returned 429, waiting before retry",
					slog.Duration("wait", rateLimitWait),
				)
				m.sleep(rateLimitWait)

				continue
			}

			return nil, axmerrors.ErrAuthRateLimited

		case resp.StatusCode == http.StatusBadRequest:
			return nil, axmerrors.ErrInvalidCredentials

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("token endpoint returned status %d: %s",
				resp.StatusCode, truncateBody(body))
		}

		var tr TokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, fmt.Errorf("decoding token response: %w", err)
		}

		if tr.AccessToken == "" {
			return nil, fmt.Errorf("token response missing access_token")
		}

		return &tr, nil
	}

	return nil, axmerrors.ErrAuthRateLimited
}

// truncateBody limits a response body for inclusion in error messages.
func truncateBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	return string(body)
}
