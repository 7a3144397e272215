// Package axm issues calls against the Apple Business/School Manager
// resource API with a uniform retry, refresh and pagination discipline.
package axm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/axmtools/axmctl/internal/auth"
	axmerrors "github.com/axmtools/axmctl/internal/errors"
)

const (
	// defaultRetryAfter is the 429 backoff used when the server does not
	// send a parsable Retry-After header.
	defaultRetryAfter = 60 * time.Second

	// pageLimit is the page-size parameter for listing endpoints, fixed
	// at the server maximum.
	pageLimit = 1000

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 16 * 1024 * 1024
)

// StatusError is a non-retryable HTTP failure carrying the response body
// for diagnostics.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// statusIs reports whether err is a StatusError with the given code.
func statusIs(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// IsNotFound reports whether err is an HTTP 404. For single-resource
// lookups this is a normal absent-record outcome, not a failure.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsForbidden reports whether err is an HTTP 403.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsBadRequest reports whether err is an HTTP 400.
func IsBadRequest(err error) bool { return statusIs(err, http.StatusBadRequest) }

// IsConflict reports whether err is an HTTP 409.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsUnprocessable reports whether err is an HTTP 422.
func IsUnprocessable(err error) bool { return statusIs(err, http.StatusUnprocessableEntity) }

// MalformedResponseError marks a 2xx response whose body could not be
// parsed as JSON.
type MalformedResponseError struct {
	Body string
}

func (e *MalformedResponseError) Error() string {
	return "malformed response body: " + e.Body
}

// TokenSource provides tokens for the initial bind and for the one forced
// refresh a 401 may trigger. *auth.Manager satisfies it.
type TokenSource interface {
	Acquire(ctx context.Context, forceNew bool) (auth.Token, error)
}

// TokenState is the per-run mutable token binding. Owned by the calling
// flow for the duration of one run; mutated only by a successful forced
// refresh. The one-shot refreshed flag guarantees at most one unsolicited
// refresh per run, so a revoked credential can never loop on 401s.
type TokenState struct {
	AccessToken string
	BaseURL     string

	refreshed bool
}

// NewTokenState binds an acquired token into a fresh per-run state.
func NewTokenState(tok auth.Token) *TokenState {
	return &TokenState{
		AccessToken: tok.AccessToken,
		BaseURL:     tok.BaseURL,
	}
}

// Client executes logical API calls under the shared retry policy.
type Client struct {
	httpClient   *http.Client
	tokens       TokenSource
	logger       *slog.Logger
	maxRetryWait time.Duration

	// sleep is overridden in tests.
	sleep func(time.Duration)
}

// NewClient creates an API client. A nil httpClient gets a client with a
// 30-second timeout. maxRetryWait caps the cumulative time one logical
// call may spend sleeping on 429 responses; zero means no cap.
func NewClient(tokens TokenSource, httpClient *http.Client, logger *slog.Logger, maxRetryWait time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient:   httpClient,
		tokens:       tokens,
		logger:       logger,
		maxRetryWait: maxRetryWait,
		sleep:        time.Sleep,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// retryAfter returns the 429 backoff: the Retry-After header when it
// parses as an integer number of seconds, the 60-second default otherwise.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return defaultRetryAfter
}

// Execute issues one logical call and applies the retry policy. Retry
// state (cumulative 429 wait) resets per invocation; the one-shot 401
// refresh flag lives on state and spans the whole run.
//
// Outcomes: parsed JSON on 2xx; *StatusError for 400/403/404/409/422 and
// any other unexpected status (no retry); *MalformedResponseError for an
// unparsable 2xx body; ErrAuthExpired for a 401 after the one permitted
// refresh.
func (c *Client) Execute(ctx context.Context, method, path string, query url.Values, body any, state *TokenState) (gjson.Result, error) {
	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("marshalling request body: %w", err)
		}
	}

	var waited time.Duration

	for {
		reqURL := state.BaseURL + path
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+state.AccessToken)
		req.Header.Set("Accept", "application/json")

		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("sending %s %s: %w", method, path, err)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
		resp.Body.Close()

		if err != nil {
			return gjson.Result{}, fmt.Errorf("reading response from %s: %w", path, err)
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			wait := retryAfter(resp.Header)
			if c.maxRetryWait > 0 && waited+wait > c.maxRetryWait {
				return gjson.Result{}, fmt.Errorf("giving up after %s of 429 backoff: %w",
					waited, &StatusError{StatusCode: resp.StatusCode, Body: sanitizeResponseBody(respBody)})
			}

			c.logger.Info("429 received, backing off",
				slog.String("path", path),
				slog.Duration("wait", wait),
			)
			c.sleep(wait)
			waited += wait

			continue

		case http.StatusUnauthorized:
			if state.refreshed {
				return gjson.Result{}, axmerrors.ErrAuthExpired
			}

			state.refreshed = true

			c.logger.Info("401 unauthorized, regenerating token once", slog.String("path", path))

			tok, err := c.tokens.Acquire(ctx, true)
			if err != nil {
				return gjson.Result{}, fmt.Errorf("refreshing token after 401: %w", err)
			}

			state.AccessToken = tok.AccessToken
			state.BaseURL = tok.BaseURL

			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return gjson.Result{}, &StatusError{
				StatusCode: resp.StatusCode,
				Body:       sanitizeResponseBody(respBody),
			}
		}

		if len(respBody) == 0 {
			return gjson.Result{}, nil
		}

		if !gjson.ValidBytes(respBody) {
			return gjson.Result{}, &MalformedResponseError{Body: sanitizeResponseBody(respBody)}
		}

		return gjson.ParseBytes(respBody), nil
	}
}

// List fetches every page of a listing endpoint, following
// meta.paging.nextCursor until the server stops returning one. Entries
// accumulate in server-delivered order; each page passes through the same
// retry policy as any other call.
func (c *Client) List(ctx context.Context, path string, query url.Values, state *TokenState) ([]gjson.Result, error) {
	var entries []gjson.Result

	cursor := ""

	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}

		q.Set("limit", strconv.Itoa(pageLimit))

		if cursor != "" {
			q.Set("cursor", cursor)
		}

		res, err := c.Execute(ctx, http.MethodGet, path, q, nil, state)
		if err != nil {
			return nil, err
		}

		page := res.Get("data").Array()
		entries = append(entries, page...)

		c.logger.Debug("fetched page",
			slog.String("path", path),
			slog.Int("entries", len(page)),
		)

		cursor = res.Get("meta.paging.nextCursor").String()
		if cursor == "" {
			return entries, nil
		}
	}
}
