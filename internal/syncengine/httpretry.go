package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenProvider returns the bearer token for one outbound request.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken serves a long-lived token such as a Wrike permanent token.
func StaticToken(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		if token == "" {
			return "", errors.New("access token is empty")
		}
		return token, nil
	}
}

// OAuth2Token adapts an oauth2.TokenSource, which caches and refreshes the
// token on its own.
func OAuth2Token(source oauth2.TokenSource) TokenProvider {
	return func(context.Context) (string, error) {
		if source == nil {
			return "", errors.New("oauth2 token source is nil")
		}
		token, err := source.Token()
		if err != nil {
			return "", err
		}
		return token.AccessToken, nil
	}
}

type RetryOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxRetryAfter is the longest server-requested pause honored. A longer
	// Retry-After ends the retries and surfaces the response.
	MaxRetryAfter time.Duration
	UserAgent     string
}

// retryingClient sends one logical request, retrying transport errors, 429
// and 5xx. It pauses for the server's Retry-After when given, and otherwise
// backs off exponentially up to maxDelay.
type retryingClient struct {
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	maxRetryAfter time.Duration
	userAgent     string
	now           func() time.Time
}

func newRetryingClient(opts RetryOptions) retryingClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	maxRetryAfter := opts.MaxRetryAfter
	if maxRetryAfter <= 0 {
		maxRetryAfter = 30 * time.Second
	}
	return retryingClient{
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		maxRetryAfter: maxRetryAfter,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		now:           time.Now,
	}
}

type outboundRequest struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Token       TokenProvider
	Header      http.Header
}

func (c retryingClient) do(ctx context.Context, req outboundRequest) ([]byte, error) {
	token := ""
	if req.Token != nil {
		var err error
		token, err = req.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, err
		}
		for key, values := range req.Header {
			for _, value := range values {
				httpReq.Header.Add(key, value)
			}
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		if req.Body != nil {
			contentType := req.ContentType
			if contentType == "" {
				contentType = "application/json"
			}
			httpReq.Header.Set("Content-Type", contentType)
		}
		if c.userAgent != "" {
			httpReq.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if attempt >= c.maxRetries || ctx.Err() != nil {
				return nil, err
			}
			wait, ok := c.nextWait(ctx, attempt+1, "")
			if !ok {
				return nil, err
			}
			if err := pause(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if wait, ok := c.nextWait(ctx, attempt+1, resp.Header.Get("Retry-After")); ok {
				if err := pause(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
		}
		return nil, decodeHTTPError(resp.StatusCode, respBody)
	}
}

// decodeHTTPError understands the error envelopes of both Wrike
// ({"error","errorDescription"}) and Graph ({"error":{"code","message"}}).
func decodeHTTPError(status int, body []byte) error {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"errorDescription"`
		Code             string          `json:"code"`
		Message          string          `json:"message"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return httpErr
	}
	var nested struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	var flat string
	switch {
	case json.Unmarshal(parsed.Error, &nested) == nil && nested.Code != "":
		httpErr.Code = nested.Code
		if nested.Message != "" {
			httpErr.Message = nested.Message
		}
	case json.Unmarshal(parsed.Error, &flat) == nil && flat != "":
		httpErr.Code = flat
		if parsed.ErrorDescription != "" {
			httpErr.Message = parsed.ErrorDescription
		}
	case parsed.Code != "":
		httpErr.Code = parsed.Code
		if parsed.Message != "" {
			httpErr.Message = parsed.Message
		}
	}
	return httpErr
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500 && status <= 599
}

// backoff is baseDelay doubled per attempt after the first, capped at maxDelay.
func (c retryingClient) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return c.maxDelay
	}
	delay := c.baseDelay << (attempt - 1)
	if delay <= 0 || delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// nextWait returns the pause before attempt. ok is false when the server
// asks for more than maxRetryAfter or the pause would outlast ctx.
func (c retryingClient) nextWait(ctx context.Context, attempt int, retryAfter string) (wait time.Duration, ok bool) {
	now := c.now()
	wait = c.backoff(attempt)
	if hinted, given := parseRetryAfter(retryAfter, now); given {
		if hinted > c.maxRetryAfter {
			return 0, false
		}
		wait = hinted
	}
	if deadline, set := ctx.Deadline(); set && now.Add(wait).After(deadline) {
		return 0, false
	}
	return wait, true
}

// parseRetryAfter reads either form RFC 9110 allows: delay-seconds or an
// HTTP date. given is false for an absent or unreadable header.
func parseRetryAfter(header string, now time.Time) (wait time.Duration, given bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		if seconds > math.MaxInt32 {
			seconds = math.MaxInt32
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0, false
	}
	if at.Before(now) {
		return 0, true
	}
	return at.Sub(now), true
}

func pause(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
