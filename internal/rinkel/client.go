package rinkel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.rinkel.com"

// Webhook event names as Rinkel knows them.
const (
	EventCallEnd      = "callEnd"
	EventCallInsights = "callInsights"
)

var ErrNotFound = errors.New("not found")

// HTTPError is a non-2xx answer from the Rinkel API after retries.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rinkel request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("rinkel request failed: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Temporary reports whether the same request may succeed later.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// FetchCallDetails returns the call detail record for a webhook call id.
// A record Rinkel has not produced yet yields an error matching ErrNotFound.
func (c *Client) FetchCallDetails(ctx context.Context, callID string) (CallDetails, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return CallDetails{}, fmt.Errorf("rinkel call id is required")
	}
	var envelope struct {
		Data *CallDetails `json:"data"`
	}
	path := "/v1/call-detail-records/by-call-id/" + url.PathEscape(callID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return CallDetails{}, err
	}
	if envelope.Data == nil {
		return CallDetails{}, fmt.Errorf("call detail record %s: %w", callID, ErrNotFound)
	}
	return *envelope.Data, nil
}

// ListRecentCallDetails returns the newest records, used for connectivity
// checks.
func (c *Client) ListRecentCallDetails(ctx context.Context, perPage int) (CallDetailPage, error) {
	if perPage <= 0 {
		perPage = 3
	}
	q := url.Values{}
	q.Set("perPage", strconv.Itoa(perPage))
	q.Set("includeDetails", "true")
	var envelope struct {
		Data []CallDetails `json:"data"`
		Meta struct {
			Pagination struct {
				TotalItems int `json:"totalItems"`
			} `json:"pagination"`
		} `json:"meta"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/call-detail-records?"+q.Encode(), nil, &envelope); err != nil {
		return CallDetailPage{}, err
	}
	return CallDetailPage{Items: envelope.Data, TotalItems: envelope.Meta.Pagination.TotalItems}, nil
}

type Webhook struct {
	Event       string `json:"event"`
	URL         string `json:"url"`
	Active      bool   `json:"active"`
	Description string `json:"description,omitempty"`
}

// Subscribe registers targetURL for one webhook event.
func (c *Client) Subscribe(ctx context.Context, event, targetURL string) error {
	event = strings.TrimSpace(event)
	if event == "" || strings.TrimSpace(targetURL) == "" {
		return fmt.Errorf("rinkel webhook event and url are required")
	}
	body := map[string]any{
		"url":         targetURL,
		"contentType": "application/json",
		"active":      true,
		"description": "Salesforce integratie – " + event,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/webhooks/"+url.PathEscape(event), body, nil)
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var envelope struct {
		Data []Webhook `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/webhooks", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("rinkel api key is required")
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := uuid.NewString()
	policy := c.newBackOff()

	op := func() error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("x-rinkel-api-key", c.apiKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		httpErr := newHTTPError(resp.StatusCode, payload)
		if !httpErr.Temporary() {
			return backoff.Permanent(httpErr)
		}
		policy.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return httpErr
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
}

func (c *Client) newBackOff() *retryAfterBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseDelay
	exp.MaxInterval = c.maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &retryAfterBackOff{base: exp, max: c.maxDelay}
}

// retryAfterBackOff waits what the last response asked for in Retry-After,
// capped at max, and otherwise defers to base.
type retryAfterBackOff struct {
	base       backoff.BackOff
	max        time.Duration
	retryAfter time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.base.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.retryAfter > 0 {
		next = min(b.retryAfter, b.max)
		b.retryAfter = 0
	}
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.base.Reset()
	b.retryAfter = 0
}

func newHTTPError(status int, payload []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(payload, &parsed) == nil {
		httpErr.Code = parsed.Code
		if msg := strings.TrimSpace(parsed.Message); msg != "" {
			httpErr.Message = msg
		} else if msg := strings.TrimSpace(parsed.Error); msg != "" {
			httpErr.Message = msg
		}
	}
	return httpErr
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
