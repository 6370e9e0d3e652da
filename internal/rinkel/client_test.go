package rinkel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(server *httptest.Server) *Client {
	return NewClient(Options{
		BaseURL:    server.URL,
		APIKey:     "key_test",
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestFetchCallDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/call-detail-records/by-call-id/call_1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("x-rinkel-api-key"); got != "key_test" {
			t.Errorf("expected api key header, got %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{
			"callId":"call_1","direction":"inbound","status":"ANSWERED","duration":272,
			"externalNumber":{"e164":"+31612345678","localized":"06 12345678","anonymous":false},
			"user":{"fullName":"Jan de Vries"},
			"callRecording":{"playUrl":"https://media.example.test/rec1","availableUntil":"2026-05-01T00:00:00Z"}
		}}`))
	}))
	defer server.Close()

	details, err := newTestClient(server).FetchCallDetails(context.Background(), "call_1")
	if err != nil {
		t.Fatalf("fetch call details failed: %v", err)
	}
	if details.Duration != 272 || details.User == nil || details.User.FullName != "Jan de Vries" {
		t.Fatalf("unexpected details: %+v", details)
	}
	if details.CallRecording == nil || details.CallRecording.PlayURL != "https://media.example.test/rec1" {
		t.Fatalf("expected call recording, got %+v", details.CallRecording)
	}
}

func TestFetchCallDetailsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"call detail record not found"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchCallDetails(context.Background(), "call_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Message != "call detail record not found" {
		t.Fatalf("expected http error with message, got %v", err)
	}
}

func TestFetchCallDetailsEmptyDataIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null}`))
	}))
	defer server.Close()

	if _, err := newTestClient(server).FetchCallDetails(context.Background(), "call_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty data, got %v", err)
	}
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"callId":"call_1"}}`))
	}))
	defer server.Close()

	if _, err := newTestClient(server).FetchCallDetails(context.Background(), "call_1"); err != nil {
		t.Fatalf("expected retry to recover from 429, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", got)
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"bad_gateway","message":"upstream down"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchCallDetails(context.Background(), "call_1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected http error, got %v", err)
	}
	if !httpErr.Temporary() || httpErr.Code != "bad_gateway" {
		t.Fatalf("unexpected http error: %+v", httpErr)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls (2 retries), got %d", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).FetchCallDetails(context.Background(), "call_1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 http error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}

func TestClientHonorsRetryAfterUpToMaxDelay(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"callId":"call_1"}}`))
	}))
	defer server.Close()

	started := time.Now()
	if _, err := newTestClient(server).FetchCallDetails(context.Background(), "call_1"); err != nil {
		t.Fatalf("expected retry to recover from 503, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("Retry-After should be capped at the max delay, waited %s", elapsed)
	}
}

func TestRetryAfterBackOff(t *testing.T) {
	client := NewClient(Options{APIKey: "k", BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond})
	policy := client.newBackOff()

	policy.retryAfter = 25 * time.Millisecond
	if got := policy.NextBackOff(); got != 25*time.Millisecond {
		t.Fatalf("expected Retry-After delay, got %s", got)
	}
	if got := policy.NextBackOff(); got <= 0 || got > 40*time.Millisecond {
		t.Fatalf("expected exponential delay within max, got %s", got)
	}
	policy.retryAfter = time.Minute
	if got := policy.NextBackOff(); got != 40*time.Millisecond {
		t.Fatalf("expected Retry-After capped at max delay, got %s", got)
	}
	policy.retryAfter = time.Second
	policy.Reset()
	if policy.retryAfter != 0 {
		t.Fatalf("reset should clear a pending Retry-After")
	}
}

func TestSubscribeAndListWebhooks(t *testing.T) {
	var subscribed map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/webhooks/callEnd":
			if err := json.NewDecoder(r.Body).Decode(&subscribed); err != nil {
				t.Errorf("decode subscribe body: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/webhooks":
			_, _ = w.Write([]byte(`{"data":[{"event":"callEnd","url":"https://relay.example.test/webhook/callend","active":true}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	if err := client.Subscribe(context.Background(), EventCallEnd, "https://relay.example.test/webhook/callend"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if subscribed["url"] != "https://relay.example.test/webhook/callend" || subscribed["active"] != true {
		t.Fatalf("unexpected subscribe body: %+v", subscribed)
	}
	if subscribed["contentType"] != "application/json" || subscribed["description"] != "Salesforce integratie – callEnd" {
		t.Fatalf("unexpected subscribe body: %+v", subscribed)
	}

	hooks, err := client.ListWebhooks(context.Background())
	if err != nil {
		t.Fatalf("list webhooks failed: %v", err)
	}
	if len(hooks) != 1 || hooks[0].Event != EventCallEnd || !hooks[0].Active {
		t.Fatalf("unexpected webhooks: %+v", hooks)
	}
}

func TestListRecentCallDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("perPage") != "3" || r.URL.Query().Get("includeDetails") != "true" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":[{"callId":"a"},{"callId":"b"}],"meta":{"pagination":{"totalItems":42}}}`))
	}))
	defer server.Close()

	page, err := newTestClient(server).ListRecentCallDetails(context.Background(), 0)
	if err != nil {
		t.Fatalf("list recent failed: %v", err)
	}
	if len(page.Items) != 2 || page.TotalItems != 42 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestClientRequiresAPIKey(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.FetchCallDetails(context.Background(), "call_1"); err == nil {
		t.Fatalf("expected error without api key")
	}
}
