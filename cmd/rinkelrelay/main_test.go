package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/rinkelrelay/internal/config"
	"github.com/agentworkforce/rinkelrelay/internal/httpapi"
	"github.com/agentworkforce/rinkelrelay/internal/rinkel"
	"github.com/agentworkforce/rinkelrelay/internal/salesforce"
	"github.com/golang-jwt/jwt/v5"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLogLevel(raw); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "webhooks", "check", "token", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected subcommand %q, got %v (%v)", name, cmd, err)
		}
	}
}

func TestVersionCommandPrintsVersion(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "rinkelrelay dev") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestPhoneSelfTestPasses(t *testing.T) {
	var out bytes.Buffer
	if !phoneSelfTest(&out) {
		t.Fatalf("phone self-test failed:\n%s", out.String())
	}
	if strings.Count(out.String(), "-> match") != 6 || strings.Count(out.String(), "-> no match") != 1 {
		t.Fatalf("unexpected verdicts:\n%s", out.String())
	}
}

func TestWebhookTargetsTrimBaseURL(t *testing.T) {
	targets := webhookTargets(" https://relay.example.com/ ")
	if len(targets) != 2 {
		t.Fatalf("expected two targets, got %d", len(targets))
	}
	if targets[0].Event != "callEnd" || targets[0].URL != "https://relay.example.com/webhook/callend" {
		t.Fatalf("unexpected callEnd target %+v", targets[0])
	}
	if targets[1].Event != "callInsights" || targets[1].URL != "https://relay.example.com/webhook/callinsights" {
		t.Fatalf("unexpected callInsights target %+v", targets[1])
	}
}

type fakeWebhookAPI struct {
	mu         sync.Mutex
	failEvent  string
	subscribed map[string]string
}

func (f *fakeWebhookAPI) Subscribe(_ context.Context, event, targetURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event == f.failEvent {
		return errors.New("status=422")
	}
	if f.subscribed == nil {
		f.subscribed = map[string]string{}
	}
	f.subscribed[event] = targetURL
	return nil
}

func (f *fakeWebhookAPI) ListWebhooks(context.Context) ([]rinkel.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hooks := make([]rinkel.Webhook, 0, len(f.subscribed))
	for _, event := range []string{"callEnd", "callInsights"} {
		if u, ok := f.subscribed[event]; ok {
			hooks = append(hooks, rinkel.Webhook{Event: event, URL: u, Active: true})
		}
	}
	return hooks, nil
}

func TestRegisterWebhooksSubscribesBothEvents(t *testing.T) {
	api := &fakeWebhookAPI{}
	var out bytes.Buffer
	if err := registerWebhooks(context.Background(), api, "https://relay.example.com", &out); err != nil {
		t.Fatalf("register: %v", err)
	}
	if api.subscribed["callInsights"] != "https://relay.example.com/webhook/callinsights" {
		t.Fatalf("unexpected subscriptions %+v", api.subscribed)
	}
	if !strings.Contains(out.String(), "2/2 webhooks registered") || !strings.Contains(out.String(), "[active] callEnd") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestRegisterWebhooksReportsPartialFailure(t *testing.T) {
	api := &fakeWebhookAPI{failEvent: "callInsights"}
	var out bytes.Buffer
	err := registerWebhooks(context.Background(), api, "https://relay.example.com", &out)
	if err == nil {
		t.Fatalf("expected error for failed registration")
	}
	if !strings.Contains(out.String(), "1/2 webhooks registered") || !strings.Contains(out.String(), "FAIL  callInsights") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

type fakeCallLister struct {
	page rinkel.CallDetailPage
	err  error
}

func (f fakeCallLister) ListRecentCallDetails(context.Context, int) (rinkel.CallDetailPage, error) {
	return f.page, f.err
}

type fakeInspector struct {
	org     salesforce.Organization
	samples []salesforce.WeborderSample
	err     error
}

func (f fakeInspector) Organization(context.Context) (salesforce.Organization, error) {
	return f.org, f.err
}

func (f fakeInspector) SampleWeborders(context.Context, int) ([]salesforce.WeborderSample, error) {
	return f.samples, nil
}

func TestRunChecksReportsConnectivity(t *testing.T) {
	rk := fakeCallLister{page: rinkel.CallDetailPage{
		TotalItems: 812,
		Items: []rinkel.CallDetails{{
			Date:           "2026-03-04T09:15:00+01:00",
			Direction:      "inbound",
			Status:         "answered",
			Duration:       272,
			ExternalNumber: &rinkel.ExternalNumber{Localized: "06 12345678"},
			User:           &rinkel.User{FullName: "Sanne"},
			Insights:       &rinkel.Insights{Status: "AVAILABLE"},
		}},
	}}
	sf := fakeInspector{
		org:     salesforce.Organization{ID: "00D1", Name: "Acme BV"},
		samples: []salesforce.WeborderSample{{ID: "a01", Name: "WO-1001", Phone: "06-123.456.78 (bel overdag)"}},
	}
	var out bytes.Buffer
	err := runChecks(context.Background(), rk, sf, config.Default().Salesforce, &out)
	if err != nil {
		t.Fatalf("run checks: %v\n%s", err, out.String())
	}
	text := out.String()
	for _, want := range []string{
		"812 calls on record",
		"2026-03-04  inbound",
		"AI:AVAILABLE  Sanne",
		"connected to Acme BV",
		`suffix(8) "12345678"`,
		"All checks passed",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestRunChecksStopsOnRinkelFailure(t *testing.T) {
	rk := fakeCallLister{err: &rinkel.HTTPError{StatusCode: 401, Message: "bad key"}}
	var out bytes.Buffer
	err := runChecks(context.Background(), rk, fakeInspector{}, config.Default().Salesforce, &out)
	if err == nil {
		t.Fatalf("expected rinkel failure")
	}
	if !strings.Contains(out.String(), "invalid API key (401)") || strings.Contains(out.String(), "3. Salesforce") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestCheckConfigListsMissingValues(t *testing.T) {
	cfg := config.Default()
	cfg.Rinkel.APIKey = "rk_live_0123456789abcdef"
	var out bytes.Buffer
	err := checkConfig(cfg, &out)
	if err == nil || !strings.Contains(err.Error(), "SF_INSTANCE_URL, SF_ACCESS_TOKEN") {
		t.Fatalf("expected missing salesforce settings, got %v", err)
	}
	if !strings.Contains(out.String(), "RINKEL_API_KEY = rk_liv...cdef") {
		t.Fatalf("expected masked api key in output:\n%s", out.String())
	}
}

func TestTokenCommandIssuesScopedToken(t *testing.T) {
	t.Setenv("RINKELRELAY_ADMIN_JWT_SECRET", "cli-test-secret")
	t.Setenv("RINKELRELAY_CONFIG", "")
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"token", "--scope", "admin:write", "--ttl", "1h", "--subject", "ops",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var claims httpapi.AdminClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), &claims, func(*jwt.Token) (any, error) {
		return []byte("cli-test-secret"), nil
	}, jwt.WithAudience("rinkelrelay"))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "ops" || len(claims.Scopes) != 1 || claims.Scopes[0] != "admin:write" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenCommandRejectsUnknownScope(t *testing.T) {
	t.Setenv("RINKELRELAY_ADMIN_JWT_SECRET", "cli-test-secret")
	t.Setenv("RINKELRELAY_CONFIG", "")
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "token", "--scope", "root"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "unknown scope") {
		t.Fatalf("expected unknown scope error, got %v", err)
	}
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSweeper) Sweep(context.Context, time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 1, nil
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRetentionSweepRunsUntilCancelled(t *testing.T) {
	store := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runRetentionSweep(ctx, store, time.Hour, 5*time.Millisecond, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep never ran twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweep loop did not stop")
	}
}

func TestBuildServiceWithDurableLocalProfile(t *testing.T) {
	cfg := config.Default()
	cfg.Rinkel.APIKey = "rk_test"
	cfg.Salesforce.InstanceURL = "https://example.my.salesforce.com"
	cfg.Salesforce.AccessToken = "sf_test"
	cfg.Relay.DataDir = t.TempDir()
	cfg.Relay.BackendProfile = "durable-local"

	svc, err := buildService(cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	defer svc.Close()
	if svc.engine.Store() != svc.store {
		t.Fatalf("engine should share the entry store")
	}
	if got := svc.redeliverer.Status(); got.Pending != 0 {
		t.Fatalf("expected empty redelivery queue, got %+v", got)
	}
}
