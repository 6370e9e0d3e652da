package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/rinkelrelay/internal/relay"
	"github.com/agentworkforce/rinkelrelay/internal/rinkel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	NoMatchDrop  = "drop"
	NoMatchDefer = "defer"
)

type ServerConfig struct {
	// WebhookSecret enables HMAC verification of webhook deliveries.
	WebhookSecret  string
	WebhookMaxSkew time.Duration
	CDRFetchDelay  time.Duration
	CDRRetryDelay  time.Duration
	NoMatchPolicy  string

	// AdminJWTSecret enables the /v1/admin routes; without it they answer 404.
	AdminJWTSecret   string
	AdminJWTAudience string

	IngressRPS   float64
	IngressBurst int
	MaxBodyBytes int64
}

// Processor applies one call event; *relay.Engine implements it.
type Processor interface {
	Apply(ctx context.Context, event relay.CallEvent) (relay.Outcome, error)
}

// Fetcher loads the call detail record a webhook refers to.
type Fetcher interface {
	FetchCallDetails(ctx context.Context, callID string) (rinkel.CallDetails, error)
}

// Redelivery is the deferred-retry queue; *relay.Redeliverer implements it.
type Redelivery interface {
	Defer(event relay.CallEvent) error
	ListDeadLetters(cursor string, limit int) (relay.DeadLetterFeed, error)
	GetDeadLetter(id string) (relay.DeadLetter, error)
	AcknowledgeDeadLetter(id string) error
	ReplayDeadLetter(id string) error
	Status() relay.RedeliveryStatus
}

// EntryReader reads correlation entries for the admin API.
type EntryReader interface {
	Load(ctx context.Context, callID string) (*relay.CorrelationEntry, error)
}

type Dependencies struct {
	Processor  Processor
	Fetcher    Fetcher
	Redelivery Redelivery
	Entries    EntryReader
	Feed       *Feed
	// Gatherer backs /metrics. Registerer receives the webhook counters.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

type Server struct {
	deps           Dependencies
	cfg            ServerConfig
	logger         *slog.Logger
	limiter        *ipRateLimiter
	schema         *jsonschema.Schema
	metrics        *webhookMetrics
	metricsHandler http.Handler
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time

	replayMu   sync.Mutex
	replaySeen map[string]time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) (*Server, error) {
	if deps.Processor == nil || deps.Fetcher == nil {
		return nil, errors.New("httpapi: processor and fetcher are required")
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.NoMatchPolicy == "" {
		cfg.NoMatchPolicy = NoMatchDrop
	}
	if cfg.AdminJWTAudience == "" {
		cfg.AdminJWTAudience = "rinkelrelay"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileWebhookSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
		schema:     schema,
		metrics:    newWebhookMetrics(deps.Registerer),
		sleep:      waitWithContext,
		now:        func() time.Time { return time.Now().UTC() },
		replaySeen: map[string]time.Time{},
	}
	if cfg.IngressRPS > 0 {
		s.limiter = newIPRateLimiter(cfg.IngressRPS, cfg.IngressBurst)
	}
	if deps.Gatherer != nil {
		s.metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}
	return s, nil
}

// Close stops background limiter cleanup.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.stop()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		if s.metricsHandler == nil {
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
			return
		}
		s.metricsHandler.ServeHTTP(w, r)
		return
	case r.URL.Path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/webhook/callend" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, relay.PhaseEnded)
		return
	case r.URL.Path == "/webhook/callinsights" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, relay.PhaseInsightsReady)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "admin" || s.cfg.AdminJWTSecret == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[2] == "calls" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "call"
	case len(parts) == 3 && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "dead_letters"
	case len(parts) == 4 && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "dead_letter"
	case len(parts) == 5 && parts[2] == "dead-letters" && parts[4] == "ack" && r.Method == http.MethodPost:
		requiredScope = scopeAdminWrite
		route = "dead_letter_ack"
	case len(parts) == 5 && parts[2] == "dead-letters" && parts[4] == "replay" && r.Method == http.MethodPost:
		requiredScope = scopeAdminWrite
		route = "dead_letter_replay"
	case len(parts) == 3 && parts[2] == "redelivery" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "redelivery"
	case len(parts) == 3 && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" && route == "stream" {
		// Browsers cannot set headers on a websocket handshake.
		token = r.URL.Query().Get("access_token")
	}
	if _, authErr := authorizeAdmin(token, s.cfg.AdminJWTSecret, s.cfg.AdminJWTAudience, requiredScope, s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := ensureCorrelationID(w, r)

	switch route {
	case "call":
		s.handleCall(w, r, parts[3], correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, r, correlationID)
	case "dead_letter":
		s.handleDeadLetter(w, parts[3], correlationID)
	case "dead_letter_ack":
		s.handleDeadLetterAck(w, parts[3], correlationID)
	case "dead_letter_replay":
		s.handleDeadLetterReplay(w, parts[3], correlationID)
	case "redelivery":
		s.handleRedeliveryStatus(w, correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	}
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, callID, correlationID string) {
	if s.deps.Entries == nil {
		writeError(w, http.StatusNotFound, "not_found", "entry store not configured", correlationID)
		return
	}
	entry, err := s.deps.Entries.Load(r.Context(), callID)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "no entry for call "+callID, correlationID)
		case errors.Is(err, relay.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":   entry,
		"state":   entry.State(),
		"preview": relay.Compose(*entry),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !s.requireRedelivery(w, correlationID) {
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	feed, err := s.deps.Redelivery.ListDeadLetters(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, id, correlationID string) {
	if !s.requireRedelivery(w, correlationID) {
		return
	}
	item, err := s.deps.Redelivery.GetDeadLetter(id)
	if err != nil {
		writeDeadLetterError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, id, correlationID string) {
	if !s.requireRedelivery(w, correlationID) {
		return
	}
	if err := s.deps.Redelivery.AcknowledgeDeadLetter(id); err != nil {
		writeDeadLetterError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "acknowledged", "correlationId": correlationID})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, id, correlationID string) {
	if !s.requireRedelivery(w, correlationID) {
		return
	}
	if err := s.deps.Redelivery.ReplayDeadLetter(id); err != nil {
		if errors.Is(err, relay.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), correlationID)
			return
		}
		writeDeadLetterError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "queued", "correlationId": correlationID})
}

func (s *Server) handleRedeliveryStatus(w http.ResponseWriter, correlationID string) {
	if !s.requireRedelivery(w, correlationID) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Redelivery.Status())
}

func (s *Server) requireRedelivery(w http.ResponseWriter, correlationID string) bool {
	if s.deps.Redelivery == nil {
		writeError(w, http.StatusNotFound, "not_found", "redelivery not configured", correlationID)
		return false
	}
	return true
}

func writeDeadLetterError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.WebhookMaxSkew)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
