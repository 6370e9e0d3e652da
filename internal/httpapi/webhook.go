package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/rinkelrelay/internal/relay"
	"github.com/agentworkforce/rinkelrelay/internal/rinkel"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const webhookSchemaURL = "https://rinkelrelay.local/schemas/webhook.json"

// Rinkel posts only the call id; everything else comes from the call detail
// record.
const webhookSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "cause": {"type": "string"}
  }
}`

func compileWebhookSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(webhookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	schema, err := c.Compile(webhookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return schema, nil
}

type webhookPayload struct {
	ID    string
	Cause string
}

func (s *Server) decodeWebhook(body []byte) (webhookPayload, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return webhookPayload{}, errors.New("invalid json body")
	}
	if err := s.schema.Validate(inst); err != nil {
		return webhookPayload{}, fmt.Errorf("payload does not match webhook schema: %v", err)
	}
	obj := inst.(map[string]any)
	payload := webhookPayload{ID: strings.TrimSpace(obj["id"].(string))}
	if cause, ok := obj["cause"].(string); ok {
		payload.Cause = cause
	}
	if payload.ID == "" {
		return webhookPayload{}, errors.New("id must not be blank")
	}
	return payload, nil
}

type webhookMetrics struct {
	requests *prometheus.CounterVec
}

func newWebhookMetrics(reg prometheus.Registerer) *webhookMetrics {
	m := &webhookMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rinkelrelay",
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries by phase and response status.",
		}, []string{"phase", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests)
	}
	return m
}

func (m *webhookMetrics) observe(phase relay.Phase, status int) {
	m.requests.WithLabelValues(string(phase), fmt.Sprintf("%d", status)).Inc()
}

// ensureCorrelationID returns the caller's X-Correlation-Id or a fresh one,
// and echoes it on the response.
func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	correlationID := strings.TrimSpace(getCorrelationID(r))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	return correlationID
}

type webhookResponse struct {
	status int
	body   any
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, phase relay.Phase) {
	correlationID := ensureCorrelationID(w, r)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() { s.metrics.observe(phase, rec.status) }()
	w = rec

	if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.WebhookSecret != "" {
		now := s.now()
		timestamp := r.Header.Get("X-Webhook-Timestamp")
		signature := r.Header.Get("X-Webhook-Signature")
		if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "webhook replay detected", correlationID)
			return
		}
	}
	payload, err := s.decodeWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	logger := s.logger.With("callId", payload.ID, "phase", string(phase), "correlationId", correlationID)
	logger.InfoContext(r.Context(), "webhook received", "cause", payload.Cause)

	// Continue a caller's trace when it sent traceparent.
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	resp := s.processWebhook(ctx, phase, payload.ID, correlationID)
	if errBody, isErr := resp.body.(errorBody); isErr {
		if errBody.retryAfter != "" {
			w.Header().Set("Retry-After", errBody.retryAfter)
		}
		logger.WarnContext(r.Context(), "webhook failed", "status", resp.status, "code", errBody.code, "error", errBody.message)
		writeError(w, resp.status, errBody.code, errBody.message, correlationID)
		return
	}
	logger.InfoContext(r.Context(), "webhook handled", "status", resp.status)
	writeJSON(w, resp.status, resp.body)
}

type errorBody struct {
	code       string
	message    string
	retryAfter string
}

func failure(status int, code, message string) webhookResponse {
	return webhookResponse{status: status, body: errorBody{code: code, message: message}}
}

func unavailable(code, message, retryAfter string) webhookResponse {
	return webhookResponse{status: http.StatusServiceUnavailable, body: errorBody{code: code, message: message, retryAfter: retryAfter}}
}

func (s *Server) processWebhook(ctx context.Context, phase relay.Phase, callID, correlationID string) webhookResponse {
	details, err := s.fetchDetails(ctx, phase, callID)
	if err != nil {
		if errors.Is(err, rinkel.ErrNotFound) {
			return failure(http.StatusNotFound, "cdr_not_found", "call detail record not found for call "+callID)
		}
		return unavailable("upstream_unavailable", err.Error(), retryAfterSeconds(s.cfg.CDRRetryDelay))
	}

	event, err := details.Event(callID, phase)
	switch {
	case errors.Is(err, rinkel.ErrAnonymousCaller):
		return webhookResponse{status: http.StatusOK, body: map[string]any{"status": "skipped", "reason": "anonymous", "callId": callID}}
	case errors.Is(err, rinkel.ErrNoInsights):
		return webhookResponse{status: http.StatusOK, body: map[string]any{"status": "no_insights", "callId": callID}}
	case err != nil:
		return failure(http.StatusBadRequest, "malformed_event", err.Error())
	}

	outcome, err := s.deps.Processor.Apply(ctx, event)
	if err == nil {
		status := http.StatusOK
		if outcome.Created {
			status = http.StatusCreated
		}
		return webhookResponse{status: status, body: map[string]any{
			"status":        "ok",
			"callId":        callID,
			"recordId":      outcome.RecordID,
			"activityId":    outcome.ActivityID,
			"state":         outcome.State,
			"correlationId": correlationID,
		}}
	}

	kind, _ := relay.KindOf(err)
	switch kind {
	case relay.KindMalformedEvent:
		return failure(http.StatusBadRequest, "malformed_event", err.Error())
	case relay.KindNoMatchingRecord:
		if s.cfg.NoMatchPolicy != NoMatchDefer {
			return webhookResponse{status: http.StatusOK, body: map[string]any{"status": "skipped", "reason": "no_matching_record", "callId": callID}}
		}
		return s.deferEvent(event)
	case relay.KindUpstreamUnavailable:
		return s.deferEvent(event)
	case relay.KindUpstreamRejected:
		return failure(http.StatusBadGateway, "upstream_rejected", err.Error())
	default:
		return failure(http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// fetchDetails waits for the call detail record of an ended call, which
// Rinkel publishes shortly after the webhook, and retries once when it is
// still missing. Insights webhooks fire after the record exists.
func (s *Server) fetchDetails(ctx context.Context, phase relay.Phase, callID string) (rinkel.CallDetails, error) {
	if phase != relay.PhaseEnded {
		return s.deps.Fetcher.FetchCallDetails(ctx, callID)
	}
	if err := s.sleep(ctx, s.cfg.CDRFetchDelay); err != nil {
		return rinkel.CallDetails{}, err
	}
	details, err := s.deps.Fetcher.FetchCallDetails(ctx, callID)
	if err == nil || !errors.Is(err, rinkel.ErrNotFound) {
		return details, err
	}
	s.logger.WarnContext(ctx, "call detail record not yet available, retrying", "callId", callID, "delay", s.cfg.CDRRetryDelay)
	if err := s.sleep(ctx, s.cfg.CDRRetryDelay); err != nil {
		return rinkel.CallDetails{}, err
	}
	return s.deps.Fetcher.FetchCallDetails(ctx, callID)
}

func (s *Server) deferEvent(event relay.CallEvent) webhookResponse {
	if s.deps.Redelivery == nil {
		return unavailable("upstream_unavailable", "upstream unavailable and redelivery is disabled", "30")
	}
	if err := s.deps.Redelivery.Defer(event); err != nil {
		return unavailable("queue_full", err.Error(), "30")
	}
	return webhookResponse{status: http.StatusAccepted, body: map[string]any{"status": "deferred", "callId": event.CallID}}
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(d.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
