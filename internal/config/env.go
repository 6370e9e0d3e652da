package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader overlays environment variables. Unparseable values keep the
// current setting and log a warning.
type envReader struct {
	logger *slog.Logger
}

func (r envReader) apply(c *Config) {
	c.Addr = r.stringEnv("RINKELRELAY_ADDR", c.Addr)
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && os.Getenv("RINKELRELAY_ADDR") == "" {
		c.Addr = ":" + port
	}
	c.LogLevel = r.stringEnv("RINKELRELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = r.stringEnv("RINKELRELAY_LOG_FORMAT", c.LogFormat)

	c.Rinkel.APIKey = r.stringEnv("RINKEL_API_KEY", c.Rinkel.APIKey)
	c.Rinkel.BaseURL = r.stringEnv("RINKEL_BASE_URL", c.Rinkel.BaseURL)
	c.Rinkel.WebhookBaseURL = r.stringEnv("WEBHOOK_BASE_URL", c.Rinkel.WebhookBaseURL)
	c.Rinkel.WebhookSecret = r.stringEnv("RINKELRELAY_WEBHOOK_SECRET", c.Rinkel.WebhookSecret)
	c.Rinkel.WebhookMaxSkew = r.durationEnv("RINKELRELAY_WEBHOOK_MAX_SKEW", c.Rinkel.WebhookMaxSkew)
	c.Rinkel.CDRFetchDelay = r.durationEnv("RINKELRELAY_CDR_FETCH_DELAY", c.Rinkel.CDRFetchDelay)
	c.Rinkel.CDRRetryDelay = r.durationEnv("RINKELRELAY_CDR_RETRY_DELAY", c.Rinkel.CDRRetryDelay)

	c.Salesforce.InstanceURL = r.stringEnv("SF_INSTANCE_URL", c.Salesforce.InstanceURL)
	c.Salesforce.AccessToken = r.stringEnv("SF_ACCESS_TOKEN", c.Salesforce.AccessToken)
	c.Salesforce.APIVersion = r.stringEnv("SF_API_VERSION", c.Salesforce.APIVersion)
	c.Salesforce.WeborderObject = r.stringEnv("SF_WEBORDER_OBJECT", c.Salesforce.WeborderObject)
	c.Salesforce.PhoneField = r.stringEnv("SF_WEBORDER_PHONE_FIELD", c.Salesforce.PhoneField)
	c.Salesforce.StatusField = r.stringEnv("SF_WEBORDER_STATUS_FIELD", c.Salesforce.StatusField)
	c.Salesforce.StatusFilter = r.stringEnv("SF_WEBORDER_STATUS_FILTER", c.Salesforce.StatusFilter)
	c.Salesforce.MatchNewest = r.boolEnv("SF_WEBORDER_MATCH_NEWEST", c.Salesforce.MatchNewest)
	c.Salesforce.RequestsPerSecond = r.floatEnv("SF_RATE_LIMIT_RPS", c.Salesforce.RequestsPerSecond)

	c.Relay.DefaultCountryPrefix = r.stringEnv("RINKELRELAY_DEFAULT_COUNTRY_PREFIX", c.Relay.DefaultCountryPrefix)
	c.Relay.StateDSN = r.stringEnv("RINKELRELAY_STATE_DSN", c.Relay.StateDSN)
	c.Relay.BackendProfile = r.stringEnv("RINKELRELAY_BACKEND_PROFILE", c.Relay.BackendProfile)
	c.Relay.DataDir = r.stringEnv("RINKELRELAY_DATA_DIR", c.Relay.DataDir)
	c.Relay.Retention = r.durationEnv("RINKELRELAY_RETENTION", c.Relay.Retention)
	c.Relay.SweepInterval = r.durationEnv("RINKELRELAY_SWEEP_INTERVAL", c.Relay.SweepInterval)
	c.Relay.MaxAttempts = r.intEnv("RINKELRELAY_MAX_ATTEMPTS", c.Relay.MaxAttempts)
	c.Relay.RetryBaseDelay = r.durationEnv("RINKELRELAY_RETRY_BASE_DELAY", c.Relay.RetryBaseDelay)
	c.Relay.RetryMaxDelay = r.durationEnv("RINKELRELAY_RETRY_MAX_DELAY", c.Relay.RetryMaxDelay)
	c.Relay.UpstreamDeadline = r.durationEnv("RINKELRELAY_UPSTREAM_DEADLINE", c.Relay.UpstreamDeadline)
	c.Relay.NoMatchPolicy = strings.ToLower(r.stringEnv("RINKELRELAY_NO_MATCH_POLICY", c.Relay.NoMatchPolicy))

	c.Redelivery.QueueSize = r.intEnv("RINKELRELAY_REDELIVERY_QUEUE_SIZE", c.Redelivery.QueueSize)
	c.Redelivery.Workers = r.intEnv("RINKELRELAY_REDELIVERY_WORKERS", c.Redelivery.Workers)
	c.Redelivery.MaxAttempts = r.intEnv("RINKELRELAY_REDELIVERY_MAX_ATTEMPTS", c.Redelivery.MaxAttempts)
	c.Redelivery.Delay = r.durationEnv("RINKELRELAY_REDELIVERY_DELAY", c.Redelivery.Delay)
	c.Redelivery.MaxDeadLetters = r.intEnv("RINKELRELAY_REDELIVERY_MAX_DEAD_LETTERS", c.Redelivery.MaxDeadLetters)

	c.Ingress.RequestsPerSecond = r.floatEnv("RINKELRELAY_INGRESS_RPS", c.Ingress.RequestsPerSecond)
	c.Ingress.Burst = r.intEnv("RINKELRELAY_INGRESS_BURST", c.Ingress.Burst)
	c.Ingress.MaxBodyBytes = r.int64Env("RINKELRELAY_MAX_BODY_BYTES", c.Ingress.MaxBodyBytes)

	c.Admin.JWTSecret = r.stringEnv("RINKELRELAY_ADMIN_JWT_SECRET", c.Admin.JWTSecret)
	c.Admin.JWTAudience = r.stringEnv("RINKELRELAY_ADMIN_JWT_AUDIENCE", c.Admin.JWTAudience)

	c.Telemetry.OTLPEndpoint = r.stringEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.Insecure = r.boolEnv("RINKELRELAY_OTEL_INSECURE", c.Telemetry.Insecure)
	c.Telemetry.SampleRate = r.floatEnv("RINKELRELAY_TRACE_SAMPLE_RATE", c.Telemetry.SampleRate)
}

func (r envReader) stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func (r envReader) intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (r envReader) int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (r envReader) floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (r envReader) boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		r.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (r envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (r envReader) invalid(name, raw string, fallback any) {
	r.logger.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
}
