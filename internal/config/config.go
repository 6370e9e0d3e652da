// Package config loads rinkelrelay settings from an optional .env file, an
// optional YAML file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	NoMatchDrop  = "drop"
	NoMatchDefer = "defer"
)

type Config struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Rinkel     RinkelConfig     `yaml:"rinkel"`
	Salesforce SalesforceConfig `yaml:"salesforce"`
	Relay      RelayConfig      `yaml:"relay"`
	Redelivery RedeliveryConfig `yaml:"redelivery"`
	Ingress    IngressConfig    `yaml:"ingress"`
	Admin      AdminConfig      `yaml:"admin"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type RinkelConfig struct {
	APIKey         string `yaml:"apiKey"`
	BaseURL        string `yaml:"baseURL"`
	WebhookBaseURL string `yaml:"webhookBaseURL"`
	// WebhookSecret enables HMAC verification of inbound webhooks.
	WebhookSecret  string        `yaml:"webhookSecret"`
	WebhookMaxSkew time.Duration `yaml:"webhookMaxSkew"`
	// CDRFetchDelay is waited before the first call detail fetch, CDRRetryDelay
	// before the single retry.
	CDRFetchDelay time.Duration `yaml:"cdrFetchDelay"`
	CDRRetryDelay time.Duration `yaml:"cdrRetryDelay"`
}

type SalesforceConfig struct {
	InstanceURL       string  `yaml:"instanceURL"`
	AccessToken       string  `yaml:"accessToken"`
	APIVersion        string  `yaml:"apiVersion"`
	WeborderObject    string  `yaml:"weborderObject"`
	PhoneField        string  `yaml:"phoneField"`
	StatusField       string  `yaml:"statusField"`
	StatusFilter      string  `yaml:"statusFilter"`
	MatchNewest       bool    `yaml:"matchNewest"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

type RelayConfig struct {
	DefaultCountryPrefix string `yaml:"defaultCountryPrefix"`
	// StateDSN wins over BackendProfile when both are set.
	StateDSN         string        `yaml:"stateDSN"`
	BackendProfile   string        `yaml:"backendProfile"`
	DataDir          string        `yaml:"dataDir"`
	Retention        time.Duration `yaml:"retention"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay    time.Duration `yaml:"retryMaxDelay"`
	UpstreamDeadline time.Duration `yaml:"upstreamDeadline"`
	NoMatchPolicy    string        `yaml:"noMatchPolicy"`
}

type RedeliveryConfig struct {
	QueueSize      int           `yaml:"queueSize"`
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	Delay          time.Duration `yaml:"delay"`
	MaxDeadLetters int           `yaml:"maxDeadLetters"`
}

type IngressConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
	MaxBodyBytes      int64   `yaml:"maxBodyBytes"`
}

type AdminConfig struct {
	JWTSecret   string `yaml:"jwtSecret"`
	JWTAudience string `yaml:"jwtAudience"`
}

// TelemetryConfig controls span export. An empty OTLPEndpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sampleRate"`
}

func Default() *Config {
	return &Config{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Rinkel: RinkelConfig{
			BaseURL:        "https://api.rinkel.com",
			WebhookMaxSkew: 5 * time.Minute,
			CDRFetchDelay:  3 * time.Second,
			CDRRetryDelay:  5 * time.Second,
		},
		Salesforce: SalesforceConfig{
			APIVersion:     "v59.0",
			WeborderObject: "Weborder__c",
			PhoneField:     "Eindklant_Telefoonnummer__c",
			StatusField:    "Status__c",
		},
		Relay: RelayConfig{
			DefaultCountryPrefix: "+31",
			DataDir:              ".rinkelrelay",
			Retention:            7 * 24 * time.Hour,
			SweepInterval:        time.Hour,
			MaxAttempts:          3,
			RetryBaseDelay:       200 * time.Millisecond,
			RetryMaxDelay:        2 * time.Second,
			UpstreamDeadline:     20 * time.Second,
			NoMatchPolicy:        NoMatchDrop,
		},
		Redelivery: RedeliveryConfig{
			QueueSize:      1024,
			Workers:        2,
			MaxAttempts:    5,
			Delay:          30 * time.Second,
			MaxDeadLetters: 1000,
		},
		Ingress: IngressConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			MaxBodyBytes:      1 << 20,
		},
		Admin: AdminConfig{
			JWTAudience: "rinkelrelay",
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1,
		},
	}
}

type LoadOptions struct {
	// EnvFile is loaded into the process environment when it exists. Values
	// already set in the environment win.
	EnvFile string
	// ConfigFile overrides RINKELRELAY_CONFIG.
	ConfigFile string
	Logger     *slog.Logger
}

// Load builds the configuration: defaults, then the YAML file, then the
// environment.
func Load(opts LoadOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	envFile := strings.TrimSpace(opts.EnvFile)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	cfg := Default()
	configFile := strings.TrimSpace(opts.ConfigFile)
	if configFile == "" {
		configFile = strings.TrimSpace(os.Getenv("RINKELRELAY_CONFIG"))
	}
	if configFile != "" {
		if err := cfg.mergeFile(configFile); err != nil {
			return nil, err
		}
	}
	env := envReader{logger: logger}
	env.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Relay.NoMatchPolicy {
	case NoMatchDrop, NoMatchDefer:
	default:
		return fmt.Errorf("relay.noMatchPolicy must be %q or %q, got %q", NoMatchDrop, NoMatchDefer, c.Relay.NoMatchPolicy)
	}
	if !strings.HasPrefix(c.Relay.DefaultCountryPrefix, "+") || len(c.Relay.DefaultCountryPrefix) < 2 {
		return fmt.Errorf("relay.defaultCountryPrefix must look like +31, got %q", c.Relay.DefaultCountryPrefix)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("logFormat must be text or json, got %q", c.LogFormat)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sampleRate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
	}
	return nil
}

// RequireRinkel reports missing settings for commands that call Rinkel.
func (c *Config) RequireRinkel() error {
	if strings.TrimSpace(c.Rinkel.APIKey) == "" {
		return errors.New("RINKEL_API_KEY is required")
	}
	return nil
}

// RequireSalesforce reports missing settings for commands that call
// Salesforce.
func (c *Config) RequireSalesforce() error {
	var missing []string
	if strings.TrimSpace(c.Salesforce.InstanceURL) == "" {
		missing = append(missing, "SF_INSTANCE_URL")
	}
	if strings.TrimSpace(c.Salesforce.AccessToken) == "" {
		missing = append(missing, "SF_ACCESS_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, " and "))
	}
	return nil
}

// StateDSN resolves the entry backend DSN from the explicit DSN or the
// backend profile. An empty result means in-memory state.
func (c *Config) StateDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Relay.StateDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.Relay.DataDir)
	if dataDir == "" {
		dataDir = ".rinkelrelay"
	}
	profile := strings.ToLower(strings.TrimSpace(c.Relay.BackendProfile))
	switch profile {
	case "", "memory", "inmemory":
		return "", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "state.db"), nil
	case "file":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("RINKELRELAY_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("RINKELRELAY_POSTGRES_DSN is required when RINKELRELAY_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported RINKELRELAY_BACKEND_PROFILE: %s", profile)
	}
}

// Mask shortens a secret for display.
func Mask(value string) string {
	if len(value) > 10 {
		return value[:6] + "..." + value[len(value)-4:]
	}
	if value == "" {
		return ""
	}
	return "***"
}
