package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/rinkelrelay/internal/config"
	"github.com/agentworkforce/rinkelrelay/internal/httpapi"
	"github.com/agentworkforce/rinkelrelay/internal/relay"
	"github.com/agentworkforce/rinkelrelay/internal/rinkel"
	"github.com/agentworkforce/rinkelrelay/internal/salesforce"
	"github.com/agentworkforce/rinkelrelay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.RequireRinkel(); err != nil {
				return err
			}
			if err := cfg.RequireSalesforce(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// service is the wired relay: clients, store, engine, redelivery and the
// HTTP handler.
type service struct {
	store       *relay.CallEventStore
	engine      *relay.Engine
	redeliverer *relay.Redeliverer
	handler     *httpapi.Server
	registry    *prometheus.Registry
}

func buildService(cfg *config.Config, logger *slog.Logger) (*service, error) {
	dsn, err := cfg.StateDSN()
	if err != nil {
		return nil, err
	}
	if err := ensureDataDir(cfg, dsn); err != nil {
		return nil, err
	}
	backend, err := relay.BuildEntryBackendFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize entry backend: %w", err)
	}
	store := relay.NewCallEventStore(relay.CallEventStoreOptions{Backend: backend})

	sf, err := salesforce.NewClient(salesforce.Options{
		InstanceURL:       cfg.Salesforce.InstanceURL,
		AccessToken:       cfg.Salesforce.AccessToken,
		APIVersion:        cfg.Salesforce.APIVersion,
		WeborderObject:    cfg.Salesforce.WeborderObject,
		PhoneField:        cfg.Salesforce.PhoneField,
		StatusField:       cfg.Salesforce.StatusField,
		StatusFilter:      cfg.Salesforce.StatusFilter,
		MatchNewest:       cfg.Salesforce.MatchNewest,
		RequestsPerSecond: cfg.Salesforce.RequestsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rk := newRinkelClient(cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(registry)
	feed := httpapi.NewFeed()

	engine, err := relay.NewEngine(relay.EngineOptions{
		Store: store,
		Resolver: relay.NewPhoneMatcher(relay.PhoneMatcherOptions{
			Lookup:               sf,
			DefaultCountryPrefix: cfg.Relay.DefaultCountryPrefix,
			Logger:               logger,
		}),
		Writer:      sf,
		Finder:      sf,
		MaxAttempts: cfg.Relay.MaxAttempts,
		BaseDelay:   cfg.Relay.RetryBaseDelay,
		MaxDelay:    cfg.Relay.RetryMaxDelay,
		Deadline:    cfg.Relay.UpstreamDeadline,
		Metrics:     metrics,
		Tracer:      otel.Tracer("github.com/agentworkforce/rinkelrelay"),
		Observer:    feed.Publish,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	redeliverer := relay.NewRedeliverer(relay.RedeliveryOptions{
		Handler:        engine,
		QueueSize:      cfg.Redelivery.QueueSize,
		Workers:        cfg.Redelivery.Workers,
		MaxAttempts:    cfg.Redelivery.MaxAttempts,
		Delay:          cfg.Redelivery.Delay,
		RetryNoMatch:   cfg.Relay.NoMatchPolicy == config.NoMatchDefer,
		MaxDeadLetters: cfg.Redelivery.MaxDeadLetters,
		Metrics:        metrics,
		Logger:         logger,
	})

	handler, err := httpapi.NewServer(httpapi.Dependencies{
		Processor:  engine,
		Fetcher:    rk,
		Redelivery: redeliverer,
		Entries:    store,
		Feed:       feed,
		Gatherer:   registry,
		Registerer: registry,
		Logger:     logger,
	}, httpapi.ServerConfig{
		WebhookSecret:    cfg.Rinkel.WebhookSecret,
		WebhookMaxSkew:   cfg.Rinkel.WebhookMaxSkew,
		CDRFetchDelay:    cfg.Rinkel.CDRFetchDelay,
		CDRRetryDelay:    cfg.Rinkel.CDRRetryDelay,
		NoMatchPolicy:    cfg.Relay.NoMatchPolicy,
		AdminJWTSecret:   cfg.Admin.JWTSecret,
		AdminJWTAudience: cfg.Admin.JWTAudience,
		IngressRPS:       cfg.Ingress.RequestsPerSecond,
		IngressBurst:     cfg.Ingress.Burst,
		MaxBodyBytes:     cfg.Ingress.MaxBodyBytes,
	})
	if err != nil {
		redeliverer.Close()
		_ = store.Close()
		return nil, err
	}
	return &service{
		store:       store,
		engine:      engine,
		redeliverer: redeliverer,
		handler:     handler,
		registry:    registry,
	}, nil
}

func (s *service) Close() error {
	s.handler.Close()
	s.redeliverer.Close()
	return s.store.Close()
}

func newRinkelClient(cfg *config.Config) *rinkel.Client {
	return rinkel.NewClient(rinkel.Options{
		BaseURL:   cfg.Rinkel.BaseURL,
		APIKey:    cfg.Rinkel.APIKey,
		UserAgent: "rinkelrelay/" + version,
	})
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "rinkelrelay",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	svc, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close entry store", "error", err)
		}
	}()

	go runRetentionSweep(ctx, svc.store, cfg.Relay.Retention, cfg.Relay.SweepInterval, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rinkelrelay listening", "addr", cfg.Addr, "version", version, "noMatchPolicy", cfg.Relay.NoMatchPolicy)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// runRetentionSweep removes entries untouched for longer than retention until
// ctx ends.
func runRetentionSweep(ctx context.Context, store sweeper, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Sweep(ctx, retention)
			if err != nil {
				logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("retention sweep removed entries", "removed", removed)
			}
		}
	}
}

func ensureDataDir(cfg *config.Config, dsn string) error {
	if !strings.HasPrefix(dsn, "sqlite://") && !strings.HasPrefix(dsn, "file://") {
		return nil
	}
	dir := strings.TrimSpace(cfg.Relay.DataDir)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
