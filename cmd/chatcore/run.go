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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatcore/core/internal/auth"
	"github.com/chatcore/core/internal/cache"
	"github.com/chatcore/core/internal/circuitbreaker"
	"github.com/chatcore/core/internal/config"
	"github.com/chatcore/core/internal/contextmgr"
	"github.com/chatcore/core/internal/llmprovider"
	"github.com/chatcore/core/internal/llmprovider/anthropic"
	"github.com/chatcore/core/internal/llmprovider/gemini"
	"github.com/chatcore/core/internal/llmprovider/mock"
	"github.com/chatcore/core/internal/llmprovider/ollama"
	"github.com/chatcore/core/internal/llmprovider/openai"
	"github.com/chatcore/core/internal/orchestrator"
	"github.com/chatcore/core/internal/ratelimit"
	"github.com/chatcore/core/internal/safety"
	"github.com/chatcore/core/internal/storage/sqlite"
	"github.com/chatcore/core/internal/telemetry"
	"github.com/chatcore/core/internal/transport"
	"github.com/chatcore/core/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting chatcore", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Prometheus metrics, constructed before the provider registry and
	// orchestrator so both can be wired with a non-nil collector.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("chatcore/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Shared DNS cache for adapters that dial out over HTTP directly.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	reg := llmprovider.NewRegistry(circuitbreaker.DefaultConfig(), metrics)
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		var prov llmprovider.Provider
		switch p.ResolvedType() {
		case "openai":
			prov = openai.New(p.Name, p.APIKey, p.BaseURL, dnsResolver)
		case "anthropic":
			prov = anthropic.New(p.Name, p.APIKey, p.BaseURL, nil)
		case "gemini":
			prov = gemini.New(p.Name, p.APIKey, p.BaseURL, dnsResolver)
		case "ollama":
			prov = ollama.New(p.Name, p.BaseURL, dnsResolver)
		case "mock":
			prov = mock.New(p.Name)
		default:
			slog.Warn("unknown provider type, skipping", "name", p.Name, "type", p.ResolvedType())
			continue
		}
		reg.Register(prov)
		slog.Info("provider registered", "name", p.Name, "type", p.ResolvedType())
	}

	// The default provider always exists, even with an empty providers:
	// block in the config file, so a fresh checkout can serve turns without
	// any external credentials configured.
	if _, err := reg.Get(cfg.Chat.DefaultProvider); err != nil {
		reg.Register(mock.New(cfg.Chat.DefaultProvider))
		slog.Info("default provider not configured, registered mock", "name", cfg.Chat.DefaultProvider)
	}
	reg.SetDefault(cfg.Chat.DefaultProvider)

	// Services.
	safetyGate := safety.NewGate(nil, cfg.Safety.InboundConfidenceThreshold)
	turnRateLimiter := ratelimit.NewRegistry()
	httpRateLimiter := ratelimit.NewRegistry()
	quotaTracker := ratelimit.NewQuotaTracker()

	defaultProvider, err := reg.Default()
	if err != nil {
		return fmt.Errorf("default provider: %w", err)
	}
	var summariser contextmgr.Summariser = contextmgr.NewLLMSummariser(defaultProvider, summarisationModel(cfg))
	if cfg.Cache.Enabled {
		summaryCache, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if err != nil {
			return err
		}
		summariser = contextmgr.NewCachingSummariser(summariser, summaryCache, cfg.Cache.DefaultTTL, metrics)
		slog.Info("summary cache enabled", "max_size", cfg.Cache.MaxSize, "default_ttl", cfg.Cache.DefaultTTL)
	}

	// Token accounting is batched and flushed asynchronously; TokenRecorder
	// also stands in for the orchestrator's session store so GetSession and
	// SetSessionTitle pass straight through to the database.
	tokenRecorder := worker.NewTokenRecorder(store, store)

	contextMgr := contextmgr.NewManager(contextmgr.Config{
		MaxTokens:      cfg.Chat.MaxContextTokens,
		ThresholdRatio: cfg.Chat.SummarisationThreshold,
		Store:          store,
		Summariser:     summariser,
		Sessions:       tokenRecorder,
		RecentWindow:   time.Duration(cfg.Chat.SummarisationRecentWindowMinutes) * time.Minute,
	})

	bearerAuth, err := auth.NewBearerAuth(store)
	if err != nil {
		return err
	}

	orchCfg := orchestrator.Config{
		RequestLimits: ratelimit.Limits{
			MaxRequests: cfg.RateLimits.ChatMaxRequests,
			Window:      time.Duration(cfg.RateLimits.WindowMs) * time.Millisecond,
			MaxTokens:   cfg.RateLimits.DefaultTPM,
		},
		DailyRequestLimit: cfg.Chat.DailyRequestLimit,
		DailyTokenLimit:   cfg.Chat.DailyTokenLimit,
		Metrics:           metrics,
	}
	orch := orchestrator.New(orchCfg, turnRateLimiter, quotaTracker, safetyGate, contextMgr, reg, tokenRecorder)

	slog.Info("rate limits configured",
		"chat_max_requests", cfg.RateLimits.ChatMaxRequests,
		"default_tpm", cfg.RateLimits.DefaultTPM,
	)

	sessionTTL := time.Duration(cfg.Chat.SessionTTLDays) * 24 * time.Hour
	workers := []worker.Worker{
		tokenRecorder,
		worker.NewQuotaSyncWorker(quotaTracker, store),
		worker.NewSessionExpirySweeper(store, sessionTTL),
		worker.NewRateLimiterEvictor(turnRateLimiter),
		worker.NewRateLimiterEvictor(httpRateLimiter),
	}
	runner := worker.NewRunner(workers...)

	handler := transport.New(transport.Deps{
		Auth:           bearerAuth,
		TokenAuth:      bearerAuth,
		Orchestrator:   orch,
		Store:          store,
		RateLimiter:    httpRateLimiter,
		HTTPLimits: ratelimit.Limits{
			MaxRequests: cfg.RateLimits.MaxRequests,
			Window:      time.Duration(cfg.RateLimits.WindowMs) * time.Millisecond,
		},
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("chatcore ready", "addr", cfg.Server.Addr, "default_provider", cfg.Chat.DefaultProvider)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers, so in-flight turns finish recording.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("chatcore stopped")
	return nil
}

// summarisationModel picks the model used for automatic context
// summarisation: the first model listed against the default provider's
// config entry, or "" to let the provider adapter apply its own default.
func summarisationModel(cfg *config.Config) string {
	for _, p := range cfg.Providers {
		if p.Name == cfg.Chat.DefaultProvider && len(p.Models) > 0 {
			return p.Models[0]
		}
	}
	return ""
}
