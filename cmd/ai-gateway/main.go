package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/cache"
	"github.com/tributary-ai/ai-gateway/internal/config"
	"github.com/tributary-ai/ai-gateway/internal/gateway"
	"github.com/tributary-ai/ai-gateway/internal/health"
	"github.com/tributary-ai/ai-gateway/internal/providers"
	"github.com/tributary-ai/ai-gateway/internal/providers/anthropic"
	"github.com/tributary-ai/ai-gateway/internal/providers/openai"
	"github.com/tributary-ai/ai-gateway/internal/quota"
	"github.com/tributary-ai/ai-gateway/internal/routing"
	"github.com/tributary-ai/ai-gateway/internal/security"
	"github.com/tributary-ai/ai-gateway/internal/server"
	"github.com/tributary-ai/ai-gateway/internal/types"
	"github.com/tributary-ai/ai-gateway/internal/usage"
)

// Application wires the gateway's components together.
type Application struct {
	config   *config.Config
	server   *server.Server
	store    quota.TenantStore
	recorder *usage.Recorder
	audit    *security.AuditLogger
	logger   *logrus.Logger
}

// NewApplication builds the full component graph from configuration.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	registry := health.NewRegistry(logger, prometheus.DefaultRegisterer)

	clients := make(map[string]*providers.ResilientClient)
	catalog := make(map[string][]types.ModelInfo)

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		adapter := openai.NewAdapter(cfg.Providers.OpenAI, logger)
		clients[adapter.Name()] = providers.NewResilientClient(adapter, registry, cfg.Providers.OpenAI.Client, logger)
		catalog[adapter.Name()] = adapter.Models()
		logger.WithFields(logrus.Fields{
			"provider": adapter.Name(),
			"models":   len(cfg.Providers.OpenAI.Models),
		}).Info("Provider registered")
	}
	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		adapter := anthropic.NewAdapter(cfg.Providers.Anthropic, logger)
		clients[adapter.Name()] = providers.NewResilientClient(adapter, registry, cfg.Providers.Anthropic.Client, logger)
		catalog[adapter.Name()] = adapter.Models()
		logger.WithFields(logrus.Fields{
			"provider": adapter.Name(),
			"models":   len(cfg.Providers.Anthropic.Models),
		}).Info("Provider registered")
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no providers were registered, check your configuration and API keys")
	}

	store, err := quota.OpenSQLite(cfg.Quota.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant store: %w", err)
	}

	tokens := quota.NewTokenIssuer([]byte(cfg.Quota.TokenSecret), cfg.Quota.TokenTTL)
	guard := quota.NewGuard(store, tokens, logger)

	aggregates := routing.NewAggregateStore()
	engine := routing.NewEngine(catalog, aggregates, registry, logger)

	cacheLayer := cache.New(cfg.Cache, logger)

	var sink usage.TelemetrySink = usage.NoopSink{}
	if cfg.Telemetry.NATSURL != "" {
		natsSink, err := usage.NewNATSSink(cfg.Telemetry.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect telemetry sink: %w", err)
		}
		sink = natsSink
	}
	recorder := usage.NewRecorder(store, aggregates, sink, cfg.Telemetry.QueueSize, logger)

	audit := security.NewAuditLogger(cfg.Audit, logger)

	gw := gateway.New(guard, cacheLayer, engine, clients, recorder, audit, logger)

	srv, err := server.New(gw, guard, registry, &server.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		OpenAPISpec:    cfg.Server.OpenAPISpec,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:   cfg,
		server:   srv,
		store:    store,
		recorder: recorder,
		audit:    audit,
		logger:   logger,
	}, nil
}

// Run starts the application and blocks until shutdown.
func (app *Application) Run() error {
	app.logger.Info("Starting AI gateway")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
	}

	app.recorder.Close()
	app.audit.Stop()
	if err := app.store.Close(); err != nil {
		app.logger.WithError(err).Error("Tenant store close error")
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY             OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY          Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_PORT            Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_TOKEN_SECRET    Session token signing secret (required)\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_REDIS_URL       Redis URL for the distributed cache tier\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_NATS_URL        NATS URL for usage telemetry\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_DB_PATH         Tenant database path\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_LOG_LEVEL       Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *version {
		fmt.Printf("AI Gateway v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
