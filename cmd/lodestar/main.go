package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/config"
	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/executor"
	"github.com/lodestar-ai/lodestar/internal/fusion"
	"github.com/lodestar-ai/lodestar/internal/health"
	"github.com/lodestar-ai/lodestar/internal/history"
	"github.com/lodestar-ai/lodestar/internal/middleware"
	"github.com/lodestar-ai/lodestar/internal/providers/anthropic"
	"github.com/lodestar-ai/lodestar/internal/providers/local"
	"github.com/lodestar-ai/lodestar/internal/providers/openai"
	"github.com/lodestar-ai/lodestar/internal/registry"
	"github.com/lodestar-ai/lodestar/internal/routing"
	"github.com/lodestar-ai/lodestar/internal/security"
	"github.com/lodestar-ai/lodestar/internal/server"
)

var version = "dev"

// Application owns the wired component graph and its lifecycle.
type Application struct {
	config      *config.Config
	logger      *logrus.Logger
	registry    *registry.Registry
	monitor     *health.Monitor
	rateLimiter *security.RateLimiter
	history     *history.Store
	sinks       []*events.BufferedSink
	server      *server.Server
}

// NewApplication loads configuration and wires every component.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	app := &Application{config: cfg, logger: logger}

	bus := events.NewBus(logger)
	if err := app.wireSinks(bus); err != nil {
		return nil, err
	}

	app.registry = registry.New(bus, logger)
	if err := app.registerProviders(); err != nil {
		return nil, err
	}
	if err := app.applyBudgets(); err != nil {
		return nil, err
	}

	router := routing.NewEngine(app.registry, logger, cfg.Routing)
	exec := executor.New(app.registry, bus, logger)
	fuser := fusion.NewEngine(router, app.registry, bus, logger, cfg.Fusion)
	app.monitor = health.NewMonitor(app.registry, bus, logger, cfg.Health)

	deps := server.Deps{
		Registry: app.registry,
		Router:   router,
		Executor: exec,
		Fusion:   fuser,
		Monitor:  app.monitor,
		Bus:      bus,
	}

	if cfg.Auth.RequireAuth {
		deps.Auth = security.NewAuthenticator(&cfg.Auth, logger)
	}
	if cfg.RateLimit.Enabled {
		app.rateLimiter = security.NewRateLimiter(&cfg.RateLimit, logger)
		deps.RateLimiter = app.rateLimiter
	}
	if cfg.Validation.Enabled {
		validation, err := middleware.NewValidation(&cfg.Validation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load API validation: %w", err)
		}
		deps.Validation = validation
	}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		app.history = store
		deps.History = store
	}

	app.server = server.New(&server.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}, deps, logger)

	return app, nil
}

// wireSinks attaches the configured event sinks to the bus. The log sink
// is always on; Redis is added when an address is configured.
func (app *Application) wireSinks(bus *events.Bus) error {
	logSink := events.NewBufferedSink(events.NewLogSink(app.logger), app.config.Events.Buffer, app.logger)
	bus.SubscribeAll(logSink.Handler())
	app.sinks = append(app.sinks, logSink)

	if app.config.Events.Redis == nil {
		return nil
	}

	redisSink, err := events.NewRedisSink(*app.config.Events.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect Redis event sink: %w", err)
	}
	buffered := events.NewBufferedSink(redisSink, app.config.Events.Buffer, app.logger)
	bus.SubscribeAll(buffered.Handler())
	app.sinks = append(app.sinks, buffered)
	return nil
}

// registerProviders registers every configured backend adapter.
func (app *Application) registerProviders() error {
	registered := 0

	if cfg := app.config.Providers.OpenAI; cfg != nil && cfg.APIKey != "" {
		if err := app.registry.Register("openai", openai.New("openai", cfg, app.logger)); err != nil {
			return err
		}
		app.logger.WithFields(logrus.Fields{
			"provider": "openai",
			"models":   len(cfg.Models),
		}).Info("OpenAI provider registered")
		registered++
	}

	if cfg := app.config.Providers.Anthropic; cfg != nil && cfg.APIKey != "" {
		if err := app.registry.Register("anthropic", anthropic.New("anthropic", cfg, app.logger)); err != nil {
			return err
		}
		app.logger.WithFields(logrus.Fields{
			"provider": "anthropic",
			"models":   len(cfg.Models),
		}).Info("Anthropic provider registered")
		registered++
	}

	if cfg := app.config.Providers.Local; cfg != nil && cfg.BaseURL != "" {
		if err := app.registry.Register("local", local.New("local", cfg, app.logger)); err != nil {
			return err
		}
		app.logger.WithFields(logrus.Fields{
			"provider": "local",
			"base_url": cfg.BaseURL,
			"models":   len(cfg.Models),
		}).Info("Local provider registered")
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	app.logger.WithField("count", registered).Info("Provider registration completed")
	return nil
}

func (app *Application) applyBudgets() error {
	for _, b := range app.config.Budgets {
		if err := app.registry.SetBudget(b); err != nil {
			return fmt.Errorf("failed to apply budget for provider %q: %w", b.Provider, err)
		}
		app.logger.WithFields(logrus.Fields{
			"provider":      b.Provider,
			"daily_limit":   b.DailyLimit,
			"monthly_limit": b.MonthlyLimit,
			"unlimited":     b.Unlimited,
		}).Info("Budget applied")
	}
	return nil
}

// Run starts the monitor and server, then blocks until a shutdown signal
// or a server error.
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting Lodestar")

	app.monitor.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		app.shutdown()
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
	}
	app.shutdown()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// shutdown stops background components in dependency order.
func (app *Application) shutdown() {
	app.monitor.Stop()

	if app.rateLimiter != nil {
		app.rateLimiter.Stop()
	}
	for _, sink := range app.sinks {
		if err := sink.Close(); err != nil {
			app.logger.WithError(err).Warn("Event sink close error")
		}
	}
	if app.history != nil {
		if err := app.history.Close(); err != nil {
			app.logger.WithError(err).Warn("History store close error")
		}
	}
}

// setupLogger configures the logger from LoggingConfig.
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
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
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY        OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY     Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  LODESTAR_PORT         Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LODESTAR_LOG_LEVEL    Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LODESTAR_LOG_FORMAT   Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  LODESTAR_API_KEY      API key accepted by the server\n")
	fmt.Fprintf(os.Stderr, "  LODESTAR_JWT_SECRET   JWT signing secret\n")
	fmt.Fprintf(os.Stderr, "  LODESTAR_REDIS_ADDR   Redis address for the event sink\n")
	fmt.Fprintf(os.Stderr, "  LODESTAR_HISTORY_DSN  Postgres DSN for request history\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("lodestar %s\n", version)
		os.Exit(0)
	}

	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.logger.WithError(err).Fatal("Application error")
	}
}
