// shsh-chat server: multi-tab agent chat with cross-tab synchronization.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/api"
	"github.com/ashureev/shsh-chat/internal/broadcast"
	"github.com/ashureev/shsh-chat/internal/config"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/logging"
	"github.com/ashureev/shsh-chat/internal/middleware"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	envFile    string
	configPath string
	port       string
)

var rootCmd = &cobra.Command{
	Use:           "shsh-chat",
	Short:         "Agent chat server with cross-tab synchronization",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	envErr := godotenv.Load(envFile)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if port != "" {
		cfg.Port = port
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if envErr != nil {
		slog.Info("No .env file found, using environment variables", "path", envFile)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "engine", cfg.EngineKind())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	engine, closeEngine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	registry := broadcast.NewRegistry(cfg.Sync.SendQueueSize, logger)
	defer registry.Close()

	agents := agent.NewManager(repo, engine, registry, agent.ManagerOptions{
		EventBufferSize: cfg.Agent.EventBufferSize,
		Logger:          logger,
	})
	defer agents.Close()

	if cfg.Agent.SweepInterval > 0 {
		agent.StartSweeper(ctx, agents, cfg.Agent.SweepInterval, logger)
		slog.Info("Pending agent sweeper started", "interval", cfg.Agent.SweepInterval)
	}

	limiter := middleware.NewSessionRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer limiter.Close()

	// Initialize handlers.
	origins := originPatterns(cfg)
	apiHandler := api.NewHandler(repo, agents, registry, cfg, logger)
	healthHandler := api.NewHealthHandler(repo, logger)
	syncHandler := broadcast.NewHandler(registry, cfg.Sync.PingInterval, origins, logger)
	taskHandler := agent.NewChannelHandler(agents, cfg.Agent.HeartbeatInterval, origins, logger)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(corsOrigins(cfg)))

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r, identity.Middleware, limiter.Middleware)

	// WebSocket endpoints.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Get("/ws/sync", syncHandler.ServeHTTP)
		r.Get("/ws/chats/{chatID}/task", taskHandler.ServeHTTP)
	})

	// WebSockets are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

// newEngine selects the remote gRPC engine when an address is configured and
// the local echo engine otherwise.
func newEngine(cfg *config.Config, logger *slog.Logger) (agent.Engine, func(), error) {
	if cfg.Agent.EngineAddr == "" {
		slog.Info("Using local echo engine", "delay", cfg.Agent.EchoDelay)
		return agent.NewEchoEngine(cfg.Agent.EchoDelay), func() {}, nil
	}

	engineCfg := agent.DefaultGrpcEngineConfig(cfg.Agent.EngineAddr)
	engineCfg.ConnectTimeout = cfg.Agent.ConnectTimeout
	slog.Info("Connecting to task engine via gRPC", "address", cfg.Agent.EngineAddr)
	engine, err := agent.NewGrpcEngine(engineCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect task engine: %w", err)
	}
	return engine, engine.Close, nil
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// originPatterns lists the hosts allowed to open WebSockets.
func originPatterns(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	u, err := url.Parse(cfg.FrontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
