// Command maestro runs the Maestro AI service: the usage-governance and
// conversation-persistence layer behind the school CRM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/maestro-crm/maestro/internal/agent"
	"github.com/maestro-crm/maestro/internal/audit"
	"github.com/maestro-crm/maestro/internal/auth"
	"github.com/maestro-crm/maestro/internal/background"
	"github.com/maestro-crm/maestro/internal/config"
	"github.com/maestro-crm/maestro/internal/model"
	"github.com/maestro-crm/maestro/internal/provider"
	"github.com/maestro-crm/maestro/internal/ratelimit"
	"github.com/maestro-crm/maestro/internal/server"
	"github.com/maestro-crm/maestro/internal/service/conversation"
	"github.com/maestro-crm/maestro/internal/service/generate"
	"github.com/maestro-crm/maestro/internal/storage"
	"github.com/maestro-crm/maestro/internal/telemetry"
	"github.com/maestro-crm/maestro/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("MAESTRO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("maestro starting", "version", version, "port", cfg.Port, "provider", cfg.Provider)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Create AI provider and agent executor.
	p, err := provider.New(provider.Config{
		Kind:             cfg.Provider,
		OllamaURL:        cfg.OllamaURL,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		OpenRouterURL:    cfg.OpenRouterURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	executor := agent.NewExecutor(p, logger)

	// Create rate limiter. Redis coordinates across instances; the memory
	// limiter covers single-instance deployments.
	policy := ratelimit.Policy{
		Roles: map[model.Role]ratelimit.Rule{
			model.RoleAdmin:     {Limit: cfg.RateLimitAdmin, Window: time.Minute},
			model.RoleTeacher:   {Limit: cfg.RateLimitTeacher, Window: time.Minute},
			model.RoleStudent:   {Limit: cfg.RateLimitStudent, Window: time.Minute},
			model.RoleAnonymous: {Limit: cfg.RateLimitAnonymous, Window: time.Minute},
		},
	}
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		limiter = ratelimit.NewRedisLimiter(client, policy, logger)
		logger.Info("rate limiting: redis", "url", cfg.RedisURL)
	} else {
		limiter = ratelimit.NewMemoryLimiter(policy)
		logger.Info("rate limiting: memory (in-process fixed window)")
	}
	defer func() { _ = limiter.Close() }()

	// Create the audit writer and background runner.
	auditWriter := audit.NewWriter(db, logger, cfg.AuditBatchSize, cfg.AuditFlushInterval)
	auditWriter.Start(ctx)

	runner := background.NewRunner(logger, 30*time.Second)

	// Create services.
	convoSvc := conversation.New(db, auth.ContextResolver{}, logger)
	genSvc := generate.New(auth.ContextResolver{}, limiter, executor, p, convoSvc,
		auditWriter, runner, logger, generate.Config{
			DefaultModel: cfg.DefaultModel,
			StreamDelay:  cfg.StreamDelay,
		})

	// Create and start HTTP server.
	srv := server.New(server.Config{
		DB:                  db,
		JWTMgr:              jwtMgr,
		GenSvc:              genSvc,
		ConvoSvc:            convoSvc,
		AuditWriter:         auditWriter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		ServiceKeyHash:      cfg.ServiceKeyHash,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight ones (they may still enqueue audit
	// rows), (2) let fire-and-forget side effects finish, (3) flush the
	// audit buffer to Postgres.
	slog.Info("maestro shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runner.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	auditWriter.Drain(drainCtx)
	drainCancel()

	slog.Info("maestro stopped")
	return nil
}
