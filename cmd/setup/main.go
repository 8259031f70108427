// Command setup prepares a database: it applies the schema, stores the
// workflow definition and seeds the permission assignments.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pharmadist/pharmadist/internal/app"
	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/platform/cache"
	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("setup failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("schema applied")

	def, err := workflow.LoadFile(cfg.WorkflowFile)
	if err != nil {
		return err
	}
	graph, err := workflow.Compile(def)
	if err != nil {
		return err
	}
	if err := workflow.NewRepository(pool).Sync(ctx, graph); err != nil {
		return err
	}
	logger.Info("workflow stored", slog.String("version", graph.Version()), slog.Int("stages", len(graph.Stages())))

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, grants cache not invalidated", slog.Any("error", err))
		redisClient = nil
	} else {
		defer redisClient.Close()
	}
	authzRepo := authz.NewRepository(pool)
	authzService := authz.NewService(authzRepo, authzRepo, cache.NewVersioned(redisClient, "authz", cfg.AuthzCacheTTL), logger)
	report, err := authzService.Bootstrap(ctx, graph, authz.DefaultAssignments(), cfg.AdminEmail)
	if err != nil {
		return err
	}
	logger.Info("permissions seeded", slog.Int("requested", report.Requested), slog.Int("inserted", report.Inserted))
	return nil
}
