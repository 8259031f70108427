package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/inventory"
	"github.com/pharmadist/pharmadist/internal/observability"
	"github.com/pharmadist/pharmadist/internal/platform/cache"
	"github.com/pharmadist/pharmadist/internal/purchasing"
	"github.com/pharmadist/pharmadist/internal/qc"
	"github.com/pharmadist/pharmadist/internal/receiving"
	"github.com/pharmadist/pharmadist/internal/shared"
	"github.com/pharmadist/pharmadist/internal/warehouse"
	"github.com/pharmadist/pharmadist/internal/workflow"
)

// Services holds the domain services shared by the API and the worker.
type Services struct {
	Workflow   *workflow.Provider
	Authz      *authz.Service
	Purchasing *purchasing.Service
	QC         *qc.Service
	Warehouse  *warehouse.Service
	Inventory  *inventory.Service
	Keys       *shared.IdempotencyStore
}

// ServiceDeps lists the infrastructure the services are built on.
type ServiceDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Sync    warehouse.SyncEnqueuer
}

// NewServices wires repositories and services. The workflow graph is read
// from the database, where cmd/setup stores it.
func NewServices(deps ServiceDeps) *Services {
	pool, logger := deps.Pool, deps.Logger
	audit := shared.NewAuditLogger(pool)
	approvals := shared.NewApprovalRecorder(pool, logger)
	keys := shared.NewIdempotencyStore(pool)

	graphs := workflow.NewProvider(workflow.NewRepository(pool))
	authzRepo := authz.NewRepository(pool)
	authzService := authz.NewService(authzRepo, authzRepo, cache.NewVersioned(deps.Redis, "authz", deps.Config.AuthzCacheTTL), logger)

	inventoryService := inventory.NewService(
		inventory.NewRepository(pool),
		audit,
		keys,
		deps.Metrics,
		inventory.ServiceConfig{ReservationTTL: deps.Config.ReservationTTL},
		logger,
	)
	qcService := qc.NewService(qc.NewRepository(pool), receiving.NewRepository(pool), authzService, approvals, audit, logger)

	warehouseService := warehouse.NewService(warehouse.Dependencies{
		Repo:      warehouse.NewRepository(pool),
		QC:        qcService,
		Inventory: inventoryService,
		Sync:      deps.Sync,
		Approvals: approvals,
		Audit:     audit,
		Metrics:   deps.Metrics,
		Logger:    logger,
	})

	return &Services{
		Workflow:   graphs,
		Authz:      authzService,
		Purchasing: purchasing.NewService(purchasing.NewRepository(pool), graphs, authzService, audit, deps.Metrics, logger),
		QC:         qcService,
		Warehouse:  warehouseService,
		Inventory:  inventoryService,
		Keys:       keys,
	}
}
