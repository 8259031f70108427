package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pharmadist/pharmadist/internal/inventory"
	"github.com/pharmadist/pharmadist/internal/observability"
	"github.com/pharmadist/pharmadist/internal/platform/httpx"
	"github.com/pharmadist/pharmadist/internal/purchasing"
	"github.com/pharmadist/pharmadist/internal/qc"
	"github.com/pharmadist/pharmadist/internal/warehouse"
	"github.com/pharmadist/pharmadist/internal/workflow"
	"github.com/pharmadist/pharmadist/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	WorkflowHandler   *workflow.Handler
	PurchasingHandler *purchasing.Handler
	QCHandler         *qc.Handler
	WarehouseHandler  *warehouse.Handler
	InventoryHandler  *inventory.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.WorkflowHandler != nil {
		r.Route("/workflow", params.WorkflowHandler.MountRoutes)
	}
	if params.PurchasingHandler != nil {
		r.Route("/purchase-orders", params.PurchasingHandler.MountRoutes)
	}
	if params.QCHandler != nil {
		r.Route("/qc", params.QCHandler.MountRoutes)
	}
	if params.WarehouseHandler != nil {
		r.Route("/warehouse-approvals", params.WarehouseHandler.MountRoutes)
	}
	if params.InventoryHandler != nil {
		r.Route("/inventory", params.InventoryHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	return r
}
