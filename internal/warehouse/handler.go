package warehouse

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/inventory"
	"github.com/pharmadist/pharmadist/internal/platform/httpx"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Handler exposes warehouse approval endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	binder  *httpx.Binder
	authz   authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authz authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, binder: httpx.NewBinder(), authz: authz}
}

// MountRoutes registers warehouse approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermWarehouseView, shared.PermWarehouseApprove))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/approvals", h.approvals)
	})
	r.With(h.authz.RequireAll(shared.PermWarehouseCreate)).Post("/", h.create)
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAll(shared.PermWarehouseUpdate))
		r.Post("/{id}/products", h.updateProduct)
		r.Post("/{id}/submit", h.submit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAll(shared.PermWarehouseApprove))
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
		r.Post("/{id}/sync", h.sync)
	})
}

type createRequest struct {
	QualityControlID int64  `json:"quality_control_id" validate:"required,gt=0"`
	Remarks          string `json:"remarks"`
}

type productRequest struct {
	ProductID       int64              `json:"product_id" validate:"required,gt=0"`
	BatchNumber     string             `json:"batch_number" validate:"required"`
	ApprovedQty     decimal.Decimal    `json:"approved_qty"`
	RejectedQty     decimal.Decimal    `json:"rejected_qty"`
	StorageLocation inventory.Location `json:"storage_location"`
	Remarks         string             `json:"remarks"`
}

type noteRequest struct {
	Remarks string `json:"remarks"`
	Reason  string `json:"reason"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if !h.binder.Bind(w, r, &req) {
		return
	}
	wa, err := h.service.Create(r.Context(), CreateInput{QualityControlID: req.QualityControlID, Remarks: req.Remarks, ActorID: actor})
	if err != nil {
		h.fail(w, "create warehouse approval", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, wa)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	qcID, err := httpx.QueryInt64(r, "quality_control_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, page, err := h.service.List(r.Context(), ListFilter{
		Status:           Status(r.URL.Query().Get("status")),
		WarehouseID:      warehouseID,
		QualityControlID: qcID,
		Page:             httpx.QueryInt(r, "page", 1),
		PerPage:          httpx.QueryInt(r, "per_page", 0),
	})
	if err != nil {
		h.fail(w, "list warehouse approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": page})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	wa, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get warehouse approval", err)
		return
	}
	httpx.JSON(w, http.StatusOK, wa)
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	logs, err := h.service.Approvals(r.Context(), id)
	if err != nil {
		h.fail(w, "warehouse approvals log", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req productRequest
	if !h.binder.Bind(w, r, &req) {
		return
	}
	wa, err := h.service.UpdateProductApproval(r.Context(), DecisionInput{
		ApprovalID: id,
		Decision: Decision{
			ProductID:       req.ProductID,
			BatchNumber:     req.BatchNumber,
			ApprovedQty:     req.ApprovedQty,
			RejectedQty:     req.RejectedQty,
			StorageLocation: req.StorageLocation,
			Remarks:         req.Remarks,
		},
		ActorID: actor,
	})
	if err != nil {
		h.fail(w, "update warehouse product", err)
		return
	}
	httpx.JSON(w, http.StatusOK, wa)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "submit warehouse approval", func(id, actor int64, req noteRequest) (WarehouseApproval, error) {
		return h.service.Submit(r.Context(), id, req.Remarks, actor)
	})
}

// approve answers 207 with the committed approval when inventory posting
// failed after the commit.
func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "approve warehouse approval", func(id, actor int64, req noteRequest) (WarehouseApproval, error) {
		return h.service.Approve(r.Context(), id, req.Remarks, actor)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "reject warehouse approval", func(id, actor int64, req noteRequest) (WarehouseApproval, error) {
		return h.service.Reject(r.Context(), id, req.Reason, actor)
	})
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "sync warehouse approval", func(id, _ int64, _ noteRequest) (WarehouseApproval, error) {
		return h.service.SyncInventory(r.Context(), id)
	})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, op string, fn func(id, actor int64, req noteRequest) (WarehouseApproval, error)) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req noteRequest
	if r.ContentLength != 0 && !h.binder.Bind(w, r, &req) {
		return
	}
	wa, err := fn(id, actor, req)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, wa)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
