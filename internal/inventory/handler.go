package inventory

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/platform/httpx"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
	binder  *httpx.Binder
	authz   authz.Middleware
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, authz authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, binder: httpx.NewBinder(), authz: authz}
}

// MountRoutes registers inventory routes. Mutations honour the
// Idempotency-Key header.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermInventoryView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/movements", h.movements)
		r.Get("/{id}/reservations", h.reservations)
		r.Get("/{id}/trace", h.trace)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAll(shared.PermInventoryAdjust))
		r.Post("/{id}/add", h.add)
		r.Post("/{id}/remove", h.remove)
		r.Post("/{id}/adjust", h.adjust)
		r.Post("/{id}/thresholds", h.thresholds)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAll(shared.PermInventoryReserve))
		r.Post("/{id}/reserve", h.reserve)
		r.Post("/{id}/reservations/{rid}/release", h.release)
		r.Post("/{id}/reservations/{rid}/fulfill", h.fulfill)
	})
	r.With(h.authz.RequireAll(shared.PermInventoryTransfer)).Post("/{id}/transfer", h.transfer)
	r.With(h.authz.RequireAll(shared.PermInventoryUtilize)).Post("/{id}/utilize", h.utilize)
	r.With(h.authz.RequireAll(shared.PermInventoryDelete)).Delete("/{id}", h.delete)
}

type commandRequest struct {
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	Remarks       string `json:"remarks"`
}

type quantityRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	commandRequest
}

type removeRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Type     MovementType    `json:"movement_type" validate:"omitempty,oneof=outward return expired damaged lost"`
	commandRequest
}

type reserveRequest struct {
	Quantity  decimal.Decimal `json:"quantity"`
	ExpiresAt *time.Time      `json:"expires_at"`
	commandRequest
}

type adjustRequest struct {
	CountedQty decimal.Decimal `json:"counted_qty"`
	commandRequest
}

type transferRequest struct {
	Quantity      decimal.Decimal `json:"quantity"`
	ToWarehouseID int64           `json:"to_warehouse_id" validate:"gte=0"`
	ToLocation    Location        `json:"to_location"`
	commandRequest
}

type utilizeRequest struct {
	Quantity   decimal.Decimal `json:"quantity"`
	HospitalID int64           `json:"hospital_id" validate:"required,gt=0"`
	DoctorID   int64           `json:"doctor_id" validate:"gte=0"`
	CaseID     string          `json:"case_id"`
	PatientID  string          `json:"patient_id"`
	commandRequest
}

type thresholdsRequest struct {
	MinimumStock decimal.Decimal `json:"minimum_stock"`
	MaximumStock decimal.Decimal `json:"maximum_stock"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
	commandRequest
}

func (h *Handler) command(r *http.Request, req commandRequest) (Command, error) {
	actor, err := httpx.Actor(r)
	if err != nil {
		return Command{}, err
	}
	return Command{
		ActorID:        actor,
		IdempotencyKey: httpx.IdempotencyKey(r),
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		Remarks:        req.Remarks,
	}, nil
}

func (c commandRequest) base() commandRequest { return c }

type commandCarrier interface {
	base() commandRequest
}

// mutation binds req, resolves the path id and command, then runs fn.
func (h *Handler) mutation(w http.ResponseWriter, r *http.Request, op string, req commandCarrier, fn func(id int64, cmd Command) (any, error)) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if r.ContentLength != 0 && !h.binder.Bind(w, r, req) {
		return
	}
	cmd, err := h.command(r, req.base())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := fn(id, cmd)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	h.mutation(w, r, "add stock", &req, func(id int64, cmd Command) (any, error) {
		return h.service.AddStock(r.Context(), QuantityInput{InventoryID: id, Quantity: req.Quantity, Command: cmd})
	})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	h.mutation(w, r, "remove stock", &req, func(id int64, cmd Command) (any, error) {
		return h.service.RemoveStock(r.Context(), RemoveInput{InventoryID: id, Quantity: req.Quantity, Type: req.Type, Command: cmd})
	})
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	h.mutation(w, r, "adjust stock", &req, func(id int64, cmd Command) (any, error) {
		return h.service.AdjustStock(r.Context(), AdjustInput{InventoryID: id, CountedQty: req.CountedQty, Command: cmd})
	})
}

func (h *Handler) thresholds(w http.ResponseWriter, r *http.Request) {
	var req thresholdsRequest
	h.mutation(w, r, "update thresholds", &req, func(id int64, cmd Command) (any, error) {
		return h.service.UpdateThresholds(r.Context(), ThresholdsInput{
			InventoryID: id,
			Thresholds:  Thresholds{MinimumStock: req.MinimumStock, MaximumStock: req.MaximumStock, ReorderLevel: req.ReorderLevel},
			Command:     cmd,
		})
	})
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	h.mutation(w, r, "reserve stock", &req, func(id int64, cmd Command) (any, error) {
		return h.service.ReserveStock(r.Context(), ReserveInput{InventoryID: id, Quantity: req.Quantity, ExpiresAt: req.ExpiresAt, Command: cmd})
	})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.resolveReservation(w, r, "release reservation", h.service.ReleaseReservation)
}

func (h *Handler) fulfill(w http.ResponseWriter, r *http.Request) {
	h.resolveReservation(w, r, "fulfill reservation", h.service.FulfillReservation)
}

func (h *Handler) resolveReservation(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, ReservationInput) (Mutation, error)) {
	rid, err := httpx.PathID(r, "rid")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req commandRequest
	h.mutation(w, r, op, &req, func(id int64, cmd Command) (any, error) {
		return fn(r.Context(), ReservationInput{InventoryID: id, ReservationID: rid, Command: cmd})
	})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	h.mutation(w, r, "transfer stock", &req, func(id int64, cmd Command) (any, error) {
		return h.service.TransferStock(r.Context(), TransferInput{
			InventoryID:   id,
			Quantity:      req.Quantity,
			ToWarehouseID: req.ToWarehouseID,
			ToLocation:    req.ToLocation,
			Command:       cmd,
		})
	})
}

func (h *Handler) utilize(w http.ResponseWriter, r *http.Request) {
	var req utilizeRequest
	h.mutation(w, r, "record utilization", &req, func(id int64, cmd Command) (any, error) {
		return h.service.RecordUtilization(r.Context(), UtilizeInput{
			InventoryID: id,
			UtilizationInput: UtilizationInput{
				Quantity:   req.Quantity,
				HospitalID: req.HospitalID,
				DoctorID:   req.DoctorID,
				CaseID:     req.CaseID,
				PatientID:  req.PatientID,
			},
			Command: cmd,
		})
	})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	h.mutation(w, r, "delete inventory", &req, func(id int64, cmd Command) (any, error) {
		return h.service.SoftDelete(r.Context(), id, cmd)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.QueryInt64(r, "product_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	items, page, err := h.service.List(r.Context(), ListFilter{
		WarehouseID:     warehouseID,
		ProductID:       productID,
		BatchNo:         q.Get("batch_no"),
		StockStatus:     StockStatus(q.Get("stock_status")),
		IncludeInactive: q.Get("include_inactive") == "true",
		Page:            httpx.QueryInt(r, "page", 1),
		PerPage:         httpx.QueryInt(r, "per_page", 0),
	})
	if err != nil {
		h.fail(w, "list inventory", err)
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
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get inventory", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.Movements(r.Context(), id)
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) reservations(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.Reservations(r.Context(), id, ReservationStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, "list reservations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) trace(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.Trace(r.Context(), id)
	if err != nil {
		h.fail(w, "trace inventory", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
