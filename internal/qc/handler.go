package qc

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/platform/httpx"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Handler exposes QC endpoints.
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

// MountRoutes registers QC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermQCView, shared.PermQCManage))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/approvals", h.approvals)
	})
	r.With(h.authz.RequireAll(shared.PermQCCreate)).Post("/", h.create)
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermQCInspect, shared.PermQCManage))
		r.Post("/{id}/items", h.updateItem)
		r.Post("/{id}/submit", h.submit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAll(shared.PermQCApprove))
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
	})
}

type selectionRequest struct {
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	BatchNumber string `json:"batch_number" validate:"required"`
	SampleCount int    `json:"sample_count" validate:"gte=0,lte=1000"`
}

type createRequest struct {
	InvoiceReceivingID int64              `json:"invoice_receiving_id" validate:"required,gt=0"`
	Type               Type               `json:"qc_type"`
	AssignedTo         int64              `json:"assigned_to" validate:"required,gt=0"`
	Products           []selectionRequest `json:"products" validate:"dive"`
	Remarks            string             `json:"remarks"`
}

type itemRequest struct {
	ProductID int64      `json:"product_id" validate:"required,gt=0"`
	ItemID    uuid.UUID  `json:"item_id" validate:"required"`
	Status    ItemStatus `json:"status" validate:"required,oneof=passed failed"`
	Reason    string     `json:"reason"`
	Notes     string     `json:"notes"`
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
	selection := make([]ProductSelection, 0, len(req.Products))
	for _, p := range req.Products {
		selection = append(selection, ProductSelection{ProductID: p.ProductID, BatchNumber: p.BatchNumber, SampleCount: p.SampleCount})
	}
	qc, err := h.service.Create(r.Context(), CreateInput{
		InvoiceReceivingID: req.InvoiceReceivingID,
		Type:               req.Type,
		AssignedTo:         req.AssignedTo,
		Products:           selection,
		Remarks:            req.Remarks,
		ActorID:            actor,
	})
	if err != nil {
		h.fail(w, "create qc", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, qc)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	assigned, err := httpx.QueryInt64(r, "assigned_to")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	receivingID, err := httpx.QueryInt64(r, "invoice_receiving_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, page, err := h.service.List(r.Context(), ListFilter{
		Status:             Status(r.URL.Query().Get("status")),
		AssignedTo:         assigned,
		InvoiceReceivingID: receivingID,
		Page:               httpx.QueryInt(r, "page", 1),
		PerPage:            httpx.QueryInt(r, "per_page", 0),
	})
	if err != nil {
		h.fail(w, "list qc", err)
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
	qc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get qc", err)
		return
	}
	httpx.JSON(w, http.StatusOK, qc)
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	logs, err := h.service.Approvals(r.Context(), id)
	if err != nil {
		h.fail(w, "qc approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
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
	var req itemRequest
	if !h.binder.Bind(w, r, &req) {
		return
	}
	qc, err := h.service.UpdateItemResult(r.Context(), UpdateItemInput{
		QCID:      id,
		ProductID: req.ProductID,
		ItemID:    req.ItemID,
		Status:    req.Status,
		Reason:    req.Reason,
		Notes:     req.Notes,
		ActorID:   actor,
	})
	if err != nil {
		h.fail(w, "update qc item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, qc)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "submit qc", func(id, actor int64, req noteRequest) (QualityControl, error) {
		return h.service.Submit(r.Context(), id, req.Remarks, actor)
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "approve qc", func(id, actor int64, req noteRequest) (QualityControl, error) {
		return h.service.Approve(r.Context(), id, req.Remarks, actor)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "reject qc", func(id, actor int64, req noteRequest) (QualityControl, error) {
		return h.service.Reject(r.Context(), id, req.Reason, actor)
	})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, op string, fn func(id, actor int64, req noteRequest) (QualityControl, error)) {
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
	qc, err := fn(id, actor, req)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, qc)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
