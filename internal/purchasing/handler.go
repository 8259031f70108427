package purchasing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/platform/httpx"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Handler exposes purchase order endpoints.
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

// MountRoutes registers purchase order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermPOView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/history", h.history)
		r.Get("/{id}/actions", h.actions)
		r.Get("/{id}/verify", h.verify)
		r.Post("/{id}/transitions", h.transition)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAll(shared.PermPOCreate))
		r.Post("/", h.create)
	})
}

type createRequest struct {
	Number      string      `json:"po_number"`
	PrincipalID int64       `json:"principal_id" validate:"required,gt=0"`
	WarehouseID int64       `json:"warehouse_id" validate:"required,gt=0"`
	Remarks     string      `json:"remarks"`
	Lines       []LineInput `json:"lines" validate:"dive"`
}

type transitionRequest struct {
	Action string `json:"action" validate:"required"`
	Payload
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
	po, err := h.service.Create(r.Context(), CreateInput{
		Number:      req.Number,
		PrincipalID: req.PrincipalID,
		WarehouseID: req.WarehouseID,
		Remarks:     req.Remarks,
		Lines:       req.Lines,
		ActorID:     actor,
	})
	if err != nil {
		h.fail(w, "create purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principalID, err := httpx.QueryInt64(r, "principal_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, page, err := h.service.List(r.Context(), ListFilter{
		Stage:       r.URL.Query().Get("stage"),
		Status:      r.URL.Query().Get("status"),
		PrincipalID: principalID,
		Page:        httpx.QueryInt(r, "page", 1),
		PerPage:     httpx.QueryInt(r, "per_page", 0),
	})
	if err != nil {
		h.fail(w, "list purchase orders", err)
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
	po, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, "purchase order history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (h *Handler) actions(w http.ResponseWriter, r *http.Request) {
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
	actions, err := h.service.AvailableActions(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "purchase order actions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": actions})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.Verify(r.Context(), id)
	if err != nil {
		h.fail(w, "verify purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
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
	var req transitionRequest
	if !h.binder.Bind(w, r, &req) {
		return
	}
	po, err := h.service.Transition(r.Context(), TransitionInput{POID: id, Action: req.Action, Payload: req.Payload, ActorID: actor})
	if err != nil {
		h.fail(w, "purchase order transition", err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
