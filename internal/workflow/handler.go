package workflow

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmadist/pharmadist/internal/platform/httpx"
)

// GraphSource yields the active compiled graph.
type GraphSource interface {
	Graph(ctx context.Context) (*Graph, error)
}

// Handler exposes the active workflow definition read-only.
type Handler struct {
	graphs GraphSource
	logger *slog.Logger
}

// NewHandler constructs Handler.
func NewHandler(graphs GraphSource, logger *slog.Logger) *Handler {
	return &Handler{graphs: graphs, logger: logger}
}

// MountRoutes registers workflow routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stages", h.listStages)
	r.Get("/transitions", h.listTransitions)
}

func (h *Handler) listStages(w http.ResponseWriter, r *http.Request) {
	g, err := h.graphs.Graph(r.Context())
	if err != nil {
		h.logger.Error("load workflow graph", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"version": g.Version(), "stages": g.Stages()})
}

func (h *Handler) listTransitions(w http.ResponseWriter, r *http.Request) {
	g, err := h.graphs.Graph(r.Context())
	if err != nil {
		h.logger.Error("load workflow graph", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"version": g.Version(), "transitions": g.Transitions()})
}
