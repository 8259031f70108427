package purchasing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/platform/httpx"
	"github.com/pharmadist/pharmadist/internal/shared"
)

type grantsLister struct {
	grants staticGrants
}

func (l grantsLister) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return l.grants[userID].Permissions, nil
}

func newTestRouter(t *testing.T) (http.Handler, fixture) {
	t.Helper()
	f := defaultFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, f.svc, authz.Middleware{Service: grantsLister{grants: testGrants()}, Logger: logger})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := r.Header.Get("X-Test-Actor"); raw != "" {
				id, _ := strconv.ParseInt(raw, 10, 64)
				r = r.WithContext(shared.ContextWithActor(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Route("/purchase-orders", h.MountRoutes)
	return r, f
}

func do(t *testing.T, h http.Handler, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Test-Actor", actor)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerCreateAndTransition(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(t, router, http.MethodPost, "/purchase-orders", "1", `{"principal_id":9,"warehouse_id":3}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var po PurchaseOrder
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &po))
	require.Equal(t, "DRAFT", po.CurrentStage)

	rr = do(t, router, http.MethodPost, "/purchase-orders/1/transitions", "1", `{"action":"submit"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Equal(t, "products", problem.Field)

	rr = do(t, router, http.MethodPost, "/purchase-orders/1/transitions", "1",
		`{"action":"submit","products":[{"product_id":11,"quantity":"2","unit_price":"50"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &po))
	require.Equal(t, "PENDING_APPROVAL_L1", po.CurrentStage)

	rr = do(t, router, http.MethodPost, "/purchase-orders/1/transitions", "1", `{"action":"place_order"}`)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandlerGatesRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(t, router, http.MethodGet, "/purchase-orders", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// approver1 may view but not create.
	rr = do(t, router, http.MethodPost, "/purchase-orders", "2", `{"principal_id":9,"warehouse_id":3}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, router, http.MethodGet, "/purchase-orders/42", "2", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
