package warehouse

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/pharmadist/pharmadist/internal/shared"
)

type grantsLister map[int64][]string

func (l grantsLister) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return l[userID], nil
}

func newTestRouter(t *testing.T, f fixture) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	grants := grantsLister{
		clerk:    {shared.PermWarehouseView, shared.PermWarehouseCreate, shared.PermWarehouseUpdate},
		approver: {shared.PermWarehouseView, shared.PermWarehouseApprove},
	}
	h := NewHandler(logger, f.svc, authz.Middleware{Service: grants, Logger: logger})
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
	r.Route("/warehouse-approvals", h.MountRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, actor int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-Actor", strconv.FormatInt(actor, 10))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerApprovalFlow(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)

	rr := do(t, router, http.MethodPost, "/warehouse-approvals", clerk, `{"quality_control_id":30}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, router, http.MethodPost, "/warehouse-approvals/1/products", clerk,
		`{"product_id":100,"batch_number":"A1","approved_qty":"30","rejected_qty":"30"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

	for _, body := range []string{
		`{"product_id":100,"batch_number":"A1","approved_qty":"50","storage_location":{"zone":"C","rack":"2","shelf":"1","bin":"4"}}`,
		`{"product_id":300,"batch_number":"C1","rejected_qty":"10"}`,
	} {
		rr = do(t, router, http.MethodPost, "/warehouse-approvals/1/products", clerk, body)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr = do(t, router, http.MethodPost, "/warehouse-approvals/1/submit", clerk, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, router, http.MethodPost, "/warehouse-approvals/1/approve", clerk, "")
	require.Equal(t, http.StatusForbidden, rr.Code)

	f.inventory.fail = errors.New("inventory store unavailable")
	rr = do(t, router, http.MethodPost, "/warehouse-approvals/1/approve", approver, "")
	require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())
	var body struct {
		Committed WarehouseApproval `json:"committed"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, StatusApproved, body.Committed.Status)
	require.False(t, body.Committed.InventoryPosted)

	f.inventory.fail = nil
	rr = do(t, router, http.MethodPost, "/warehouse-approvals/1/sync", approver, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var synced WarehouseApproval
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &synced))
	require.True(t, synced.InventoryPosted)
}
