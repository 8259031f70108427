package authz

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pharmadist/pharmadist/internal/platform/cache"
	"github.com/pharmadist/pharmadist/internal/shared"
	"github.com/pharmadist/pharmadist/internal/workflow"
)

type memoryStore struct {
	users   map[int64]User
	global  map[int64][]string
	staged  map[int64]map[string][]string
	loads   int
	applied [][]Assignment
	admins  []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:  make(map[int64]User),
		global: make(map[int64][]string),
		staged: make(map[int64]map[string][]string),
	}
}

func (m *memoryStore) GetUser(ctx context.Context, id int64) (User, error) {
	m.loads++
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, shared.ErrNotFound)
	}
	return u, nil
}

func (m *memoryStore) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	return m.global[userID], nil
}

func (m *memoryStore) UserStagePermissions(ctx context.Context, userID int64) (map[string][]string, error) {
	return m.staged[userID], nil
}

func (m *memoryStore) ApplyAssignments(ctx context.Context, assignments []Assignment) (int, error) {
	m.applied = append(m.applied, assignments)
	return len(assignments), nil
}

func (m *memoryStore) EnsureUserRole(ctx context.Context, email, role string) error {
	m.admins = append(m.admins, email+"="+role)
	return nil
}

func newTestService(t *testing.T, store *memoryStore) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(store, store, cache.NewVersioned(client, "authz", time.Minute), nil)
}

func TestGrantsAreCached(t *testing.T) {
	store := newMemoryStore()
	store.users[7] = User{ID: 7, IsActive: true}
	store.global[7] = []string{"PO.View", "po.submit"}
	store.staged[7] = map[string][]string{"pending_approval_l1": {"po.approve.l1"}}
	svc := newTestService(t, store)
	ctx := context.Background()

	g, err := svc.Grants(ctx, 7)
	require.NoError(t, err)
	require.True(t, g.HasPermission("po.view"))
	require.True(t, g.HasStagePermission("PENDING_APPROVAL_L1", "po.approve.l1"))
	require.False(t, g.HasStagePermission("PENDING_APPROVAL_L2", "po.approve.l1"))
	require.False(t, g.HasPermission("po.approve.l1"))

	_, err = svc.Grants(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, store.loads)

	require.NoError(t, svc.Invalidate(ctx))
	_, err = svc.Grants(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, store.loads)
}

func TestInactiveAndUnknownUsersDenied(t *testing.T) {
	store := newMemoryStore()
	store.users[3] = User{ID: 3, IsActive: false}
	store.global[3] = []string{"po.view"}
	svc := newTestService(t, store)
	ctx := context.Background()

	ok, err := svc.UserHasPermission(ctx, 3, "po.view")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.UserHasStagePermission(ctx, 99, "DRAFT", "po.submit")
	require.NoError(t, err)
	require.False(t, ok)

	perms, err := svc.EffectivePermissions(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, perms)
}

func TestBootstrapNormalizesAndValidates(t *testing.T) {
	def, err := workflow.DefaultDefinition()
	require.NoError(t, err)
	g, err := workflow.Compile(def)
	require.NoError(t, err)

	store := newMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	report, err := svc.Bootstrap(ctx, g, []Assignment{
		{Permission: "PO.Approve.L1", Stage: "pending_approval_l1", Role: "Approver_L1"},
		{Permission: "po.approve.l1", Stage: "PENDING_APPROVAL_L1", Role: "approver_l1"},
		{Permission: "po.view", Role: "approver_l1"},
	}, "admin@pharmadist.local")
	require.NoError(t, err)
	require.Equal(t, 2, report.Requested)
	require.Equal(t, []string{"admin@pharmadist.local=admin"}, store.admins)
	require.Equal(t, Assignment{Permission: "po.view", Role: "approver_l1"}, store.applied[0][0])

	_, err = svc.Bootstrap(ctx, g, []Assignment{{Permission: "po.view", Stage: "LIMBO", Role: "x"}}, "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDefaultAssignmentsReferenceKnownStages(t *testing.T) {
	def, err := workflow.DefaultDefinition()
	require.NoError(t, err)
	g, err := workflow.Compile(def)
	require.NoError(t, err)

	normalized, err := NormalizeAssignments(g, DefaultAssignments())
	require.NoError(t, err)
	require.NotEmpty(t, normalized)
}

func TestPurchaseOrderPermissionsAreRequiredByStages(t *testing.T) {
	def, err := workflow.DefaultDefinition()
	require.NoError(t, err)
	g, err := workflow.Compile(def)
	require.NoError(t, err)

	required := map[string]bool{}
	for _, st := range g.Stages() {
		for _, p := range st.RequiredPermissions {
			required[p] = true
		}
	}
	// view and create gate routes, not stages
	routeOnly := map[string]bool{shared.PermPOView: true, shared.PermPOCreate: true}
	for _, p := range shared.AllPermissions() {
		if !strings.HasPrefix(p, "po.") || routeOnly[p] {
			continue
		}
		require.True(t, required[p], "permission %s is granted but no stage requires it", p)
	}
}

func TestMiddlewareRequireAny(t *testing.T) {
	store := newMemoryStore()
	store.users[5] = User{ID: 5, IsActive: true}
	store.global[5] = []string{"inventory.view"}
	mw := Middleware{Service: newTestService(t, store)}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		actor  int64
		perms  []string
		status int
	}{
		{5, []string{"inventory.view", "inventory.adjust"}, http.StatusNoContent},
		{5, []string{"inventory.adjust"}, http.StatusForbidden},
		{0, []string{"inventory.view"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/inventory", nil)
		if tc.actor > 0 {
			req = req.WithContext(shared.ContextWithActor(req.Context(), tc.actor))
		}
		rec := httptest.NewRecorder()
		mw.RequireAny(tc.perms...)(ok).ServeHTTP(rec, req)
		require.Equal(t, tc.status, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/inventory", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), 5))
	rec := httptest.NewRecorder()
	mw.RequireAll("inventory.view", "inventory.adjust")(ok).ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
