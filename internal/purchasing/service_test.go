package purchasing

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmadist/pharmadist/internal/authz"
	"github.com/pharmadist/pharmadist/internal/shared"
	"github.com/pharmadist/pharmadist/internal/workflow"
)

type memoryPORepo struct {
	orders  map[int64]PurchaseOrder
	history map[int64][]HistoryEntry
	nextID  int64
	// onLock runs when a transaction locks an order, simulating a concurrent writer.
	onLock func(po *PurchaseOrder)
}

type memoryPOTx struct {
	repo    *memoryPORepo
	orders  map[int64]PurchaseOrder
	history map[int64][]HistoryEntry
}

func newMemoryPORepo() *memoryPORepo {
	return &memoryPORepo{orders: make(map[int64]PurchaseOrder), history: make(map[int64][]HistoryEntry)}
}

func (r *memoryPORepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryPOTx{repo: r, orders: make(map[int64]PurchaseOrder), history: make(map[int64][]HistoryEntry)}
	for id, po := range r.orders {
		tx.orders[id] = po
	}
	for id, h := range r.history {
		tx.history[id] = append([]HistoryEntry(nil), h...)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.orders = tx.orders
	r.history = tx.history
	return nil
}

func (r *memoryPORepo) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	po.Lines = append([]Line(nil), po.Lines...)
	return po, nil
}

func (r *memoryPORepo) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error) {
	var out []PurchaseOrder
	for _, po := range r.orders {
		if filter.Stage != "" && po.CurrentStage != filter.Stage {
			continue
		}
		out = append(out, po)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *memoryPORepo) History(ctx context.Context, poID int64) ([]HistoryEntry, error) {
	return append([]HistoryEntry(nil), r.history[poID]...), nil
}

func (tx *memoryPOTx) Create(ctx context.Context, po PurchaseOrder) (int64, error) {
	tx.repo.nextID++
	po.ID = tx.repo.nextID
	tx.orders[po.ID] = po
	return po.ID, nil
}

func (tx *memoryPOTx) GetForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := tx.orders[id]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	if tx.repo.onLock != nil {
		tx.repo.onLock(&po)
	}
	return po, nil
}

func (tx *memoryPOTx) ReplaceLines(ctx context.Context, poID int64, lines []Line) error {
	po := tx.orders[poID]
	po.Lines = append([]Line(nil), lines...)
	tx.orders[poID] = po
	return nil
}

func (tx *memoryPOTx) UpdateState(ctx context.Context, po PurchaseOrder) error {
	lines := tx.orders[po.ID].Lines
	po.Lines = lines
	tx.orders[po.ID] = po
	return nil
}

func (tx *memoryPOTx) AppendHistory(ctx context.Context, poID int64, entry HistoryEntry) (int64, error) {
	entry.Seq = int64(len(tx.history[poID]) + 1)
	tx.history[poID] = append(tx.history[poID], entry)
	return entry.Seq, nil
}

type staticGrants map[int64]authz.Grants

func (s staticGrants) Grants(ctx context.Context, userID int64) (authz.Grants, error) {
	return s[userID], nil
}

type failingGrants struct{}

func (failingGrants) Grants(context.Context, int64) (authz.Grants, error) {
	return authz.Grants{}, errors.New("store down")
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type countingObserver struct {
	counts map[string]int
}

func (o *countingObserver) ObserveTransition(action, toStage string) {
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[action+">"+toStage]++
}

const (
	purchaser = int64(1)
	approver1 = int64(2)
	approver2 = int64(3)
	lead      = int64(4)
	qcManager = int64(5)
	whManager = int64(6)
	outsider  = int64(7)
)

func testGrants() staticGrants {
	return staticGrants{
		purchaser: {UserID: purchaser, Active: true, Permissions: []string{"po.view", "po.create", "po.submit"}},
		approver1: {UserID: approver1, Active: true, Permissions: []string{"po.view"}, Stages: map[string][]string{"PENDING_APPROVAL_L1": {"po.approve.l1"}}},
		approver2: {UserID: approver2, Active: true, Permissions: []string{"po.view"}, Stages: map[string][]string{"PENDING_APPROVAL_L2": {"po.approve.l2"}}},
		lead:      {UserID: lead, Active: true, Permissions: []string{"po.view", "po.order", "po.receive"}},
		qcManager: {UserID: qcManager, Active: true, Permissions: []string{"qc.approve"}},
		whManager: {UserID: whManager, Active: true, Permissions: []string{"warehouse.approve"}},
		outsider:  {UserID: outsider, Active: false, Permissions: []string{"po.submit"}},
	}
}

type fixture struct {
	svc      *Service
	repo     *memoryPORepo
	audit    *memoryAudit
	observer *countingObserver
}

func newFixture(t *testing.T, def workflow.Definition, grants GrantsSource) fixture {
	t.Helper()
	g, err := workflow.Compile(def)
	require.NoError(t, err)
	repo := newMemoryPORepo()
	audit := &memoryAudit{}
	observer := &countingObserver{}
	svc := NewService(repo, workflow.NewStaticProvider(g), grants, audit, observer, nil)
	return fixture{svc: svc, repo: repo, audit: audit, observer: observer}
}

func defaultFixture(t *testing.T) fixture {
	t.Helper()
	def, err := workflow.DefaultDefinition()
	require.NoError(t, err)
	return newFixture(t, def, testGrants())
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func sampleLines() []LineInput {
	return []LineInput{{ProductID: 11, Quantity: dec("10"), UnitPrice: dec("100"), Discount: dec("10"), GSTPercentage: dec("5")}}
}

func createDraft(t *testing.T, f fixture) PurchaseOrder {
	t.Helper()
	po, err := f.svc.Create(context.Background(), CreateInput{PrincipalID: 9, WarehouseID: 3, ActorID: purchaser})
	require.NoError(t, err)
	return po
}

func TestLineTotalAppliesDiscountThenTax(t *testing.T) {
	require.True(t, dec("945").Equal(LineTotal(dec("10"), dec("100"), dec("10"), dec("5"))))
	require.True(t, dec("3.33").Equal(LineTotal(dec("1"), dec("3.333"), decimal.Zero, decimal.Zero)))
}

func TestBuildLinesRejectsInvalidInput(t *testing.T) {
	_, _, err := BuildLines([]LineInput{{ProductID: 1, Quantity: decimal.Zero, UnitPrice: dec("1")}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, _, err = BuildLines([]LineInput{{ProductID: 1, Quantity: dec("1"), UnitPrice: dec("1"), Discount: dec("120")}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateStartsInInitialStage(t *testing.T) {
	f := defaultFixture(t)
	po, err := f.svc.Create(context.Background(), CreateInput{PrincipalID: 9, WarehouseID: 3, Lines: sampleLines(), ActorID: purchaser})
	require.NoError(t, err)
	require.Equal(t, "DRAFT", po.CurrentStage)
	require.Equal(t, "draft", po.Status)
	require.Equal(t, int64(1), po.Version)
	require.True(t, dec("945").Equal(po.TotalAmount))
	require.NotEmpty(t, po.Number)

	history, err := f.svc.History(context.Background(), po.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	require.Len(t, f.audit.logs, 1)
	require.Equal(t, "purchase_order", f.audit.logs[0].Resource)
}

func TestCreateRequiresPrincipalAndWarehouse(t *testing.T) {
	f := defaultFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{WarehouseID: 3, ActorID: purchaser})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestTransitionFullLifecycleAndReplay(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	po := createDraft(t, f)

	steps := []struct {
		actor   int64
		action  string
		payload Payload
		stage   string
	}{
		{purchaser, "submit", Payload{Products: sampleLines()}, "PENDING_APPROVAL_L1"},
		{approver1, "approve", Payload{}, "PENDING_APPROVAL_L2"},
		{approver2, "return", Payload{Remarks: "check prices"}, "PENDING_APPROVAL_L1"},
		{approver1, "approve", Payload{}, "PENDING_APPROVAL_L2"},
		{approver2, "approve", Payload{}, "APPROVED"},
		{lead, "place_order", Payload{}, "ORDERED"},
		{lead, "receive", Payload{Fields: map[string]string{"invoice_number": "INV-1"}}, "RECEIVED"},
		{lead, "send_to_qc", Payload{}, "QC_PENDING"},
		{qcManager, "qc_complete", Payload{Fields: map[string]string{"qc_results": "QC-1"}}, "WAREHOUSE_PENDING"},
		{whManager, "complete", Payload{Fields: map[string]string{"warehouse_approval": "WA-1"}}, "COMPLETED"},
	}
	for _, step := range steps {
		updated, err := f.svc.Transition(ctx, TransitionInput{POID: po.ID, Action: step.action, Payload: step.payload, ActorID: step.actor})
		require.NoError(t, err, step.action)
		require.Equal(t, step.stage, updated.CurrentStage)
		stage, _ := mustGraph(t, f).Stage(step.stage)
		require.Equal(t, stage.Status, updated.Status)
	}

	final, err := f.svc.Get(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", final.CurrentStage)
	require.Equal(t, int64(len(steps)+1), final.Version)
	require.Len(t, final.Lines, 1)
	require.True(t, dec("945").Equal(final.TotalAmount))

	history, err := f.svc.History(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, history, len(steps))
	for i, h := range history {
		require.Equal(t, int64(i+1), h.Seq)
	}
	require.Equal(t, "check prices", history[2].Remarks)

	report, err := f.svc.Verify(ctx, po.ID)
	require.NoError(t, err)
	require.True(t, report.Consistent, report.Problem)
	require.Equal(t, "COMPLETED", report.ReplayedStage)
	require.Equal(t, 2, f.observer.counts["approve>PENDING_APPROVAL_L2"])
}

func mustGraph(t *testing.T, f fixture) *workflow.Graph {
	t.Helper()
	g, err := f.svc.graphs.Graph(context.Background())
	require.NoError(t, err)
	return g
}

func TestSubmitWithoutDefinedTransitionIsInvalid(t *testing.T) {
	def := workflow.Definition{
		Version: "no-submit",
		Stages: []workflow.Stage{
			{Code: "DRAFT", Sequence: 1, Initial: true, AllowedActions: []string{"submit", "cancel"}, RequiredPermissions: []string{"po.submit"}},
			{Code: "CANCELLED", Sequence: 2, Terminal: true},
		},
		Transitions: []workflow.Transition{{From: "DRAFT", To: "CANCELLED", Action: "cancel"}},
	}
	f := newFixture(t, def, testGrants())
	po := createDraft(t, f)

	_, err := f.svc.Transition(context.Background(), TransitionInput{POID: po.ID, Action: "submit", Payload: Payload{Products: sampleLines()}, ActorID: purchaser})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	after, err := f.svc.Get(context.Background(), po.ID)
	require.NoError(t, err)
	require.Equal(t, "DRAFT", after.CurrentStage)
	require.Equal(t, po.Version, after.Version)
	require.Equal(t, po.Status, after.Status)
	require.Empty(t, f.repo.history[po.ID])
}

func TestActionOutsideStageIsInvalidForAnyActor(t *testing.T) {
	f := defaultFixture(t)
	po := createDraft(t, f)
	for _, actor := range []int64{purchaser, outsider, 999} {
		_, err := f.svc.Transition(context.Background(), TransitionInput{POID: po.ID, Action: "approve", ActorID: actor})
		require.ErrorIs(t, err, shared.ErrInvalidTransition)
	}
}

func TestTransitionRequiresPermission(t *testing.T) {
	f := defaultFixture(t)
	ctx := context.Background()
	po := createDraft(t, f)

	_, err := f.svc.Transition(ctx, TransitionInput{POID: po.ID, Action: "submit", Payload: Payload{Products: sampleLines()}, ActorID: outsider})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.Transition(ctx, TransitionInput{POID: po.ID, Action: "submit", Payload: Payload{Products: sampleLines()}, ActorID: purchaser})
	require.NoError(t, err)

	// approver2 only holds the approval permission inside L2.
	_, err = f.svc.Transition(ctx, TransitionInput{POID: po.ID, Action: "approve", ActorID: approver2})
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = f.svc.Transition(ctx, TransitionInput{POID: po.ID, Action: "approve", ActorID: approver1})
	require.NoError(t, err)
}

func TestTransitionReportsFirstMissingField(t *testing.T) {
	f := defaultFixture(t)
	po := createDraft(t, f)

	_, err := f.svc.Transition(context.Background(), TransitionInput{POID: po.ID, Action: "submit", ActorID: purchaser})
	require.ErrorIs(t, err, shared.ErrMissingRequiredField)
	var missing *shared.MissingFieldError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, "products", missing.Field)

	_, err = f.svc.Transition(context.Background(), TransitionInput{POID: po.ID, Action: "cancel", Payload: Payload{Remarks: "   "}, ActorID: purchaser})
	require.True(t, errors.As(err, &missing))
	require.Equal(t, "remarks", missing.Field)
}

func TestTransitionDetectsConcurrentChange(t *testing.T) {
	f := defaultFixture(t)
	po := createDraft(t, f)
	f.repo.onLock = func(locked *PurchaseOrder) { locked.Version++ }

	_, err := f.svc.Transition(context.Background(), TransitionInput{POID: po.ID, Action: "submit", Payload: Payload{Products: sampleLines()}, ActorID: purchaser})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Empty(t, f.repo.history[po.ID])
}

func TestTransitionSurfacesGrantErrors(t *testing.T) {
	def, err := workflow.DefaultDefinition()
	require.NoError(t, err)
	f := newFixture(t, def, failingGrants{})
	po := createDraft(t, f)

	_, err = f.svc.Transition(context.Background(), TransitionInput{POID: po.ID, Action: "submit", Payload: Payload{Products: sampleLines()}, ActorID: purchaser})
	require.Error(t, err)
	require.False(t, errors.Is(err, shared.ErrForbidden))
}

func TestAvailableActions(t *testing.T) {
	f := defaultFixture(t)
	po := createDraft(t, f)

	actions, err := f.svc.AvailableActions(context.Background(), purchaser, po.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Action)
	}
	require.Equal(t, []string{"submit", "cancel"}, names)

	actions, err = f.svc.AvailableActions(context.Background(), approver1, po.ID)
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestVerifyFlagsDivergedStage(t *testing.T) {
	f := defaultFixture(t)
	po := createDraft(t, f)
	stored := f.repo.orders[po.ID]
	stored.CurrentStage = "APPROVED"
	f.repo.orders[po.ID] = stored

	report, err := f.svc.Verify(context.Background(), po.ID)
	require.NoError(t, err)
	require.False(t, report.Consistent)
	require.Equal(t, "DRAFT", report.ReplayedStage)
}

func TestPayloadHas(t *testing.T) {
	p := Payload{Remarks: "ok", Fields: map[string]string{"invoice_number": " ", "qc_results": "x"}}
	require.True(t, p.Has("remarks"))
	require.False(t, p.Has("products"))
	require.False(t, p.Has("invoice_number"))
	require.True(t, p.Has("qc_results"))
	field, missing := p.FirstMissing([]string{"remarks", "invoice_number", "products"})
	require.True(t, missing)
	require.Equal(t, "invoice_number", field)
}
