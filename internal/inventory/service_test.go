package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmadist/pharmadist/internal/shared"
)

type memoryState struct {
	inventories  map[int64]Inventory
	movements    []Movement
	reservations map[int64]Reservation
	nextInv      int64
	nextMv       int64
	nextRes      int64
}

func (s *memoryState) clone() *memoryState {
	c := *s
	c.inventories = make(map[int64]Inventory, len(s.inventories))
	for id, inv := range s.inventories {
		c.inventories[id] = inv
	}
	c.movements = append([]Movement(nil), s.movements...)
	c.reservations = make(map[int64]Reservation, len(s.reservations))
	for id, res := range s.reservations {
		c.reservations[id] = res
	}
	return &c
}

// memoryRepo applies a transaction to a copy of the state and swaps it in on
// success, so a failed operation leaves nothing behind.
type memoryRepo struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryTx struct {
	s *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		inventories:  make(map[int64]Inventory),
		reservations: make(map[int64]Reservation),
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) view() *memoryTx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &memoryTx{s: r.state.clone()}
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Inventory, error) {
	return r.view().Get(ctx, id)
}

func (r *memoryRepo) GetByKey(ctx context.Context, key Key) (Inventory, error) {
	return r.view().GetByKey(ctx, key)
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter, now time.Time) ([]Inventory, int, error) {
	v := r.view()
	var items []Inventory
	for _, inv := range v.s.inventories {
		if !filter.IncludeInactive && !inv.IsActive {
			continue
		}
		if filter.WarehouseID > 0 && inv.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.ProductID > 0 && inv.ProductID != filter.ProductID {
			continue
		}
		if filter.StockStatus != "" && inv.StockStatus(now) != filter.StockStatus {
			continue
		}
		items = append(items, inv)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, len(items), nil
}

func (r *memoryRepo) Movements(ctx context.Context, inventoryID int64) ([]Movement, error) {
	var out []Movement
	for _, mv := range r.view().s.movements {
		if mv.InventoryID == inventoryID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (r *memoryRepo) Reservations(ctx context.Context, inventoryID int64, status ReservationStatus) ([]Reservation, error) {
	var out []Reservation
	for _, res := range r.view().s.reservations {
		if res.InventoryID == inventoryID && (status == "" || res.Status == status) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	var out []Reservation
	for _, res := range r.view().s.reservations {
		if res.Status == ReservationActive && res.ExpiresAt != nil && !res.ExpiresAt.After(now) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memoryTx) Create(ctx context.Context, inv Inventory) (int64, error) {
	if _, err := tx.GetByKey(ctx, inv.Key()); err == nil {
		return 0, fmt.Errorf("%w: duplicate key", shared.ErrConflict)
	}
	tx.s.nextInv++
	inv.ID = tx.s.nextInv
	tx.s.inventories[inv.ID] = inv
	return inv.ID, nil
}

func (tx *memoryTx) Get(ctx context.Context, id int64) (Inventory, error) {
	inv, ok := tx.s.inventories[id]
	if !ok {
		return Inventory{}, fmt.Errorf("%w: inventory %d", shared.ErrNotFound, id)
	}
	return inv, nil
}

func (tx *memoryTx) GetByKey(ctx context.Context, key Key) (Inventory, error) {
	for _, inv := range tx.s.inventories {
		if inv.Key() == key {
			return inv, nil
		}
	}
	return Inventory{}, fmt.Errorf("%w: inventory %v", shared.ErrNotFound, key)
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, id int64) (Inventory, error) {
	return tx.Get(ctx, id)
}

func (tx *memoryTx) GetByKeyForUpdate(ctx context.Context, key Key) (Inventory, error) {
	return tx.GetByKey(ctx, key)
}

func (tx *memoryTx) Update(ctx context.Context, inv Inventory) error {
	stored, ok := tx.s.inventories[inv.ID]
	if !ok || stored.Version != inv.Version-1 {
		return fmt.Errorf("%w: inventory %d version moved", shared.ErrConflict, inv.ID)
	}
	tx.s.inventories[inv.ID] = inv
	return nil
}

func (tx *memoryTx) AppendMovement(ctx context.Context, mv Movement) (Movement, error) {
	var seq int64
	for _, existing := range tx.s.movements {
		if mv.ReferenceKey != "" && existing.ReferenceKey == mv.ReferenceKey {
			return Movement{}, fmt.Errorf("%w: reference %s", shared.ErrConflict, mv.ReferenceKey)
		}
		if existing.InventoryID == mv.InventoryID {
			seq = existing.Seq
		}
	}
	tx.s.nextMv++
	mv.ID = tx.s.nextMv
	mv.Seq = seq + 1
	tx.s.movements = append(tx.s.movements, mv)
	return mv, nil
}

func (tx *memoryTx) FindMovementByReference(ctx context.Context, referenceKey string) (Movement, bool, error) {
	for _, mv := range tx.s.movements {
		if mv.ReferenceKey == referenceKey {
			return mv, true, nil
		}
	}
	return Movement{}, false, nil
}

func (tx *memoryTx) CreateReservation(ctx context.Context, res Reservation) (int64, error) {
	tx.s.nextRes++
	res.ID = tx.s.nextRes
	tx.s.reservations[res.ID] = res
	return res.ID, nil
}

func (tx *memoryTx) GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error) {
	res, ok := tx.s.reservations[id]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: reservation %d", shared.ErrNotFound, id)
	}
	return res, nil
}

func (tx *memoryTx) UpdateReservation(ctx context.Context, res Reservation) error {
	stored, ok := tx.s.reservations[res.ID]
	if !ok || stored.Status != ReservationActive {
		return fmt.Errorf("%w: reservation %d is no longer active", shared.ErrConflict, res.ID)
	}
	tx.s.reservations[res.ID] = res
	return nil
}

type memoryKeys struct {
	keys map[string]bool
}

func (m *memoryKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[module+":"+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+":"+key] = true
	return nil
}

func (m *memoryKeys) Delete(ctx context.Context, key, module string) error {
	delete(m.keys, module+":"+key)
	return nil
}

type movementCounter map[string]int

func (c movementCounter) ObserveMovement(movementType string) {
	c[movementType]++
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	repo    *memoryRepo
	keys    *memoryKeys
	metrics movementCounter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{repo: newMemoryRepo(), keys: &memoryKeys{keys: map[string]bool{}}, metrics: movementCounter{}}
	f.svc = NewService(f.repo, nil, f.keys, f.metrics, ServiceConfig{ReservationTTL: time.Hour}, nil)
	f.svc.now = func() time.Time { return t0 }
	return f
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

const (
	product = int64(11)
	batch   = "B-01"
	w1      = int64(1)
	w2      = int64(2)
	actor   = int64(7)
)

func (f fixture) receive(t *testing.T, warehouse int64, qty, cost string) Inventory {
	t.Helper()
	m, err := f.svc.ReceiveStock(context.Background(), ReceiveInput{
		Key:      Key{ProductID: product, BatchNo: batch, WarehouseID: warehouse},
		Quantity: d(qty),
		UnitCost: d(cost),
		Location: Location{Zone: "A", Rack: "1", Shelf: "2", Bin: "3"},
		Trace:    History{PurchaseOrderID: 100, InvoiceReceivingID: 200, QualityControlID: 300, WarehouseApprovalID: 400},
		ActorID:  actor,
	})
	require.NoError(t, err)
	return m.Next
}

func (f fixture) get(t *testing.T, id int64) Inventory {
	t.Helper()
	inv, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func requireBalanced(t *testing.T, inv Inventory) {
	t.Helper()
	require.True(t, inv.AvailableStock().Equal(inv.CurrentStock.Sub(inv.ReservedStock)))
	require.False(t, inv.ReservedStock.IsNegative())
	require.True(t, inv.ReservedStock.LessThanOrEqual(inv.CurrentStock))
	require.False(t, inv.AvailableStock().IsNegative())
}

func TestReserveBeyondAvailableLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "100", "10")
	_, err := f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("10"), Command: Command{ActorID: actor}})
	require.NoError(t, err)

	_, err = f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("95"), Command: Command{ActorID: actor}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	got := f.get(t, inv.ID)
	require.True(t, got.CurrentStock.Equal(d("100")))
	require.True(t, got.ReservedStock.Equal(d("10")))
	require.True(t, got.AvailableStock().Equal(d("90")))
	reservations, err := f.svc.Reservations(ctx, inv.ID, "")
	require.NoError(t, err)
	require.Len(t, reservations, 1)
}

func TestTransferToAnotherWarehouse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.receive(t, w1, "100", "10")

	res, err := f.svc.TransferStock(ctx, TransferInput{InventoryID: src.ID, Quantity: d("25"), ToWarehouseID: w2, Command: Command{ActorID: actor}})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.TransferID)
	require.NotNil(t, res.Destination)

	require.True(t, f.get(t, src.ID).CurrentStock.Equal(d("75")))
	dst, err := f.svc.GetByKey(ctx, Key{ProductID: product, BatchNo: batch, WarehouseID: w2})
	require.NoError(t, err)
	require.True(t, dst.CurrentStock.Equal(d("25")))
	require.True(t, dst.UnitCost.Equal(d("10")))
	require.Equal(t, src.ID, dst.History.TransferredFrom)
	require.Equal(t, int64(300), dst.History.QualityControlID)

	out, err := f.svc.Movements(ctx, src.ID)
	require.NoError(t, err)
	in, err := f.svc.Movements(ctx, dst.ID)
	require.NoError(t, err)
	leg := func(mvs []Movement) Movement {
		for _, mv := range mvs {
			if mv.Type == MovementTransfer {
				return mv
			}
		}
		t.Fatalf("no transfer movement in %v", mvs)
		return Movement{}
	}
	outLeg, inLeg := leg(out), leg(in)
	require.Equal(t, res.TransferID, outLeg.TransferID)
	require.Equal(t, res.TransferID, inLeg.TransferID)
	require.True(t, outLeg.Change.Equal(d("-25")))
	require.True(t, inLeg.Change.Equal(d("25")))
	require.Equal(t, w2, outLeg.ToWarehouseID)
	require.Equal(t, w1, inLeg.FromWarehouseID)

	_, err = f.svc.TransferStock(ctx, TransferInput{InventoryID: src.ID, Quantity: d("5"), ToWarehouseID: w2, Command: Command{ActorID: actor}})
	require.NoError(t, err)
	require.True(t, f.get(t, dst.ID).CurrentStock.Equal(d("30")))
	require.Equal(t, 4, f.metrics[string(MovementTransfer)])
}

func TestTransferBeyondAvailableWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.receive(t, w1, "10", "10")

	_, err := f.svc.TransferStock(ctx, TransferInput{InventoryID: src.ID, Quantity: d("25"), ToWarehouseID: w2, Command: Command{ActorID: actor}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	_, err = f.svc.GetByKey(ctx, Key{ProductID: product, BatchNo: batch, WarehouseID: w2})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.True(t, f.get(t, src.ID).CurrentStock.Equal(d("10")))
}

func TestTransferWithinWarehouseRelocates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "40", "10")
	to := Location{Zone: "C", Rack: "9", Shelf: "1", Bin: "4"}

	res, err := f.svc.TransferStock(ctx, TransferInput{InventoryID: inv.ID, ToWarehouseID: w1, ToLocation: to, Command: Command{ActorID: actor}})
	require.NoError(t, err)
	require.Nil(t, res.Destination)
	require.Equal(t, to, res.Source.Next.Location)
	require.True(t, res.Source.Next.CurrentStock.Equal(d("40")))
	require.Equal(t, MovementTransfer, res.Source.Movement.Type)
	require.True(t, res.Source.Movement.Change.IsZero())
	require.Equal(t, "A/1/2/3", res.Source.Movement.FromLocation)
	require.Equal(t, "C/9/1/4", res.Source.Movement.ToLocation)
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "100", "10")
	before := f.get(t, inv.ID)

	m, err := f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("30"), Command: Command{ActorID: actor}})
	require.NoError(t, err)
	require.NotNil(t, m.Reservation)
	require.Equal(t, t0.Add(time.Hour), *m.Reservation.ExpiresAt)

	_, err = f.svc.ReleaseReservation(ctx, ReservationInput{InventoryID: inv.ID, ReservationID: m.Reservation.ID, Command: Command{ActorID: actor}})
	require.NoError(t, err)

	after := f.get(t, inv.ID)
	require.True(t, after.ReservedStock.Equal(before.ReservedStock))
	require.True(t, after.AvailableStock().Equal(before.AvailableStock()))

	_, err = f.svc.ReleaseReservation(ctx, ReservationInput{InventoryID: inv.ID, ReservationID: m.Reservation.ID, Command: Command{ActorID: actor}})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestRemoveBeyondAvailableLeavesStockUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "100", "10")
	_, err := f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("10"), Command: Command{ActorID: actor}})
	require.NoError(t, err)
	movements, err := f.svc.Movements(ctx, inv.ID)
	require.NoError(t, err)

	_, err = f.svc.RemoveStock(ctx, RemoveInput{InventoryID: inv.ID, Quantity: d("95"), Type: MovementDamaged, Command: Command{ActorID: actor}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	require.True(t, f.get(t, inv.ID).CurrentStock.Equal(d("100")))
	again, err := f.svc.Movements(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, again, len(movements))
}

func TestAvailableStockHoldsAcrossOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "100", "10")
	cmd := Command{ActorID: actor}

	steps := []func() (Mutation, error){
		func() (Mutation, error) {
			return f.svc.AddStock(ctx, QuantityInput{InventoryID: inv.ID, Quantity: d("20"), Command: cmd})
		},
		func() (Mutation, error) {
			return f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("50"), Command: cmd})
		},
		func() (Mutation, error) {
			return f.svc.RemoveStock(ctx, RemoveInput{InventoryID: inv.ID, Quantity: d("30"), Type: MovementExpired, Command: cmd})
		},
		func() (Mutation, error) {
			return f.svc.FulfillReservation(ctx, ReservationInput{InventoryID: inv.ID, ReservationID: 1, Command: cmd})
		},
		func() (Mutation, error) {
			return f.svc.AdjustStock(ctx, AdjustInput{InventoryID: inv.ID, CountedQty: d("35"), Command: cmd})
		},
		func() (Mutation, error) {
			return f.svc.RecordUtilization(ctx, UtilizeInput{
				InventoryID:      inv.ID,
				UtilizationInput: UtilizationInput{Quantity: d("5"), HospitalID: 3, CaseID: "CASE-9"},
				Command:          cmd,
			})
		},
	}
	for i, step := range steps {
		m, err := step()
		require.NoError(t, err, "step %d", i)
		requireBalanced(t, m.Next)
		requireBalanced(t, f.get(t, inv.ID))
	}
	final := f.get(t, inv.ID)
	require.True(t, final.CurrentStock.Equal(d("30")))
	require.True(t, final.ReservedStock.IsZero())
}

func TestReceiveStockIsIdempotentByReferenceKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := ReceiveInput{
		Key:          Key{ProductID: product, BatchNo: batch, WarehouseID: w1},
		Quantity:     d("100"),
		UnitCost:     d("10"),
		ReferenceKey: "wa:4:11:B-01",
		ActorID:      actor,
	}
	first, err := f.svc.ReceiveStock(ctx, in)
	require.NoError(t, err)
	second, err := f.svc.ReceiveStock(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.Next.ID, second.Next.ID)
	require.Equal(t, first.Movement.ID, second.Movement.ID)
	require.True(t, f.get(t, first.Next.ID).CurrentStock.Equal(d("100")))

	in.ReferenceKey = "wa:5:11:B-01"
	in.Quantity = d("50")
	in.UnitCost = d("16")
	m, err := f.svc.ReceiveStock(ctx, in)
	require.NoError(t, err)
	require.True(t, m.Next.CurrentStock.Equal(d("150")))
	require.True(t, m.Next.UnitCost.Equal(d("12")))
	require.Equal(t, 2, f.metrics[string(MovementInward)])
}

func TestFulfillReservationShipsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "100", "10")
	m, err := f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("20"), Command: Command{ActorID: actor, ReferenceType: "sales_order", ReferenceID: "SO-1"}})
	require.NoError(t, err)

	done, err := f.svc.FulfillReservation(ctx, ReservationInput{InventoryID: inv.ID, ReservationID: m.Reservation.ID, Command: Command{ActorID: actor}})
	require.NoError(t, err)
	require.True(t, done.Next.CurrentStock.Equal(d("80")))
	require.True(t, done.Next.ReservedStock.IsZero())
	require.Equal(t, ReservationFulfilled, done.Reservation.Status)
	require.Equal(t, MovementOutward, done.Movement.Type)
	require.True(t, done.Movement.Change.Equal(d("-20")))

	_, err = f.svc.FulfillReservation(ctx, ReservationInput{InventoryID: inv.ID, ReservationID: m.Reservation.ID, Command: Command{ActorID: actor}})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestAdjustCannotDropBelowReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "100", "10")
	_, err := f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("40"), Command: Command{ActorID: actor}})
	require.NoError(t, err)

	_, err = f.svc.AdjustStock(ctx, AdjustInput{InventoryID: inv.ID, CountedQty: d("30"), Command: Command{ActorID: actor}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	m, err := f.svc.AdjustStock(ctx, AdjustInput{InventoryID: inv.ID, CountedQty: d("90"), Command: Command{ActorID: actor}})
	require.NoError(t, err)
	require.True(t, m.Movement.Change.Equal(d("-10")))
	require.Equal(t, MovementAdjustment, m.Movement.Type)
}

func TestRecordUtilizationExtendsTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "10", "10")

	m, err := f.svc.RecordUtilization(ctx, UtilizeInput{
		InventoryID:      inv.ID,
		UtilizationInput: UtilizationInput{Quantity: d("2"), HospitalID: 5, DoctorID: 8, PatientID: "P-77"},
		Command:          Command{ActorID: actor},
	})
	require.NoError(t, err)
	require.True(t, m.Next.CurrentStock.Equal(d("8")))
	require.Equal(t, "utilization", m.Movement.ReferenceType)

	report, err := f.svc.Trace(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), report.History.PurchaseOrderID)
	require.Equal(t, int64(400), report.History.WarehouseApprovalID)
	require.Len(t, report.Utilizations, 1)
	require.Equal(t, "P-77", report.Utilizations[0].PatientID)
	require.Equal(t, m.Movement.ReferenceID, report.Utilizations[0].ID.String())

	_, err = f.svc.RecordUtilization(ctx, UtilizeInput{
		InventoryID:      inv.ID,
		UtilizationInput: UtilizationInput{Quantity: d("2"), HospitalID: 5},
		Command:          Command{ActorID: actor},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestTraceKeepsEveryReceiptOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.receive(t, w1, "10", "10")

	m, err := f.svc.ReceiveStock(ctx, ReceiveInput{
		Key:          Key{ProductID: product, BatchNo: batch, WarehouseID: w1},
		Quantity:     d("4"),
		UnitCost:     d("10"),
		Trace:        History{PurchaseOrderID: 101, InvoiceReceivingID: 201, QualityControlID: 301, WarehouseApprovalID: 401},
		ReferenceKey: "wa:401:second",
		ActorID:      actor,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, m.Next.ID)
	require.True(t, m.Next.CurrentStock.Equal(d("14")))

	report, err := f.svc.Trace(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400), report.History.WarehouseApprovalID)
	require.Len(t, report.Receipts, 2)
	require.Equal(t, int64(400), report.Receipts[0].WarehouseApprovalID)
	require.True(t, report.Receipts[0].Quantity.Equal(d("10")))
	second := report.Receipts[1]
	require.Equal(t, int64(101), second.PurchaseOrderID)
	require.Equal(t, int64(201), second.InvoiceReceivingID)
	require.Equal(t, int64(301), second.QualityControlID)
	require.Equal(t, int64(401), second.WarehouseApprovalID)
	require.True(t, second.Quantity.Equal(d("4")))

	res, err := f.svc.TransferStock(ctx, TransferInput{InventoryID: first.ID, Quantity: d("3"), ToWarehouseID: w2, Command: Command{ActorID: actor}})
	require.NoError(t, err)
	dst, err := f.svc.Trace(ctx, res.Destination.Next.ID)
	require.NoError(t, err)
	require.Len(t, dst.Receipts, 2)
}

func TestTraceFollowsTransferOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.receive(t, w1, "50", "10")
	res, err := f.svc.TransferStock(ctx, TransferInput{InventoryID: src.ID, Quantity: d("10"), ToWarehouseID: w2, Command: Command{ActorID: actor}})
	require.NoError(t, err)

	report, err := f.svc.Trace(ctx, res.Destination.Next.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Origin)
	require.Equal(t, src.ID, report.Origin.ID)
	require.Len(t, report.Transfers, 1)
	require.Equal(t, res.TransferID, report.Transfers[0].TransferID)
}

func TestSoftDeleteRefusesWhileReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "10", "10")
	m, err := f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("1"), Command: Command{ActorID: actor}})
	require.NoError(t, err)

	_, err = f.svc.SoftDelete(ctx, inv.ID, Command{ActorID: actor})
	require.ErrorIs(t, err, shared.ErrNotReady)

	_, err = f.svc.ReleaseReservation(ctx, ReservationInput{InventoryID: inv.ID, ReservationID: m.Reservation.ID, Command: Command{ActorID: actor}})
	require.NoError(t, err)
	deleted, err := f.svc.SoftDelete(ctx, inv.ID, Command{ActorID: actor})
	require.NoError(t, err)
	require.False(t, deleted.IsActive)
	require.NotNil(t, deleted.DeletedAt)

	_, err = f.svc.AddStock(ctx, QuantityInput{InventoryID: inv.ID, Quantity: d("1"), Command: Command{ActorID: actor}})
	require.ErrorIs(t, err, shared.ErrNotReady)

	items, _, err := f.svc.List(ctx, ListFilter{WarehouseID: w1})
	require.NoError(t, err)
	require.Empty(t, items)
	items, _, err = f.svc.List(ctx, ListFilter{WarehouseID: w1, IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestExpireReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "10", "10")
	short := t0.Add(10 * time.Minute)
	_, err := f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("4"), ExpiresAt: &short, Command: Command{ActorID: actor}})
	require.NoError(t, err)
	_, err = f.svc.ReserveStock(ctx, ReserveInput{InventoryID: inv.ID, Quantity: d("3"), Command: Command{ActorID: actor}})
	require.NoError(t, err)

	n, err := f.svc.ExpireReservations(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, f.get(t, inv.ID).ReservedStock.Equal(d("3")))

	n, err = f.svc.ExpireReservations(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, f.get(t, inv.ID).ReservedStock.IsZero())

	expired, err := f.svc.Reservations(ctx, inv.ID, ReservationExpired)
	require.NoError(t, err)
	require.Len(t, expired, 2)
}

func TestIdempotencyKeyGuardsMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.receive(t, w1, "10", "10")
	cmd := Command{ActorID: actor, IdempotencyKey: "req-1"}

	_, err := f.svc.AddStock(ctx, QuantityInput{InventoryID: inv.ID, Quantity: d("5"), Command: cmd})
	require.NoError(t, err)
	_, err = f.svc.AddStock(ctx, QuantityInput{InventoryID: inv.ID, Quantity: d("5"), Command: cmd})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.True(t, f.get(t, inv.ID).CurrentStock.Equal(d("15")))

	failing := Command{ActorID: actor, IdempotencyKey: "req-2"}
	_, err = f.svc.RemoveStock(ctx, RemoveInput{InventoryID: inv.ID, Quantity: d("500"), Command: failing})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.False(t, f.keys.keys["inventory.remove:req-2"])
}

func TestCreateDuplicateKeyConflicts(t *testing.T) {
	f := newFixture(t)
	inv := f.receive(t, w1, "10", "10")
	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := tx.Create(ctx, Inventory{ProductID: inv.ProductID, BatchNo: inv.BatchNo, WarehouseID: inv.WarehouseID})
		return err
	})
	require.ErrorIs(t, err, shared.ErrConflict)
}
