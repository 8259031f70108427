package inventory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmadist/pharmadist/internal/shared"
)

func stock(current, reserved string) Inventory {
	return Inventory{ID: 1, WarehouseID: w1, CurrentStock: d(current), ReservedStock: d(reserved), UnitCost: d("10"), IsActive: true, Version: 3}
}

func TestReserveScenarioFromAvailableStock(t *testing.T) {
	inv := stock("100", "10")
	_, err := ReserveStock(inv, d("95"), nil, Meta{At: t0})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	m, err := ReserveStock(inv, d("90"), nil, Meta{At: t0})
	require.NoError(t, err)
	require.True(t, m.Next.AvailableStock().IsZero())
	require.Nil(t, m.Movement)
	require.Equal(t, ReservationActive, m.Reservation.Status)
}

func TestLedgerFunctionsDoNotMutateInput(t *testing.T) {
	inv := stock("100", "10")
	inv.History.Utilizations = []Utilization{{ID: uuid.New(), Quantity: d("1")}}
	orig := inv

	_, err := RecordUtilization(inv, UtilizationInput{Quantity: d("5"), HospitalID: 1, CaseID: "C"}, Meta{At: t0})
	require.NoError(t, err)
	_, err = RemoveStock(inv, d("5"), MovementLost, Meta{At: t0})
	require.NoError(t, err)

	require.True(t, inv.CurrentStock.Equal(orig.CurrentStock))
	require.Len(t, inv.History.Utilizations, 1)
}

func TestRemoveStockRejectsNonRemovalType(t *testing.T) {
	_, err := RemoveStock(stock("10", "0"), d("1"), MovementInward, Meta{At: t0})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = RemoveStock(stock("10", "0"), d("0"), MovementOutward, Meta{At: t0})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMovingAverage(t *testing.T) {
	cases := []struct {
		name                     string
		qty, cost, inQty, inCost string
		want                     string
	}{
		{"empty record takes inbound cost", "0", "0", "10", "7.5", "7.5"},
		{"weighted by quantity", "100", "10", "50", "16", "12"},
		{"rounded to four places", "3", "1", "3", "2", "1.5"},
		{"repeating fraction", "1", "1", "2", "2", "1.6667"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MovingAverage(d(tc.qty), d(tc.cost), d(tc.inQty), d(tc.inCost))
			require.True(t, got.Equal(d(tc.want)), "got %s", got)
		})
	}
}

func TestStockStatus(t *testing.T) {
	past := t0.Add(-24 * time.Hour)
	cases := []struct {
		name string
		inv  Inventory
		want StockStatus
	}{
		{"out of stock", Inventory{}, StockOutOfStock},
		{"low at reorder level", Inventory{CurrentStock: d("5"), ReorderLevel: d("5")}, StockLow},
		{"in stock", Inventory{CurrentStock: d("50"), ReorderLevel: d("5"), MaximumStock: d("100")}, StockIn},
		{"over maximum", Inventory{CurrentStock: d("150"), MaximumStock: d("100")}, StockOver},
		{"expired wins", Inventory{CurrentStock: d("50"), ExpiryDate: &past}, StockExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.inv.StockStatus(t0))
		})
	}
}

func TestTransferLegsShareTransferID(t *testing.T) {
	id := uuid.New()
	src, dst := stock("100", "0"), Inventory{ID: 2, WarehouseID: w2, IsActive: true}
	out, err := TransferOut(src, d("25"), w2, id, Meta{At: t0})
	require.NoError(t, err)
	in, err := TransferIn(dst, d("25"), src.UnitCost, src.WarehouseID, id, Meta{At: t0})
	require.NoError(t, err)

	require.True(t, out.Next.CurrentStock.Equal(d("75")))
	require.True(t, in.Next.CurrentStock.Equal(d("25")))
	require.Equal(t, id, out.Movement.TransferID)
	require.Equal(t, id, in.Movement.TransferID)
	require.True(t, out.Movement.Change.Add(in.Movement.Change).IsZero())

	_, err = TransferOut(src, d("1"), w1, id, Meta{At: t0})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSetThresholdsValidates(t *testing.T) {
	_, err := SetThresholds(stock("1", "0"), Thresholds{MinimumStock: d("10"), MaximumStock: d("5")}, Meta{At: t0})
	require.ErrorIs(t, err, shared.ErrValidation)
	next, err := SetThresholds(stock("1", "0"), Thresholds{MinimumStock: d("2"), MaximumStock: d("50"), ReorderLevel: d("4")}, Meta{At: t0})
	require.NoError(t, err)
	require.Equal(t, StockLow, next.StockStatus(t0))
	require.True(t, next.ReorderLevel.Equal(decimal.NewFromInt(4)))
}
