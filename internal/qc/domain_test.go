package qc

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pharmadist/pharmadist/internal/shared"
)

func items(statuses ...ItemStatus) []Item {
	out := make([]Item, len(statuses))
	for i, s := range statuses {
		out[i] = Item{ID: uuid.New(), Status: s}
	}
	return out
}

func TestAggregateResult(t *testing.T) {
	cases := []struct {
		name  string
		items []Item
		want  Result
	}{
		{"empty", nil, ResultPending},
		{"all passed", items(ItemPassed, ItemPassed), ResultPassed},
		{"all failed", items(ItemFailed, ItemFailed, ItemFailed), ResultFailed},
		{"mixed", items(ItemPassed, ItemFailed), ResultPartialPass},
		{"pending wins", items(ItemPassed, ItemPending, ItemFailed), ResultPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, AggregateResult(tc.items))
		})
	}
}

func twoProductRecord() QualityControl {
	return QualityControl{
		ID:     1,
		Number: "QC-1",
		Status: StatusPending,
		Products: []Product{
			{ProductID: 100, BatchNumber: "A1", Result: ResultPending, Items: items(ItemPending, ItemPending)},
			{ProductID: 200, BatchNumber: "B1", Result: ResultPending, Items: items(ItemPending)},
		},
	}
}

func TestApplyItemResultLeavesInputUntouched(t *testing.T) {
	qc := twoProductRecord()
	itemID := qc.Products[0].Items[0].ID
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	next, err := ApplyItemResult(qc, ItemResult{ProductID: 100, ItemID: itemID, Status: ItemPassed, ActorID: 7}, now)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, next.Status)
	require.Equal(t, ItemPassed, next.Products[0].Items[0].Status)
	require.Equal(t, int64(7), next.Products[0].Items[0].InspectedBy)
	require.Equal(t, ResultPending, next.Products[0].Result)

	require.Equal(t, StatusPending, qc.Status)
	require.Equal(t, ItemPending, qc.Products[0].Items[0].Status)
}

func TestApplyItemResultValidation(t *testing.T) {
	qc := twoProductRecord()
	itemID := qc.Products[0].Items[0].ID
	now := time.Now()

	_, err := ApplyItemResult(qc, ItemResult{ProductID: 100, ItemID: itemID, Status: ItemFailed}, now)
	require.ErrorIs(t, err, shared.ErrMissingRequiredField)

	_, err = ApplyItemResult(qc, ItemResult{ProductID: 100, ItemID: itemID, Status: ItemPending}, now)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = ApplyItemResult(qc, ItemResult{ProductID: 200, ItemID: itemID, Status: ItemPassed}, now)
	require.ErrorIs(t, err, shared.ErrNotFound)

	qc.Status = StatusSubmitted
	_, err = ApplyItemResult(qc, ItemResult{ProductID: 100, ItemID: itemID, Status: ItemPassed}, now)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func resolveAll(t *testing.T, qc QualityControl, status map[int64]ItemStatus) QualityControl {
	t.Helper()
	for _, p := range qc.Products {
		for _, it := range p.Items {
			var err error
			qc, err = ApplyItemResult(qc, ItemResult{ProductID: p.ProductID, ItemID: it.ID, Status: status[p.ProductID], Reason: "out of spec"}, time.Now())
			require.NoError(t, err)
		}
	}
	return qc
}

func TestPassedAndFailedProductsCanBeSubmitted(t *testing.T) {
	qc := twoProductRecord()
	qc = resolveAll(t, qc, map[int64]ItemStatus{100: ItemPassed, 200: ItemFailed})
	require.Equal(t, ResultPassed, qc.Products[0].Result)
	require.Equal(t, ResultFailed, qc.Products[1].Result)
	require.Equal(t, ResultPartialPass, qc.Overall())

	submitted, err := SubmitRecord(qc, "done", 7, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, submitted.Status)
	require.NotNil(t, submitted.SubmittedAt)
}

func TestSubmitWithPendingItemsIsNotReady(t *testing.T) {
	qc := twoProductRecord()
	next, err := ApplyItemResult(qc, ItemResult{ProductID: 200, ItemID: qc.Products[1].Items[0].ID, Status: ItemPassed}, time.Now())
	require.NoError(t, err)

	_, err = SubmitRecord(next, "", 7, time.Now())
	require.ErrorIs(t, err, shared.ErrNotReady)
}

func TestApproveAndRejectAreExclusive(t *testing.T) {
	qc := resolveAll(t, twoProductRecord(), map[int64]ItemStatus{100: ItemPassed, 200: ItemPassed})
	qc, err := SubmitRecord(qc, "", 7, time.Now())
	require.NoError(t, err)

	_, err = RejectRecord(qc, " ", 8, time.Now())
	require.ErrorIs(t, err, shared.ErrMissingRequiredField)

	approved, err := ApproveRecord(qc, "ok", 8, time.Now())
	require.NoError(t, err)
	require.True(t, approved.Locked())
	require.NotNil(t, approved.ApprovedAt)
	require.Nil(t, approved.RejectedAt)

	_, err = RejectRecord(approved, "late", 8, time.Now())
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = ApproveRecord(approved, "", 8, time.Now())
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestEligibleForWarehouse(t *testing.T) {
	qc := resolveAll(t, twoProductRecord(), map[int64]ItemStatus{100: ItemFailed, 200: ItemFailed})
	require.ErrorIs(t, EligibleForWarehouse(qc), shared.ErrNotReady)

	qc.Status = StatusApproved
	require.ErrorIs(t, EligibleForWarehouse(qc), shared.ErrNotReady)

	qc.Products[1].Result = ResultPartialPass
	require.NoError(t, EligibleForWarehouse(qc))
}
