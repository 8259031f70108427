// Package qc records inspection outcomes for received batches and decides
// which of them may move on to warehouse approval.
package qc

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/shared"
)

// Status is the lifecycle state of a QC record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
)

// Type classifies the inspection performed.
type Type string

const (
	TypeIncomingInspection Type = "incoming_inspection"
	TypeBatchTesting       Type = "batch_testing"
	TypeStabilityTesting   Type = "stability_testing"
	TypeSterilityTesting   Type = "sterility_testing"
	TypeReInspection       Type = "re_inspection"
)

// Valid reports whether t is a known inspection type.
func (t Type) Valid() bool {
	switch t {
	case TypeIncomingInspection, TypeBatchTesting, TypeStabilityTesting, TypeSterilityTesting, TypeReInspection:
		return true
	}
	return false
}

// Result is the aggregated outcome of a product line.
type Result string

const (
	ResultPending     Result = "pending"
	ResultPassed      Result = "passed"
	ResultFailed      Result = "failed"
	ResultPartialPass Result = "partial_pass"
)

// Accepted reports whether stock with this result may be stored.
func (r Result) Accepted() bool {
	return r == ResultPassed || r == ResultPartialPass
}

// ItemStatus is the outcome of one inspected unit or sub-batch.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemPassed  ItemStatus = "passed"
	ItemFailed  ItemStatus = "failed"
)

// Item is one inspected unit or sub-batch of a product line.
type Item struct {
	ID          uuid.UUID  `json:"id"`
	Status      ItemStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	InspectedBy int64      `json:"inspected_by,omitempty"`
	InspectedAt *time.Time `json:"inspected_at,omitempty"`
}

// Product is one received batch under inspection.
type Product struct {
	ProductID   int64           `json:"product_id"`
	ReceivedQty decimal.Decimal `json:"received_qty"`
	Unit        string          `json:"unit"`
	BatchNumber string          `json:"batch_number"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Result      Result          `json:"qc_result"`
	Items       []Item          `json:"items"`
}

// QualityControl is one inspection record for an invoice receiving.
type QualityControl struct {
	ID                 int64      `json:"id"`
	Number             string     `json:"qc_number"`
	InvoiceReceivingID int64      `json:"invoice_receiving_id"`
	PurchaseOrderID    int64      `json:"purchase_order_id"`
	WarehouseID        int64      `json:"warehouse_id"`
	Type               Type       `json:"qc_type"`
	Status             Status     `json:"status"`
	AssignedTo         int64      `json:"assigned_to"`
	Products           []Product  `json:"products"`
	Remarks            string     `json:"remarks"`
	SubmittedBy        int64      `json:"submitted_by,omitempty"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	ApprovedBy         int64      `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	RejectedBy         int64      `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time `json:"rejected_at,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	Version            int64      `json:"version"`
	CreatedBy          int64      `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Locked reports whether the record reached a terminal status.
func (qc QualityControl) Locked() bool {
	return qc.Status == StatusApproved || qc.Status == StatusRejected
}

// Overall aggregates every product result with the same rule used per product.
func (qc QualityControl) Overall() Result {
	statuses := make([]ItemStatus, 0, len(qc.Products))
	for _, p := range qc.Products {
		switch p.Result {
		case ResultPassed:
			statuses = append(statuses, ItemPassed)
		case ResultFailed:
			statuses = append(statuses, ItemFailed)
		case ResultPartialPass:
			statuses = append(statuses, ItemPassed, ItemFailed)
		default:
			statuses = append(statuses, ItemPending)
		}
	}
	return aggregate(statuses)
}

// AggregateResult derives a product result from its items: any pending item
// keeps the product pending, otherwise all passed is passed, all failed is
// failed and anything mixed is a partial pass.
func AggregateResult(items []Item) Result {
	statuses := make([]ItemStatus, len(items))
	for i, it := range items {
		statuses[i] = it.Status
	}
	return aggregate(statuses)
}

func aggregate(statuses []ItemStatus) Result {
	if len(statuses) == 0 {
		return ResultPending
	}
	var passed, failed int
	for _, s := range statuses {
		switch s {
		case ItemPassed:
			passed++
		case ItemFailed:
			failed++
		default:
			return ResultPending
		}
	}
	switch {
	case failed == 0:
		return ResultPassed
	case passed == 0:
		return ResultFailed
	default:
		return ResultPartialPass
	}
}

// NewItems creates count pending items.
func NewItems(count int) []Item {
	if count <= 0 {
		count = 1
	}
	items := make([]Item, count)
	for i := range items {
		items[i] = Item{ID: uuid.New(), Status: ItemPending}
	}
	return items
}

// ItemResult is one inspection outcome to apply.
type ItemResult struct {
	ProductID int64
	ItemID    uuid.UUID
	Status    ItemStatus
	Reason    string
	Notes     string
	ActorID   int64
}

// ApplyItemResult records an item outcome and recomputes the product result.
// The first result moves the record to in_progress.
func ApplyItemResult(qc QualityControl, in ItemResult, at time.Time) (QualityControl, error) {
	if qc.Status != StatusPending && qc.Status != StatusInProgress {
		return qc, fmt.Errorf("%w: qc %s is %s", shared.ErrInvalidTransition, qc.Number, qc.Status)
	}
	if in.Status != ItemPassed && in.Status != ItemFailed {
		return qc, fmt.Errorf("%w: item status must be passed or failed", shared.ErrValidation)
	}
	if in.Status == ItemFailed && strings.TrimSpace(in.Reason) == "" {
		return qc, shared.MissingField("reason")
	}
	next := qc.clone()
	for pi := range next.Products {
		p := &next.Products[pi]
		if p.ProductID != in.ProductID {
			continue
		}
		for ii := range p.Items {
			if p.Items[ii].ID != in.ItemID {
				continue
			}
			inspectedAt := at
			p.Items[ii] = Item{ID: in.ItemID, Status: in.Status, Reason: in.Reason, Notes: in.Notes, InspectedBy: in.ActorID, InspectedAt: &inspectedAt}
			p.Result = AggregateResult(p.Items)
			next.Status = StatusInProgress
			return next, nil
		}
	}
	return qc, fmt.Errorf("%w: item %s of product %d", shared.ErrNotFound, in.ItemID, in.ProductID)
}

// SubmitRecord hands a fully inspected record over for approval.
func SubmitRecord(qc QualityControl, remarks string, actorID int64, at time.Time) (QualityControl, error) {
	if qc.Status != StatusPending && qc.Status != StatusInProgress {
		return qc, fmt.Errorf("%w: qc %s is %s", shared.ErrInvalidTransition, qc.Number, qc.Status)
	}
	for _, p := range qc.Products {
		if p.Result == ResultPending {
			return qc, fmt.Errorf("%w: product %d batch %s has pending items", shared.ErrNotReady, p.ProductID, p.BatchNumber)
		}
	}
	next := qc.clone()
	next.Status = StatusSubmitted
	next.SubmittedBy = actorID
	next.SubmittedAt = &at
	if remarks != "" {
		next.Remarks = remarks
	}
	return next, nil
}

// ApproveRecord closes a submitted record as approved.
func ApproveRecord(qc QualityControl, remarks string, actorID int64, at time.Time) (QualityControl, error) {
	if qc.Status != StatusSubmitted {
		return qc, fmt.Errorf("%w: qc %s is %s", shared.ErrInvalidTransition, qc.Number, qc.Status)
	}
	next := qc.clone()
	next.Status = StatusApproved
	next.ApprovedBy = actorID
	next.ApprovedAt = &at
	if remarks != "" {
		next.Remarks = remarks
	}
	return next, nil
}

// RejectRecord closes a submitted record as rejected. A reason is mandatory.
func RejectRecord(qc QualityControl, reason string, actorID int64, at time.Time) (QualityControl, error) {
	if qc.Status != StatusSubmitted {
		return qc, fmt.Errorf("%w: qc %s is %s", shared.ErrInvalidTransition, qc.Number, qc.Status)
	}
	if strings.TrimSpace(reason) == "" {
		return qc, shared.MissingField("reason")
	}
	next := qc.clone()
	next.Status = StatusRejected
	next.RejectedBy = actorID
	next.RejectedAt = &at
	next.RejectionReason = reason
	return next, nil
}

// EligibleForWarehouse gates warehouse approval creation: the record must be
// approved and hold at least one passed or partially passed line.
func EligibleForWarehouse(qc QualityControl) error {
	if qc.Status != StatusApproved {
		return fmt.Errorf("%w: qc %s is %s", shared.ErrNotReady, qc.Number, qc.Status)
	}
	for _, p := range qc.Products {
		if p.Result.Accepted() {
			return nil
		}
	}
	return fmt.Errorf("%w: qc %s has no accepted products", shared.ErrNotReady, qc.Number)
}

func (qc QualityControl) clone() QualityControl {
	next := qc
	next.Products = make([]Product, len(qc.Products))
	for i, p := range qc.Products {
		p.Items = append([]Item(nil), p.Items...)
		next.Products[i] = p
	}
	return next
}

// ListFilter narrows QC listings.
type ListFilter struct {
	Status             Status
	AssignedTo         int64
	InvoiceReceivingID int64
	Page               int
	PerPage            int
}

// LineKey identifies one received line of an invoice receiving.
type LineKey struct {
	ProductID   int64
	BatchNumber string
}

// Lines lists the received lines the record inspects.
func (qc QualityControl) Lines() []LineKey {
	keys := make([]LineKey, 0, len(qc.Products))
	for _, p := range qc.Products {
		keys = append(keys, LineKey{ProductID: p.ProductID, BatchNumber: p.BatchNumber})
	}
	return keys
}

// HoldsLines reports whether the record still claims its received lines.
// A rejected record releases them for re-inspection.
func (qc QualityControl) HoldsLines() bool {
	return qc.Status != StatusRejected
}
