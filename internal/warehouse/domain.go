// Package warehouse records physical acceptance of QC-cleared batches and
// posts the accepted quantities to the inventory ledger.
package warehouse

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/inventory"
	"github.com/pharmadist/pharmadist/internal/qc"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Status is the lifecycle state of a warehouse approval.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// LineStatus is derived from the decided quantities of a product line.
type LineStatus string

const (
	LinePending           LineStatus = "pending"
	LineApproved          LineStatus = "approved"
	LinePartiallyApproved LineStatus = "partially_approved"
	LineRejected          LineStatus = "rejected"
)

// Product is one QC-cleared batch awaiting storage.
type Product struct {
	ProductID       int64              `json:"product_id"`
	BatchNumber     string             `json:"batch_number"`
	ExpiryDate      *time.Time         `json:"expiry_date,omitempty"`
	QCResult        qc.Result          `json:"qc_result"`
	Unit            string             `json:"unit"`
	ReceivedQty     decimal.Decimal    `json:"received_qty"`
	ApprovedQty     decimal.Decimal    `json:"approved_qty"`
	RejectedQty     decimal.Decimal    `json:"rejected_qty"`
	UnitCost        decimal.Decimal    `json:"unit_cost"`
	StorageLocation inventory.Location `json:"storage_location"`
	Status          LineStatus         `json:"status"`
	Remarks         string             `json:"remarks,omitempty"`
}

// WarehouseApproval is the storage acceptance record for one QC record.
type WarehouseApproval struct {
	ID                 int64      `json:"id"`
	Number             string     `json:"approval_number"`
	QualityControlID   int64      `json:"quality_control_id"`
	InvoiceReceivingID int64      `json:"invoice_receiving_id"`
	PurchaseOrderID    int64      `json:"purchase_order_id"`
	WarehouseID        int64      `json:"warehouse_id"`
	Status             Status     `json:"status"`
	Products           []Product  `json:"products"`
	Remarks            string     `json:"remarks"`
	SubmittedBy        int64      `json:"submitted_by,omitempty"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	ApprovedBy         int64      `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	RejectedBy         int64      `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time `json:"rejected_at,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	InventoryPosted    bool       `json:"inventory_posted"`
	Version            int64      `json:"version"`
	CreatedBy          int64      `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// FromQC builds a pending approval from an approved QC record. Only passed
// and partially passed lines are carried over.
func FromQC(record qc.QualityControl) (WarehouseApproval, error) {
	if err := qc.EligibleForWarehouse(record); err != nil {
		return WarehouseApproval{}, err
	}
	wa := WarehouseApproval{
		QualityControlID:   record.ID,
		InvoiceReceivingID: record.InvoiceReceivingID,
		PurchaseOrderID:    record.PurchaseOrderID,
		WarehouseID:        record.WarehouseID,
		Status:             StatusPending,
	}
	for _, p := range record.Products {
		if !p.Result.Accepted() {
			continue
		}
		wa.Products = append(wa.Products, Product{
			ProductID:   p.ProductID,
			BatchNumber: p.BatchNumber,
			ExpiryDate:  p.ExpiryDate,
			QCResult:    p.Result,
			Unit:        p.Unit,
			ReceivedQty: p.ReceivedQty,
			UnitCost:    p.UnitCost,
			Status:      LinePending,
		})
	}
	return wa, nil
}

// LineStatusFor derives the line status from decided quantities.
func LineStatusFor(received, approved, rejected decimal.Decimal) LineStatus {
	switch {
	case approved.IsPositive() && approved.Equal(received):
		return LineApproved
	case approved.IsPositive():
		return LinePartiallyApproved
	case rejected.IsPositive():
		return LineRejected
	default:
		return LinePending
	}
}

// Decision sets the storage outcome of one product line.
type Decision struct {
	ProductID       int64
	BatchNumber     string
	ApprovedQty     decimal.Decimal
	RejectedQty     decimal.Decimal
	StorageLocation inventory.Location
	Remarks         string
}

// ApplyDecision records quantities and location for a pending approval.
func ApplyDecision(wa WarehouseApproval, d Decision) (WarehouseApproval, error) {
	if wa.Status != StatusPending {
		return wa, fmt.Errorf("%w: warehouse approval %s is %s", shared.ErrInvalidTransition, wa.Number, wa.Status)
	}
	if d.ApprovedQty.IsNegative() || d.RejectedQty.IsNegative() {
		return wa, fmt.Errorf("%w: quantities must not be negative", shared.ErrValidation)
	}
	next := wa.clone()
	for i := range next.Products {
		p := &next.Products[i]
		if p.ProductID != d.ProductID || p.BatchNumber != d.BatchNumber {
			continue
		}
		if d.ApprovedQty.Add(d.RejectedQty).GreaterThan(p.ReceivedQty) {
			return wa, fmt.Errorf("%w: approved %s and rejected %s exceed received %s for product %d batch %s",
				shared.ErrValidation, d.ApprovedQty, d.RejectedQty, p.ReceivedQty, p.ProductID, p.BatchNumber)
		}
		p.ApprovedQty = d.ApprovedQty
		p.RejectedQty = d.RejectedQty
		p.StorageLocation = d.StorageLocation
		p.Remarks = d.Remarks
		p.Status = LineStatusFor(p.ReceivedQty, p.ApprovedQty, p.RejectedQty)
		return next, nil
	}
	return wa, fmt.Errorf("%w: product %d batch %s on %s", shared.ErrNotFound, d.ProductID, d.BatchNumber, wa.Number)
}

// SubmitApproval hands a fully decided approval over for sign-off.
func SubmitApproval(wa WarehouseApproval, remarks string, actorID int64, at time.Time) (WarehouseApproval, error) {
	if wa.Status != StatusPending {
		return wa, fmt.Errorf("%w: warehouse approval %s is %s", shared.ErrInvalidTransition, wa.Number, wa.Status)
	}
	for _, p := range wa.Products {
		if p.Status == LinePending {
			return wa, fmt.Errorf("%w: product %d batch %s is undecided", shared.ErrNotReady, p.ProductID, p.BatchNumber)
		}
		if p.ApprovedQty.IsPositive() && p.StorageLocation.IsZero() {
			return wa, fmt.Errorf("%w: product %d batch %s has no storage location", shared.ErrNotReady, p.ProductID, p.BatchNumber)
		}
	}
	next := wa.clone()
	next.Status = StatusSubmitted
	next.SubmittedBy = actorID
	next.SubmittedAt = &at
	if remarks != "" {
		next.Remarks = remarks
	}
	return next, nil
}

// ApproveApproval closes a submitted approval and marks its inventory posting
// as outstanding.
func ApproveApproval(wa WarehouseApproval, remarks string, actorID int64, at time.Time) (WarehouseApproval, error) {
	if wa.Status != StatusSubmitted {
		return wa, fmt.Errorf("%w: warehouse approval %s is %s", shared.ErrInvalidTransition, wa.Number, wa.Status)
	}
	next := wa.clone()
	next.Status = StatusApproved
	next.ApprovedBy = actorID
	next.ApprovedAt = &at
	next.InventoryPosted = false
	if remarks != "" {
		next.Remarks = remarks
	}
	return next, nil
}

// RejectApproval closes a submitted approval as rejected.
func RejectApproval(wa WarehouseApproval, reason string, actorID int64, at time.Time) (WarehouseApproval, error) {
	if wa.Status != StatusSubmitted {
		return wa, fmt.Errorf("%w: warehouse approval %s is %s", shared.ErrInvalidTransition, wa.Number, wa.Status)
	}
	if strings.TrimSpace(reason) == "" {
		return wa, shared.MissingField("reason")
	}
	next := wa.clone()
	next.Status = StatusRejected
	next.RejectedBy = actorID
	next.RejectedAt = &at
	next.RejectionReason = reason
	return next, nil
}

// ReferenceKey identifies the inventory receipt of one approved line.
func ReferenceKey(approvalID, productID int64, batch string) string {
	return fmt.Sprintf("wa:%d:%d:%s", approvalID, productID, batch)
}

// Receipts plans the inventory postings of an approved record. Lines with no
// approved quantity post nothing.
func (wa WarehouseApproval) Receipts(actorID int64) []inventory.ReceiveInput {
	var out []inventory.ReceiveInput
	for _, p := range wa.Products {
		if !p.ApprovedQty.IsPositive() {
			continue
		}
		out = append(out, inventory.ReceiveInput{
			Key:        inventory.Key{ProductID: p.ProductID, BatchNo: p.BatchNumber, WarehouseID: wa.WarehouseID},
			ExpiryDate: p.ExpiryDate,
			Quantity:   p.ApprovedQty,
			UnitCost:   p.UnitCost,
			Location:   p.StorageLocation,
			Trace: inventory.History{
				PurchaseOrderID:     wa.PurchaseOrderID,
				InvoiceReceivingID:  wa.InvoiceReceivingID,
				QualityControlID:    wa.QualityControlID,
				WarehouseApprovalID: wa.ID,
				ReceivedAt:          wa.ApprovedAt,
			},
			ReferenceKey:  ReferenceKey(wa.ID, p.ProductID, p.BatchNumber),
			ReferenceType: "warehouse_approval",
			ReferenceID:   wa.Number,
			ActorID:       actorID,
		})
	}
	return out
}

func (wa WarehouseApproval) clone() WarehouseApproval {
	next := wa
	next.Products = append([]Product(nil), wa.Products...)
	return next
}

// ListFilter narrows warehouse approval listings.
type ListFilter struct {
	Status           Status
	WarehouseID      int64
	QualityControlID int64
	Page             int
	PerPage          int
}
