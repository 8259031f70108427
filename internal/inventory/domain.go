package inventory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType enumerates stock movement kinds.
type MovementType string

const (
	// MovementInward records stock received into a warehouse.
	MovementInward MovementType = "inward"
	// MovementOutward records stock issued out.
	MovementOutward MovementType = "outward"
	// MovementTransfer records one leg of a transfer or a relocation.
	MovementTransfer MovementType = "transfer"
	// MovementAdjustment records a stock count correction.
	MovementAdjustment MovementType = "adjustment"
	// MovementReturn records stock returned to the principal.
	MovementReturn MovementType = "return"
	// MovementExpired records stock written off past expiry.
	MovementExpired MovementType = "expired"
	// MovementDamaged records damaged stock.
	MovementDamaged MovementType = "damaged"
	// MovementLost records lost stock.
	MovementLost MovementType = "lost"
)

// Removal reports whether t is accepted by RemoveStock.
func (t MovementType) Removal() bool {
	switch t {
	case MovementOutward, MovementReturn, MovementExpired, MovementDamaged, MovementLost:
		return true
	}
	return false
}

// StockStatus is derived from quantities, thresholds and expiry.
type StockStatus string

const (
	StockOutOfStock StockStatus = "out_of_stock"
	StockLow        StockStatus = "low_stock"
	StockIn         StockStatus = "in_stock"
	StockOver       StockStatus = "overstock"
	StockExpired    StockStatus = "expired"
)

// ReservationStatus tracks a reservation's lifecycle.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Location addresses a storage slot inside a warehouse.
type Location struct {
	Zone  string `json:"zone"`
	Rack  string `json:"rack"`
	Shelf string `json:"shelf"`
	Bin   string `json:"bin"`
}

// IsZero reports whether no part of the location is set.
func (l Location) IsZero() bool {
	return l == Location{}
}

func (l Location) String() string {
	if l.IsZero() {
		return ""
	}
	return strings.Join([]string{l.Zone, l.Rack, l.Shelf, l.Bin}, "/")
}

// Key is the natural key of an inventory record.
type Key struct {
	ProductID   int64  `json:"product_id"`
	BatchNo     string `json:"batch_no"`
	WarehouseID int64  `json:"warehouse_id"`
}

// Utilization is the terminal consumption of stock for a patient case.
type Utilization struct {
	ID         uuid.UUID       `json:"id"`
	Quantity   decimal.Decimal `json:"quantity"`
	HospitalID int64           `json:"hospital_id"`
	DoctorID   int64           `json:"doctor_id,omitempty"`
	CaseID     string          `json:"case_id,omitempty"`
	PatientID  string          `json:"patient_id,omitempty"`
	UtilizedBy int64           `json:"utilized_by"`
	UtilizedAt time.Time       `json:"utilized_at"`
	Remarks    string          `json:"remarks,omitempty"`
}

// ReceiptOrigin is the upstream chain of one receipt posted into a record.
type ReceiptOrigin struct {
	PurchaseOrderID     int64           `json:"purchase_order_id,omitempty"`
	InvoiceReceivingID  int64           `json:"invoice_receiving_id,omitempty"`
	QualityControlID    int64           `json:"quality_control_id,omitempty"`
	WarehouseApprovalID int64           `json:"warehouse_approval_id,omitempty"`
	Quantity            decimal.Decimal `json:"quantity"`
	ReceivedAt          time.Time       `json:"received_at"`
}

// History is the upstream traceability snapshot of a record. The scalar ids
// name the first receipt; Receipts lists every receipt in posting order.
type History struct {
	PurchaseOrderID     int64           `json:"purchase_order_id,omitempty"`
	InvoiceReceivingID  int64           `json:"invoice_receiving_id,omitempty"`
	QualityControlID    int64           `json:"quality_control_id,omitempty"`
	WarehouseApprovalID int64           `json:"warehouse_approval_id,omitempty"`
	ReceivedAt          *time.Time      `json:"received_at,omitempty"`
	TransferredFrom     int64           `json:"transferred_from,omitempty"`
	Receipts            []ReceiptOrigin `json:"receipts,omitempty"`
	Utilizations        []Utilization   `json:"utilizations,omitempty"`
}

func (h History) clone() History {
	h.Receipts = append([]ReceiptOrigin(nil), h.Receipts...)
	h.Utilizations = append([]Utilization(nil), h.Utilizations...)
	return h
}

func (h History) hasUpstream() bool {
	return h.PurchaseOrderID != 0 || h.InvoiceReceivingID != 0 || h.QualityControlID != 0 || h.WarehouseApprovalID != 0
}

// Inventory is the stock of record for one (product, batch, warehouse).
// Available stock, total value and stock status are always derived.
type Inventory struct {
	ID            int64
	ProductID     int64
	BatchNo       string
	WarehouseID   int64
	ExpiryDate    *time.Time
	CurrentStock  decimal.Decimal
	ReservedStock decimal.Decimal
	UnitCost      decimal.Decimal
	MinimumStock  decimal.Decimal
	MaximumStock  decimal.Decimal
	ReorderLevel  decimal.Decimal
	Location      Location
	History       History
	IsActive      bool
	DeletedAt     *time.Time
	DeletedBy     int64
	Version       int64
	CreatedBy     int64
	UpdatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the natural key.
func (i Inventory) Key() Key {
	return Key{ProductID: i.ProductID, BatchNo: i.BatchNo, WarehouseID: i.WarehouseID}
}

// AvailableStock is current minus reserved stock.
func (i Inventory) AvailableStock() decimal.Decimal {
	return i.CurrentStock.Sub(i.ReservedStock)
}

// TotalValue is current stock valued at the moving average cost.
func (i Inventory) TotalValue() decimal.Decimal {
	return i.CurrentStock.Mul(i.UnitCost).Round(4)
}

// StockStatus derives the status at now.
func (i Inventory) StockStatus(now time.Time) StockStatus {
	switch {
	case i.ExpiryDate != nil && now.After(*i.ExpiryDate):
		return StockExpired
	case !i.CurrentStock.IsPositive():
		return StockOutOfStock
	case i.CurrentStock.LessThanOrEqual(i.ReorderLevel):
		return StockLow
	case i.MaximumStock.IsPositive() && i.CurrentStock.GreaterThan(i.MaximumStock):
		return StockOver
	}
	return StockIn
}

type inventoryJSON struct {
	ID             int64           `json:"id"`
	ProductID      int64           `json:"product_id"`
	BatchNo        string          `json:"batch_no"`
	WarehouseID    int64           `json:"warehouse_id"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	CurrentStock   decimal.Decimal `json:"current_stock"`
	ReservedStock  decimal.Decimal `json:"reserved_stock"`
	AvailableStock decimal.Decimal `json:"available_stock"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	TotalValue     decimal.Decimal `json:"total_value"`
	StockStatus    StockStatus     `json:"stock_status"`
	MinimumStock   decimal.Decimal `json:"minimum_stock"`
	MaximumStock   decimal.Decimal `json:"maximum_stock"`
	ReorderLevel   decimal.Decimal `json:"reorder_level"`
	Location       Location        `json:"location"`
	History        History         `json:"history"`
	IsActive       bool            `json:"is_active"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy      int64           `json:"deleted_by,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MarshalJSON renders the record with its derived fields.
func (i Inventory) MarshalJSON() ([]byte, error) {
	return json.Marshal(inventoryJSON{
		ID:             i.ID,
		ProductID:      i.ProductID,
		BatchNo:        i.BatchNo,
		WarehouseID:    i.WarehouseID,
		ExpiryDate:     i.ExpiryDate,
		CurrentStock:   i.CurrentStock,
		ReservedStock:  i.ReservedStock,
		AvailableStock: i.AvailableStock(),
		UnitCost:       i.UnitCost,
		TotalValue:     i.TotalValue(),
		StockStatus:    i.StockStatus(time.Now().UTC()),
		MinimumStock:   i.MinimumStock,
		MaximumStock:   i.MaximumStock,
		ReorderLevel:   i.ReorderLevel,
		Location:       i.Location,
		History:        i.History,
		IsActive:       i.IsActive,
		DeletedAt:      i.DeletedAt,
		DeletedBy:      i.DeletedBy,
		Version:        i.Version,
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
	})
}

// Movement is one entry of the append-only stock movement log.
type Movement struct {
	ID              int64           `json:"id"`
	InventoryID     int64           `json:"inventory_id"`
	Seq             int64           `json:"seq"`
	Type            MovementType    `json:"movement_type"`
	Change          decimal.Decimal `json:"change"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	FromWarehouseID int64           `json:"from_warehouse_id,omitempty"`
	ToWarehouseID   int64           `json:"to_warehouse_id,omitempty"`
	FromLocation    string          `json:"from_location,omitempty"`
	ToLocation      string          `json:"to_location,omitempty"`
	ActorID         int64           `json:"actor_id"`
	ReferenceType   string          `json:"reference_type,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	ReferenceKey    string          `json:"reference_key,omitempty"`
	TransferID      uuid.UUID       `json:"transfer_id,omitempty"`
	Remarks         string          `json:"remarks,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Reservation holds stock against a downstream demand.
type Reservation struct {
	ID            int64             `json:"id"`
	InventoryID   int64             `json:"inventory_id"`
	ReservedQty   decimal.Decimal   `json:"reserved_qty"`
	Status        ReservationStatus `json:"status"`
	ReferenceType string            `json:"reference_type,omitempty"`
	ReferenceID   string            `json:"reference_id,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	ReservedBy    int64             `json:"reserved_by"`
	ResolvedBy    int64             `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Meta describes who triggered a mutation and why.
type Meta struct {
	ActorID       int64
	ReferenceType string
	ReferenceID   string
	ReferenceKey  string
	Remarks       string
	At            time.Time
}

// Mutation is the outcome of a ledger function: the next state plus the log
// entries that explain it.
type Mutation struct {
	Next        Inventory    `json:"inventory"`
	Movement    *Movement    `json:"movement,omitempty"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

// Thresholds are the stock level limits of a record.
type Thresholds struct {
	MinimumStock decimal.Decimal
	MaximumStock decimal.Decimal
	ReorderLevel decimal.Decimal
}

// ListFilter narrows inventory listings.
type ListFilter struct {
	WarehouseID     int64
	ProductID       int64
	BatchNo         string
	StockStatus     StockStatus
	IncludeInactive bool
	Page            int
	PerPage         int
}

// TraceReport is the traceability chain of a record, from purchase order to
// patient utilization.
type TraceReport struct {
	Inventory    Inventory       `json:"inventory"`
	History      History         `json:"history"`
	Origin       *Inventory      `json:"origin,omitempty"`
	Receipts     []ReceiptOrigin `json:"receipts"`
	Transfers    []Movement      `json:"transfers"`
	Utilizations []Utilization   `json:"utilizations"`
}
