package inventory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/shared"
)

// The functions below never touch storage. Each takes a snapshot, checks the
// quantity invariants and returns the next snapshot together with the
// movement or reservation entry that records the change.

func requireActive(inv Inventory) error {
	if !inv.IsActive {
		return fmt.Errorf("%w: inventory %d is inactive", shared.ErrNotReady, inv.ID)
	}
	return nil
}

func requirePositive(field string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", shared.ErrValidation, field)
	}
	return nil
}

func requireAvailable(inv Inventory, qty decimal.Decimal) error {
	if qty.GreaterThan(inv.AvailableStock()) {
		return fmt.Errorf("%w: inventory %d has %s available, %s requested",
			shared.ErrInsufficientStock, inv.ID, inv.AvailableStock().String(), qty.String())
	}
	return nil
}

func touch(inv Inventory, meta Meta) Inventory {
	inv.History = inv.History.clone()
	inv.UpdatedBy = meta.ActorID
	inv.UpdatedAt = meta.At
	return inv
}

func newMovement(next Inventory, typ MovementType, change decimal.Decimal, meta Meta) *Movement {
	return &Movement{
		InventoryID:   next.ID,
		Type:          typ,
		Change:        change,
		BalanceAfter:  next.CurrentStock,
		ActorID:       meta.ActorID,
		ReferenceType: meta.ReferenceType,
		ReferenceID:   meta.ReferenceID,
		ReferenceKey:  meta.ReferenceKey,
		Remarks:       meta.Remarks,
		CreatedAt:     meta.At,
	}
}

// MovingAverage blends the existing cost with an inbound cost, weighted by
// quantity.
func MovingAverage(currentQty, currentCost, inboundQty, inboundCost decimal.Decimal) decimal.Decimal {
	total := currentQty.Add(inboundQty)
	if !total.IsPositive() || !currentQty.IsPositive() {
		return inboundCost
	}
	value := currentQty.Mul(currentCost).Add(inboundQty.Mul(inboundCost))
	return value.Div(total).Round(4)
}

// AddStock increases current stock and appends an inward movement.
func AddStock(inv Inventory, qty decimal.Decimal, meta Meta) (Mutation, error) {
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	if err := requirePositive("quantity", qty); err != nil {
		return Mutation{}, err
	}
	next := touch(inv, meta)
	next.CurrentStock = inv.CurrentStock.Add(qty)
	return Mutation{Next: next, Movement: newMovement(next, MovementInward, qty, meta)}, nil
}

// ReceiveStock adds a receipt valued at unitCost and moves the average cost.
func ReceiveStock(inv Inventory, qty, unitCost decimal.Decimal, meta Meta) (Mutation, error) {
	if unitCost.IsNegative() {
		return Mutation{}, fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)
	}
	m, err := AddStock(inv, qty, meta)
	if err != nil {
		return Mutation{}, err
	}
	m.Next.UnitCost = MovingAverage(inv.CurrentStock, inv.UnitCost, qty, unitCost)
	return m, nil
}

// RemoveStock issues stock out for one of the removal movement types.
func RemoveStock(inv Inventory, qty decimal.Decimal, typ MovementType, meta Meta) (Mutation, error) {
	if !typ.Removal() {
		return Mutation{}, fmt.Errorf("%w: %q is not a removal movement", shared.ErrValidation, typ)
	}
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	if err := requirePositive("quantity", qty); err != nil {
		return Mutation{}, err
	}
	if err := requireAvailable(inv, qty); err != nil {
		return Mutation{}, err
	}
	next := touch(inv, meta)
	next.CurrentStock = inv.CurrentStock.Sub(qty)
	return Mutation{Next: next, Movement: newMovement(next, typ, qty.Neg(), meta)}, nil
}

// ReserveStock holds qty of the available stock.
func ReserveStock(inv Inventory, qty decimal.Decimal, expiresAt *time.Time, meta Meta) (Mutation, error) {
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	if err := requirePositive("quantity", qty); err != nil {
		return Mutation{}, err
	}
	if expiresAt != nil && !expiresAt.After(meta.At) {
		return Mutation{}, fmt.Errorf("%w: reservation expiry must be in the future", shared.ErrValidation)
	}
	if err := requireAvailable(inv, qty); err != nil {
		return Mutation{}, err
	}
	next := touch(inv, meta)
	next.ReservedStock = inv.ReservedStock.Add(qty)
	res := &Reservation{
		InventoryID:   inv.ID,
		ReservedQty:   qty,
		Status:        ReservationActive,
		ReferenceType: meta.ReferenceType,
		ReferenceID:   meta.ReferenceID,
		ExpiresAt:     expiresAt,
		ReservedBy:    meta.ActorID,
		CreatedAt:     meta.At,
	}
	return Mutation{Next: next, Reservation: res}, nil
}

func resolve(inv Inventory, res Reservation, status ReservationStatus, meta Meta) (Inventory, *Reservation, error) {
	if res.InventoryID != inv.ID {
		return Inventory{}, nil, fmt.Errorf("%w: reservation %d does not belong to inventory %d", shared.ErrNotFound, res.ID, inv.ID)
	}
	if res.Status != ReservationActive {
		return Inventory{}, nil, fmt.Errorf("%w: reservation %d is %s", shared.ErrInvalidTransition, res.ID, res.Status)
	}
	if res.ReservedQty.GreaterThan(inv.ReservedStock) {
		return Inventory{}, nil, fmt.Errorf("%w: reservation %d exceeds reserved stock of inventory %d", shared.ErrConflict, res.ID, inv.ID)
	}
	next := touch(inv, meta)
	next.ReservedStock = inv.ReservedStock.Sub(res.ReservedQty)
	at := meta.At
	res.Status = status
	res.ResolvedBy = meta.ActorID
	res.ResolvedAt = &at
	return next, &res, nil
}

// ReleaseReservation cancels an active reservation and frees its quantity.
func ReleaseReservation(inv Inventory, res Reservation, meta Meta) (Mutation, error) {
	next, resolved, err := resolve(inv, res, ReservationCancelled, meta)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Next: next, Reservation: resolved}, nil
}

// ExpireReservation frees the quantity of a reservation past its expiry.
func ExpireReservation(inv Inventory, res Reservation, meta Meta) (Mutation, error) {
	if res.ExpiresAt == nil || res.ExpiresAt.After(meta.At) {
		return Mutation{}, fmt.Errorf("%w: reservation %d has not expired", shared.ErrNotReady, res.ID)
	}
	next, resolved, err := resolve(inv, res, ReservationExpired, meta)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Next: next, Reservation: resolved}, nil
}

// FulfillReservation ships the reserved quantity: both reserved and current
// stock drop and an outward movement is appended.
func FulfillReservation(inv Inventory, res Reservation, meta Meta) (Mutation, error) {
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	next, resolved, err := resolve(inv, res, ReservationFulfilled, meta)
	if err != nil {
		return Mutation{}, err
	}
	next.CurrentStock = inv.CurrentStock.Sub(res.ReservedQty)
	if meta.ReferenceType == "" {
		meta.ReferenceType = "reservation"
		meta.ReferenceID = fmt.Sprint(res.ID)
	}
	return Mutation{Next: next, Movement: newMovement(next, MovementOutward, res.ReservedQty.Neg(), meta), Reservation: resolved}, nil
}

// AdjustStock sets current stock to a counted quantity. The count may not
// drop below what is already reserved.
func AdjustStock(inv Inventory, counted decimal.Decimal, meta Meta) (Mutation, error) {
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	if counted.IsNegative() {
		return Mutation{}, fmt.Errorf("%w: counted quantity must be >= 0", shared.ErrValidation)
	}
	if counted.LessThan(inv.ReservedStock) {
		return Mutation{}, fmt.Errorf("%w: inventory %d has %s reserved, count of %s is lower",
			shared.ErrInsufficientStock, inv.ID, inv.ReservedStock.String(), counted.String())
	}
	change := counted.Sub(inv.CurrentStock)
	if change.IsZero() {
		return Mutation{}, fmt.Errorf("%w: counted quantity equals current stock", shared.ErrValidation)
	}
	next := touch(inv, meta)
	next.CurrentStock = counted
	return Mutation{Next: next, Movement: newMovement(next, MovementAdjustment, change, meta)}, nil
}

// UtilizationInput describes a patient-level consumption.
type UtilizationInput struct {
	Quantity   decimal.Decimal
	HospitalID int64
	DoctorID   int64
	CaseID     string
	PatientID  string
}

// RecordUtilization consumes stock like RemoveStock and appends the
// consumption to the traceability history.
func RecordUtilization(inv Inventory, in UtilizationInput, meta Meta) (Mutation, error) {
	if in.HospitalID <= 0 {
		return Mutation{}, fmt.Errorf("%w: hospital required", shared.ErrValidation)
	}
	if in.CaseID == "" && in.PatientID == "" {
		return Mutation{}, fmt.Errorf("%w: case or patient required", shared.ErrValidation)
	}
	u := Utilization{
		ID:         uuid.New(),
		Quantity:   in.Quantity,
		HospitalID: in.HospitalID,
		DoctorID:   in.DoctorID,
		CaseID:     in.CaseID,
		PatientID:  in.PatientID,
		UtilizedBy: meta.ActorID,
		UtilizedAt: meta.At,
		Remarks:    meta.Remarks,
	}
	if meta.ReferenceType == "" {
		meta.ReferenceType = "utilization"
		meta.ReferenceID = u.ID.String()
	}
	m, err := RemoveStock(inv, in.Quantity, MovementOutward, meta)
	if err != nil {
		return Mutation{}, err
	}
	m.Next.History.Utilizations = append(m.Next.History.Utilizations, u)
	return m, nil
}

// Relocate moves the whole record to another slot in the same warehouse.
func Relocate(inv Inventory, to Location, meta Meta) (Mutation, error) {
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	if to.IsZero() {
		return Mutation{}, fmt.Errorf("%w: target location required", shared.ErrValidation)
	}
	if to == inv.Location {
		return Mutation{}, fmt.Errorf("%w: inventory %d is already at %s", shared.ErrValidation, inv.ID, to)
	}
	next := touch(inv, meta)
	next.Location = to
	mv := newMovement(next, MovementTransfer, decimal.Zero, meta)
	mv.FromWarehouseID = inv.WarehouseID
	mv.ToWarehouseID = inv.WarehouseID
	mv.FromLocation = inv.Location.String()
	mv.ToLocation = to.String()
	return Mutation{Next: next, Movement: mv}, nil
}

// TransferOut is the source leg of a warehouse transfer.
func TransferOut(inv Inventory, qty decimal.Decimal, toWarehouseID int64, transferID uuid.UUID, meta Meta) (Mutation, error) {
	if toWarehouseID == inv.WarehouseID {
		return Mutation{}, fmt.Errorf("%w: source and destination warehouse must differ", shared.ErrValidation)
	}
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	if err := requirePositive("quantity", qty); err != nil {
		return Mutation{}, err
	}
	if err := requireAvailable(inv, qty); err != nil {
		return Mutation{}, err
	}
	next := touch(inv, meta)
	next.CurrentStock = inv.CurrentStock.Sub(qty)
	mv := newMovement(next, MovementTransfer, qty.Neg(), meta)
	mv.FromWarehouseID = inv.WarehouseID
	mv.ToWarehouseID = toWarehouseID
	mv.FromLocation = inv.Location.String()
	mv.TransferID = transferID
	return Mutation{Next: next, Movement: mv}, nil
}

// TransferIn is the destination leg of a warehouse transfer. The destination
// takes the source cost into its moving average.
func TransferIn(inv Inventory, qty, unitCost decimal.Decimal, fromWarehouseID int64, transferID uuid.UUID, meta Meta) (Mutation, error) {
	if err := requireActive(inv); err != nil {
		return Mutation{}, err
	}
	if err := requirePositive("quantity", qty); err != nil {
		return Mutation{}, err
	}
	next := touch(inv, meta)
	next.CurrentStock = inv.CurrentStock.Add(qty)
	next.UnitCost = MovingAverage(inv.CurrentStock, inv.UnitCost, qty, unitCost)
	mv := newMovement(next, MovementTransfer, qty, meta)
	mv.FromWarehouseID = fromWarehouseID
	mv.ToWarehouseID = inv.WarehouseID
	mv.ToLocation = inv.Location.String()
	mv.TransferID = transferID
	return Mutation{Next: next, Movement: mv}, nil
}

// SetThresholds replaces the stock level limits.
func SetThresholds(inv Inventory, t Thresholds, meta Meta) (Inventory, error) {
	if t.MinimumStock.IsNegative() || t.MaximumStock.IsNegative() || t.ReorderLevel.IsNegative() {
		return Inventory{}, fmt.Errorf("%w: thresholds must be >= 0", shared.ErrValidation)
	}
	if t.MaximumStock.IsPositive() && t.MinimumStock.GreaterThan(t.MaximumStock) {
		return Inventory{}, fmt.Errorf("%w: minimum stock exceeds maximum stock", shared.ErrValidation)
	}
	next := touch(inv, meta)
	next.MinimumStock = t.MinimumStock
	next.MaximumStock = t.MaximumStock
	next.ReorderLevel = t.ReorderLevel
	return next, nil
}

// SoftDelete deactivates a record that holds no reservations.
func SoftDelete(inv Inventory, meta Meta) (Inventory, error) {
	if err := requireActive(inv); err != nil {
		return Inventory{}, err
	}
	if inv.ReservedStock.IsPositive() {
		return Inventory{}, fmt.Errorf("%w: inventory %d has %s reserved", shared.ErrNotReady, inv.ID, inv.ReservedStock.String())
	}
	next := touch(inv, meta)
	at := meta.At
	next.IsActive = false
	next.DeletedAt = &at
	next.DeletedBy = meta.ActorID
	return next, nil
}
