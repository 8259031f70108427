package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pharmadist/pharmadist/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Inventory, error)
	GetByKey(ctx context.Context, key Key) (Inventory, error)
	List(ctx context.Context, filter ListFilter, now time.Time) ([]Inventory, int, error)
	Movements(ctx context.Context, inventoryID int64) ([]Movement, error)
	Reservations(ctx context.Context, inventoryID int64, status ReservationStatus) ([]Reservation, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Create(ctx context.Context, inv Inventory) (int64, error)
	Get(ctx context.Context, id int64) (Inventory, error)
	GetByKey(ctx context.Context, key Key) (Inventory, error)
	GetForUpdate(ctx context.Context, id int64) (Inventory, error)
	GetByKeyForUpdate(ctx context.Context, key Key) (Inventory, error)
	Update(ctx context.Context, inv Inventory) error
	AppendMovement(ctx context.Context, mv Movement) (Movement, error)
	FindMovementByReference(ctx context.Context, referenceKey string) (Movement, bool, error)
	CreateReservation(ctx context.Context, res Reservation) (int64, error)
	GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error)
	UpdateReservation(ctx context.Context, res Reservation) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards client supplied request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// MovementObserver counts committed stock movements.
type MovementObserver interface {
	ObserveMovement(movementType string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	ReservationTTL time.Duration
}

// Service coordinates inventory operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MovementObserver
	logger      *slog.Logger
	cfg         ServiceConfig
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, metrics MovementObserver, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Command carries the request context shared by every mutation.
type Command struct {
	ActorID        int64
	IdempotencyKey string
	ReferenceType  string
	ReferenceID    string
	Remarks        string
}

func (c Command) meta(at time.Time) Meta {
	return Meta{
		ActorID:       c.ActorID,
		ReferenceType: c.ReferenceType,
		ReferenceID:   c.ReferenceID,
		Remarks:       c.Remarks,
		At:            at,
	}
}

// ReceiveInput posts an approved receipt into the ledger.
type ReceiveInput struct {
	Key
	ExpiryDate    *time.Time
	Quantity      decimal.Decimal
	UnitCost      decimal.Decimal
	Location      Location
	Trace         History
	ReferenceKey  string
	ReferenceType string
	ReferenceID   string
	ActorID       int64
}

// QuantityInput changes stock by a quantity.
type QuantityInput struct {
	InventoryID int64
	Quantity    decimal.Decimal
	Command
}

// RemoveInput issues stock for a removal movement type.
type RemoveInput struct {
	InventoryID int64
	Quantity    decimal.Decimal
	Type        MovementType
	Command
}

// ReserveInput holds stock for downstream demand.
type ReserveInput struct {
	InventoryID int64
	Quantity    decimal.Decimal
	ExpiresAt   *time.Time
	Command
}

// ReservationInput resolves one reservation.
type ReservationInput struct {
	InventoryID   int64
	ReservationID int64
	Command
}

// AdjustInput records a stock count.
type AdjustInput struct {
	InventoryID int64
	CountedQty  decimal.Decimal
	Command
}

// UtilizeInput consumes stock for a patient case.
type UtilizeInput struct {
	InventoryID int64
	UtilizationInput
	Command
}

// TransferInput moves stock to another warehouse, or relocates the record
// when the destination warehouse is empty or the same.
type TransferInput struct {
	InventoryID   int64
	Quantity      decimal.Decimal
	ToWarehouseID int64
	ToLocation    Location
	Command
}

// TransferResult reports both legs of a transfer. Destination is nil for a
// relocation.
type TransferResult struct {
	TransferID  uuid.UUID `json:"transfer_id,omitempty"`
	Source      Mutation  `json:"source"`
	Destination *Mutation `json:"destination,omitempty"`
}

// ThresholdsInput replaces stock level limits.
type ThresholdsInput struct {
	InventoryID int64
	Thresholds
	Command
}

// ReceiveStock finds or creates the record for the key and adds the receipt.
// A reference key that was already posted returns the existing state without
// a second movement.
func (s *Service) ReceiveStock(ctx context.Context, input ReceiveInput) (Mutation, error) {
	if input.ProductID <= 0 || input.WarehouseID <= 0 || input.BatchNo == "" {
		return Mutation{}, fmt.Errorf("%w: product, batch and warehouse required", shared.ErrValidation)
	}
	now := s.now()
	meta := Meta{
		ActorID:       input.ActorID,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		ReferenceKey:  input.ReferenceKey,
		At:            now,
	}
	var (
		before   Inventory
		out      Mutation
		replayed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.ReferenceKey != "" {
			mv, found, err := tx.FindMovementByReference(ctx, input.ReferenceKey)
			if err != nil {
				return err
			}
			if found {
				inv, err := tx.Get(ctx, mv.InventoryID)
				if err != nil {
					return err
				}
				out, replayed = Mutation{Next: inv, Movement: &mv}, true
				return nil
			}
		}
		current, err := tx.GetByKeyForUpdate(ctx, input.Key)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			current = Inventory{
				ProductID:   input.ProductID,
				BatchNo:     input.BatchNo,
				WarehouseID: input.WarehouseID,
				ExpiryDate:  input.ExpiryDate,
				Location:    input.Location,
				History:     History{ReceivedAt: input.Trace.ReceivedAt},
				IsActive:    true,
				Version:     1,
				CreatedBy:   input.ActorID,
				UpdatedBy:   input.ActorID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if current.History.ReceivedAt == nil {
				current.History.ReceivedAt = &now
			}
			id, err := tx.Create(ctx, current)
			if err != nil {
				return err
			}
			current.ID = id
		case err != nil:
			return err
		}
		m, err := ReceiveStock(current, input.Quantity, input.UnitCost, meta)
		if err != nil {
			return err
		}
		m.Next.History = mergeTrace(m.Next.History, input.Trace, input.Quantity, now)
		if m.Next.Location.IsZero() {
			m.Next.Location = input.Location
		}
		persisted, err := persist(ctx, tx, current, m)
		if err != nil {
			return err
		}
		before, out = current, persisted
		return nil
	})
	if err != nil {
		return Mutation{}, err
	}
	if replayed {
		s.logger.Info("inventory receipt already posted", slog.String("reference_key", input.ReferenceKey), slog.Int64("inventory_id", out.Next.ID))
		return out, nil
	}
	s.committed(ctx, "receive", before, out)
	return out, nil
}

// mergeTrace fills the first-receipt ids when still empty and appends the
// receipt's own origin so later receipts stay traceable.
func mergeTrace(h, trace History, qty decimal.Decimal, at time.Time) History {
	if h.PurchaseOrderID == 0 {
		h.PurchaseOrderID = trace.PurchaseOrderID
	}
	if h.InvoiceReceivingID == 0 {
		h.InvoiceReceivingID = trace.InvoiceReceivingID
	}
	if h.QualityControlID == 0 {
		h.QualityControlID = trace.QualityControlID
	}
	if h.WarehouseApprovalID == 0 {
		h.WarehouseApprovalID = trace.WarehouseApprovalID
	}
	if h.ReceivedAt == nil {
		h.ReceivedAt = trace.ReceivedAt
	}
	if !trace.hasUpstream() {
		return h
	}
	if trace.ReceivedAt != nil {
		at = *trace.ReceivedAt
	}
	h.Receipts = append(h.Receipts, ReceiptOrigin{
		PurchaseOrderID:     trace.PurchaseOrderID,
		InvoiceReceivingID:  trace.InvoiceReceivingID,
		QualityControlID:    trace.QualityControlID,
		WarehouseApprovalID: trace.WarehouseApprovalID,
		Quantity:            qty,
		ReceivedAt:          at,
	})
	return h
}

// AddStock adds stock to an existing record.
func (s *Service) AddStock(ctx context.Context, input QuantityInput) (Mutation, error) {
	return s.mutate(ctx, input.InventoryID, "add", input.Command, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		return AddStock(inv, input.Quantity, meta)
	})
}

// RemoveStock issues stock out of a record.
func (s *Service) RemoveStock(ctx context.Context, input RemoveInput) (Mutation, error) {
	if input.Type == "" {
		input.Type = MovementOutward
	}
	return s.mutate(ctx, input.InventoryID, "remove", input.Command, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		return RemoveStock(inv, input.Quantity, input.Type, meta)
	})
}

// ReserveStock holds stock. Without an explicit expiry the configured
// reservation TTL applies.
func (s *Service) ReserveStock(ctx context.Context, input ReserveInput) (Mutation, error) {
	expires := input.ExpiresAt
	if expires == nil && s.cfg.ReservationTTL > 0 {
		at := s.now().Add(s.cfg.ReservationTTL)
		expires = &at
	}
	return s.mutate(ctx, input.InventoryID, "reserve", input.Command, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		return ReserveStock(inv, input.Quantity, expires, meta)
	})
}

// ReleaseReservation cancels an active reservation.
func (s *Service) ReleaseReservation(ctx context.Context, input ReservationInput) (Mutation, error) {
	return s.mutate(ctx, input.InventoryID, "release", input.Command, func(ctx context.Context, tx TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		res, err := tx.GetReservationForUpdate(ctx, input.ReservationID)
		if err != nil {
			return Mutation{}, err
		}
		return ReleaseReservation(inv, res, meta)
	})
}

// FulfillReservation ships a reservation.
func (s *Service) FulfillReservation(ctx context.Context, input ReservationInput) (Mutation, error) {
	return s.mutate(ctx, input.InventoryID, "fulfill", input.Command, func(ctx context.Context, tx TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		res, err := tx.GetReservationForUpdate(ctx, input.ReservationID)
		if err != nil {
			return Mutation{}, err
		}
		return FulfillReservation(inv, res, meta)
	})
}

// AdjustStock records a physical count.
func (s *Service) AdjustStock(ctx context.Context, input AdjustInput) (Mutation, error) {
	return s.mutate(ctx, input.InventoryID, "adjust", input.Command, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		return AdjustStock(inv, input.CountedQty, meta)
	})
}

// RecordUtilization consumes stock for a patient case.
func (s *Service) RecordUtilization(ctx context.Context, input UtilizeInput) (Mutation, error) {
	return s.mutate(ctx, input.InventoryID, "utilize", input.Command, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		return RecordUtilization(inv, input.UtilizationInput, meta)
	})
}

// UpdateThresholds replaces the stock level limits.
func (s *Service) UpdateThresholds(ctx context.Context, input ThresholdsInput) (Inventory, error) {
	m, err := s.mutate(ctx, input.InventoryID, "thresholds", input.Command, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		next, err := SetThresholds(inv, input.Thresholds, meta)
		return Mutation{Next: next}, err
	})
	return m.Next, err
}

// SoftDelete deactivates a record. Records with reservations are refused.
func (s *Service) SoftDelete(ctx context.Context, id int64, cmd Command) (Inventory, error) {
	m, err := s.mutate(ctx, id, "delete", cmd, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		next, err := SoftDelete(inv, meta)
		return Mutation{Next: next}, err
	})
	return m.Next, err
}

// TransferStock moves stock to another warehouse. Both legs are written in
// one transaction and share a transfer id. Without a different destination
// warehouse the record is relocated instead.
func (s *Service) TransferStock(ctx context.Context, input TransferInput) (TransferResult, error) {
	if input.ToWarehouseID <= 0 {
		return s.relocate(ctx, input)
	}
	now := s.now()
	meta := input.Command.meta(now)
	transferID := uuid.New()
	if meta.ReferenceType == "" {
		meta.ReferenceType = "transfer"
		meta.ReferenceID = transferID.String()
	}
	var (
		result    TransferResult
		srcBefore Inventory
		dstBefore Inventory
	)
	peek, err := s.repo.Get(ctx, input.InventoryID)
	if err != nil {
		return TransferResult{}, err
	}
	if peek.WarehouseID == input.ToWarehouseID {
		return s.relocate(ctx, input)
	}
	err = s.once(ctx, input.IdempotencyKey, "inventory.transfer", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			key := Key{ProductID: peek.ProductID, BatchNo: peek.BatchNo, WarehouseID: input.ToWarehouseID}
			dstID, err := s.destination(ctx, tx, peek, key, input.ToLocation, meta)
			if err != nil {
				return err
			}
			locked, err := lockInOrder(ctx, tx, peek.ID, dstID)
			if err != nil {
				return err
			}
			src, dst := locked[peek.ID], locked[dstID]
			out, err := TransferOut(src, input.Quantity, input.ToWarehouseID, transferID, meta)
			if err != nil {
				return err
			}
			in, err := TransferIn(dst, input.Quantity, src.UnitCost, src.WarehouseID, transferID, meta)
			if err != nil {
				return err
			}
			if out, err = persist(ctx, tx, src, out); err != nil {
				return err
			}
			if in, err = persist(ctx, tx, dst, in); err != nil {
				return err
			}
			srcBefore, dstBefore = src, dst
			result = TransferResult{TransferID: transferID, Source: out, Destination: &in}
			return nil
		})
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.committed(ctx, "transfer_out", srcBefore, result.Source)
	s.committed(ctx, "transfer_in", dstBefore, *result.Destination)
	return result, nil
}

// destination returns the id of the destination record, creating an empty
// one that inherits the source trace when the key is new.
func (s *Service) destination(ctx context.Context, tx TxRepository, src Inventory, key Key, loc Location, meta Meta) (int64, error) {
	dst, err := tx.GetByKey(ctx, key)
	if err == nil {
		return dst.ID, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return 0, err
	}
	trace := src.History.clone()
	trace.Utilizations = nil
	trace.TransferredFrom = src.ID
	return tx.Create(ctx, Inventory{
		ProductID:   key.ProductID,
		BatchNo:     key.BatchNo,
		WarehouseID: key.WarehouseID,
		ExpiryDate:  src.ExpiryDate,
		Location:    loc,
		History:     trace,
		IsActive:    true,
		Version:     1,
		CreatedBy:   meta.ActorID,
		UpdatedBy:   meta.ActorID,
		CreatedAt:   meta.At,
		UpdatedAt:   meta.At,
	})
}

func lockInOrder(ctx context.Context, tx TxRepository, ids ...int64) (map[int64]Inventory, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	locked := make(map[int64]Inventory, len(sorted))
	for _, id := range sorted {
		inv, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = inv
	}
	return locked, nil
}

func (s *Service) relocate(ctx context.Context, input TransferInput) (TransferResult, error) {
	m, err := s.mutate(ctx, input.InventoryID, "relocate", input.Command, func(_ context.Context, _ TxRepository, inv Inventory, meta Meta) (Mutation, error) {
		return Relocate(inv, input.ToLocation, meta)
	})
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Source: m}, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64) (Inventory, error) {
	return s.repo.Get(ctx, id)
}

// GetByKey returns the record of a (product, batch, warehouse) key.
func (s *Service) GetByKey(ctx context.Context, key Key) (Inventory, error) {
	return s.repo.GetByKey(ctx, key)
}

// List returns a page of records.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Inventory, shared.Pagination, error) {
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := s.repo.List(ctx, filter, s.now())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Movements returns the movement log of a record in sequence order.
func (s *Service) Movements(ctx context.Context, id int64) ([]Movement, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Movements(ctx, id)
}

// Reservations returns reservations of a record, optionally by status.
func (s *Service) Reservations(ctx context.Context, id int64, status ReservationStatus) ([]Reservation, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Reservations(ctx, id, status)
}

// Trace assembles the traceability chain of a record.
func (s *Service) Trace(ctx context.Context, id int64) (TraceReport, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return TraceReport{}, err
	}
	movements, err := s.repo.Movements(ctx, id)
	if err != nil {
		return TraceReport{}, err
	}
	report := TraceReport{
		Inventory:    inv,
		History:      inv.History,
		Receipts:     append([]ReceiptOrigin{}, inv.History.Receipts...),
		Transfers:    []Movement{},
		Utilizations: append([]Utilization{}, inv.History.Utilizations...),
	}
	for _, mv := range movements {
		if mv.Type == MovementTransfer && mv.TransferID != uuid.Nil {
			report.Transfers = append(report.Transfers, mv)
		}
	}
	if inv.History.TransferredFrom != 0 {
		origin, err := s.repo.Get(ctx, inv.History.TransferredFrom)
		if err != nil {
			return TraceReport{}, err
		}
		report.Origin = &origin
	}
	return report, nil
}

const expireBatch = 500

// ExpireReservations releases every active reservation whose expiry is not
// after now. It returns how many were expired; individual failures are
// joined into the error.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ExpiredReservations(ctx, now, expireBatch)
	if err != nil {
		return 0, err
	}
	var (
		expired int
		errs    []error
	)
	for _, res := range due {
		_, err := s.mutateAt(ctx, res.InventoryID, "expire_reservation", Command{}, now, func(ctx context.Context, tx TxRepository, inv Inventory, meta Meta) (Mutation, error) {
			locked, err := tx.GetReservationForUpdate(ctx, res.ID)
			if err != nil {
				return Mutation{}, err
			}
			return ExpireReservation(inv, locked, meta)
		})
		if err != nil {
			if errors.Is(err, shared.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("reservation %d: %w", res.ID, err))
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

type step func(ctx context.Context, tx TxRepository, inv Inventory, meta Meta) (Mutation, error)

func (s *Service) mutate(ctx context.Context, id int64, op string, cmd Command, fn step) (Mutation, error) {
	return s.mutateAt(ctx, id, op, cmd, s.now(), fn)
}

func (s *Service) mutateAt(ctx context.Context, id int64, op string, cmd Command, at time.Time, fn step) (Mutation, error) {
	var (
		before Inventory
		out    Mutation
	)
	meta := cmd.meta(at)
	err := s.once(ctx, cmd.IdempotencyKey, "inventory."+op, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			m, err := fn(ctx, tx, current, meta)
			if err != nil {
				return err
			}
			persisted, err := persist(ctx, tx, current, m)
			if err != nil {
				return err
			}
			before, out = current, persisted
			return nil
		})
	})
	if err != nil {
		return Mutation{}, err
	}
	s.committed(ctx, op, before, out)
	return out, nil
}

// persist writes the next state and the entries of m. The version check in
// Update rejects writes that raced with another transaction.
func persist(ctx context.Context, tx TxRepository, current Inventory, m Mutation) (Mutation, error) {
	m.Next.Version = current.Version + 1
	if err := tx.Update(ctx, m.Next); err != nil {
		return Mutation{}, err
	}
	if m.Movement != nil {
		mv, err := tx.AppendMovement(ctx, *m.Movement)
		if err != nil {
			return Mutation{}, err
		}
		m.Movement = &mv
	}
	if m.Reservation != nil {
		res := *m.Reservation
		if res.ID == 0 {
			id, err := tx.CreateReservation(ctx, res)
			if err != nil {
				return Mutation{}, err
			}
			res.ID = id
		} else if err := tx.UpdateReservation(ctx, res); err != nil {
			return Mutation{}, err
		}
		m.Reservation = &res
	}
	return m, nil
}

// once runs fn under a client idempotency key. The key is removed again when
// fn fails so the client may retry.
func (s *Service) once(ctx context.Context, key, module string, fn func() error) error {
	if key == "" || s.idempotency == nil {
		return fn()
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, module); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if derr := s.idempotency.Delete(ctx, key, module); derr != nil {
			s.logger.Error("release idempotency key", slog.String("module", module), slog.Any("error", derr))
		}
		return err
	}
	return nil
}

type stockState struct {
	CurrentStock   decimal.Decimal `json:"current_stock"`
	ReservedStock  decimal.Decimal `json:"reserved_stock"`
	AvailableStock decimal.Decimal `json:"available_stock"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	IsActive       bool            `json:"is_active"`
	Version        int64           `json:"version"`
}

func snapshot(inv Inventory) stockState {
	return stockState{
		CurrentStock:   inv.CurrentStock,
		ReservedStock:  inv.ReservedStock,
		AvailableStock: inv.AvailableStock(),
		UnitCost:       inv.UnitCost,
		IsActive:       inv.IsActive,
		Version:        inv.Version,
	}
}

func (s *Service) committed(ctx context.Context, op string, before Inventory, out Mutation) {
	if out.Movement != nil && s.metrics != nil {
		s.metrics.ObserveMovement(string(out.Movement.Type))
	}
	s.logger.Info("inventory "+op,
		slog.Int64("inventory_id", out.Next.ID),
		slog.String("current_stock", out.Next.CurrentStock.String()),
		slog.String("reserved_stock", out.Next.ReservedStock.String()))
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:    out.Next.UpdatedBy,
		Action:     op,
		Resource:   "inventory",
		ResourceID: strconv.FormatInt(out.Next.ID, 10),
		Before:     snapshot(before),
		After:      snapshot(out.Next),
		At:         s.now(),
	}); err != nil {
		s.logger.Error("record inventory audit", slog.Int64("inventory_id", out.Next.ID), slog.Any("error", err))
	}
}
