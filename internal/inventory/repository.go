package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a row-locking transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithRowLockTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const selectInventory = `SELECT id, product_id, batch_no, warehouse_id, expiry_date, current_stock, reserved_stock, unit_cost,
       minimum_stock, maximum_stock, reorder_level, zone, rack, shelf, bin, history, is_active, deleted_at,
       COALESCE(deleted_by, 0), version, created_by, updated_by, created_at, updated_at
FROM inventories`

func scanInventory(row pgx.Row) (Inventory, error) {
	var (
		inv       Inventory
		expiry    pgtype.Date
		deletedAt pgtype.Timestamptz
		history   []byte
	)
	err := row.Scan(&inv.ID, &inv.ProductID, &inv.BatchNo, &inv.WarehouseID, &expiry, &inv.CurrentStock, &inv.ReservedStock,
		&inv.UnitCost, &inv.MinimumStock, &inv.MaximumStock, &inv.ReorderLevel, &inv.Location.Zone, &inv.Location.Rack,
		&inv.Location.Shelf, &inv.Location.Bin, &history, &inv.IsActive, &deletedAt, &inv.DeletedBy, &inv.Version,
		&inv.CreatedBy, &inv.UpdatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Inventory{}, err
	}
	if err := json.Unmarshal(history, &inv.History); err != nil {
		return Inventory{}, fmt.Errorf("inventory: decode history of %d: %w", inv.ID, err)
	}
	inv.ExpiryDate = db.DatePtr(expiry)
	inv.DeletedAt = db.TimePtr(deletedAt)
	return inv, nil
}

func getInventory(ctx context.Context, q db.Querier, where string, lock bool, args ...any) (Inventory, error) {
	sql := selectInventory + ` WHERE ` + where
	if lock {
		sql += ` FOR UPDATE`
	}
	inv, err := scanInventory(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Inventory{}, fmt.Errorf("%w: inventory %v", shared.ErrNotFound, args)
		}
		return Inventory{}, err
	}
	return inv, nil
}

const byKey = `product_id = $1 AND batch_no = $2 AND warehouse_id = $3`

// Get returns one record.
func (r *Repository) Get(ctx context.Context, id int64) (Inventory, error) {
	return getInventory(ctx, r.pool, `id = $1`, false, id)
}

// GetByKey returns the record of a natural key.
func (r *Repository) GetByKey(ctx context.Context, key Key) (Inventory, error) {
	return getInventory(ctx, r.pool, byKey, false, key.ProductID, key.BatchNo, key.WarehouseID)
}

const stockStatusExpr = `CASE
    WHEN expiry_date IS NOT NULL AND expiry_date < $%[1]d::date THEN 'expired'
    WHEN current_stock <= 0 THEN 'out_of_stock'
    WHEN current_stock <= reorder_level THEN 'low_stock'
    WHEN maximum_stock > 0 AND current_stock > maximum_stock THEN 'overstock'
    ELSE 'in_stock' END`

// List returns the filtered page and the total row count.
func (r *Repository) List(ctx context.Context, filter ListFilter, now time.Time) ([]Inventory, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !filter.IncludeInactive {
		where = append(where, "is_active")
	}
	if filter.WarehouseID > 0 {
		add("warehouse_id = $%d", filter.WarehouseID)
	}
	if filter.ProductID > 0 {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.BatchNo != "" {
		add("batch_no = $%d", filter.BatchNo)
	}
	if filter.StockStatus != "" {
		args = append(args, now)
		where = append(where, fmt.Sprintf(stockStatusExpr, len(args))+fmt.Sprintf(" = $%d", len(args)+1))
		args = append(args, string(filter.StockStatus))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventories`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.PerPage, shared.Offset(filter.Page, filter.PerPage))
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`%s%s ORDER BY id LIMIT $%d OFFSET $%d`, selectInventory, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Inventory, error) {
		return scanInventory(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

const selectMovement = `SELECT id, inventory_id, seq, movement_type, change, balance_after, COALESCE(from_warehouse_id, 0),
       COALESCE(to_warehouse_id, 0), from_location, to_location, actor_id, reference_type, reference_id,
       COALESCE(reference_key, ''), transfer_id, remarks, created_at
FROM stock_movements`

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		mv         Movement
		transferID pgtype.UUID
	)
	err := row.Scan(&mv.ID, &mv.InventoryID, &mv.Seq, &mv.Type, &mv.Change, &mv.BalanceAfter, &mv.FromWarehouseID,
		&mv.ToWarehouseID, &mv.FromLocation, &mv.ToLocation, &mv.ActorID, &mv.ReferenceType, &mv.ReferenceID,
		&mv.ReferenceKey, &transferID, &mv.Remarks, &mv.CreatedAt)
	if err != nil {
		return Movement{}, err
	}
	if transferID.Valid {
		mv.TransferID = uuid.UUID(transferID.Bytes)
	}
	return mv, nil
}

// Movements returns the log of a record ordered by sequence.
func (r *Repository) Movements(ctx context.Context, inventoryID int64) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, selectMovement+` WHERE inventory_id = $1 ORDER BY seq`, inventoryID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Movement, error) {
		return scanMovement(row)
	})
}

const selectReservation = `SELECT id, inventory_id, reserved_qty, status, reference_type, reference_id, expires_at, reserved_by,
       COALESCE(resolved_by, 0), resolved_at, created_at
FROM stock_reservations`

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		res                   Reservation
		expiresAt, resolvedAt pgtype.Timestamptz
	)
	err := row.Scan(&res.ID, &res.InventoryID, &res.ReservedQty, &res.Status, &res.ReferenceType, &res.ReferenceID,
		&expiresAt, &res.ReservedBy, &res.ResolvedBy, &resolvedAt, &res.CreatedAt)
	if err != nil {
		return Reservation{}, err
	}
	res.ExpiresAt = db.TimePtr(expiresAt)
	res.ResolvedAt = db.TimePtr(resolvedAt)
	return res, nil
}

func collectReservations(rows pgx.Rows, err error) ([]Reservation, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reservation, error) {
		return scanReservation(row)
	})
}

// Reservations lists reservations of a record, all statuses when status is empty.
func (r *Repository) Reservations(ctx context.Context, inventoryID int64, status ReservationStatus) ([]Reservation, error) {
	if status == "" {
		return collectReservations(r.pool.Query(ctx, selectReservation+` WHERE inventory_id = $1 ORDER BY id`, inventoryID))
	}
	return collectReservations(r.pool.Query(ctx, selectReservation+` WHERE inventory_id = $1 AND status = $2 ORDER BY id`,
		inventoryID, string(status)))
}

// ExpiredReservations lists active reservations due at now, oldest first.
func (r *Repository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	return collectReservations(r.pool.Query(ctx, selectReservation+`
WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at, id LIMIT $2`, now, limit))
}

func (t *txRepo) Create(ctx context.Context, inv Inventory) (int64, error) {
	history, err := json.Marshal(inv.History)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO inventories
(product_id, batch_no, warehouse_id, expiry_date, current_stock, reserved_stock, unit_cost, minimum_stock, maximum_stock,
 reorder_level, zone, rack, shelf, bin, history, is_active, version, created_by, updated_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
RETURNING id`,
		inv.ProductID, inv.BatchNo, inv.WarehouseID, db.DateArg(inv.ExpiryDate), inv.CurrentStock, inv.ReservedStock,
		inv.UnitCost, inv.MinimumStock, inv.MaximumStock, inv.ReorderLevel, inv.Location.Zone, inv.Location.Rack,
		inv.Location.Shelf, inv.Location.Bin, history, inv.IsActive, inv.Version, inv.CreatedBy, inv.UpdatedBy,
		inv.CreatedAt, inv.UpdatedAt).Scan(&id)
	if err != nil && shared.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: inventory for product %d batch %s warehouse %d already exists",
			shared.ErrConflict, inv.ProductID, inv.BatchNo, inv.WarehouseID)
	}
	return id, err
}

func (t *txRepo) Get(ctx context.Context, id int64) (Inventory, error) {
	return getInventory(ctx, t.tx, `id = $1`, false, id)
}

func (t *txRepo) GetByKey(ctx context.Context, key Key) (Inventory, error) {
	return getInventory(ctx, t.tx, byKey, false, key.ProductID, key.BatchNo, key.WarehouseID)
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Inventory, error) {
	return getInventory(ctx, t.tx, `id = $1`, true, id)
}

func (t *txRepo) GetByKeyForUpdate(ctx context.Context, key Key) (Inventory, error) {
	return getInventory(ctx, t.tx, byKey, true, key.ProductID, key.BatchNo, key.WarehouseID)
}

func (t *txRepo) Update(ctx context.Context, inv Inventory) error {
	history, err := json.Marshal(inv.History)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE inventories
SET current_stock = $2, reserved_stock = $3, unit_cost = $4, minimum_stock = $5, maximum_stock = $6, reorder_level = $7,
    zone = $8, rack = $9, shelf = $10, bin = $11, history = $12, is_active = $13, deleted_at = $14,
    deleted_by = NULLIF($15::bigint, 0), version = $16, updated_by = $17, updated_at = $18
WHERE id = $1 AND version = $16 - 1`,
		inv.ID, inv.CurrentStock, inv.ReservedStock, inv.UnitCost, inv.MinimumStock, inv.MaximumStock, inv.ReorderLevel,
		inv.Location.Zone, inv.Location.Rack, inv.Location.Shelf, inv.Location.Bin, history, inv.IsActive, inv.DeletedAt,
		inv.DeletedBy, inv.Version, inv.UpdatedBy, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: inventory %d version moved", shared.ErrConflict, inv.ID)
	}
	return nil
}

func nullUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func (t *txRepo) AppendMovement(ctx context.Context, mv Movement) (Movement, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_movements
(inventory_id, seq, movement_type, change, balance_after, from_warehouse_id, to_warehouse_id, from_location, to_location,
 actor_id, reference_type, reference_id, reference_key, transfer_id, remarks, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, NULLIF($5::bigint, 0), NULLIF($6::bigint, 0), $7, $8, $9, $10, $11, $12, $13, $14, $15
FROM stock_movements WHERE inventory_id = $1
RETURNING id, seq`,
		mv.InventoryID, string(mv.Type), mv.Change, mv.BalanceAfter, mv.FromWarehouseID, mv.ToWarehouseID, mv.FromLocation,
		mv.ToLocation, mv.ActorID, mv.ReferenceType, mv.ReferenceID, nullText(mv.ReferenceKey), nullUUID(mv.TransferID),
		mv.Remarks, mv.CreatedAt).Scan(&mv.ID, &mv.Seq)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Movement{}, fmt.Errorf("%w: movement reference %q already posted", shared.ErrConflict, mv.ReferenceKey)
		}
		return Movement{}, err
	}
	return mv, nil
}

func (t *txRepo) FindMovementByReference(ctx context.Context, referenceKey string) (Movement, bool, error) {
	mv, err := scanMovement(t.tx.QueryRow(ctx, selectMovement+` WHERE reference_key = $1`, referenceKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, false, nil
		}
		return Movement{}, false, err
	}
	return mv, true, nil
}

func (t *txRepo) CreateReservation(ctx context.Context, res Reservation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_reservations
(inventory_id, reserved_qty, status, reference_type, reference_id, expires_at, reserved_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		res.InventoryID, res.ReservedQty, string(res.Status), res.ReferenceType, res.ReferenceID, res.ExpiresAt,
		res.ReservedBy, res.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) GetReservationForUpdate(ctx context.Context, id int64) (Reservation, error) {
	res, err := scanReservation(t.tx.QueryRow(ctx, selectReservation+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, fmt.Errorf("%w: reservation %d", shared.ErrNotFound, id)
		}
		return Reservation{}, err
	}
	return res, nil
}

func (t *txRepo) UpdateReservation(ctx context.Context, res Reservation) error {
	tag, err := t.tx.Exec(ctx, `UPDATE stock_reservations
SET status = $2, resolved_by = NULLIF($3::bigint, 0), resolved_at = $4
WHERE id = $1 AND status = 'active'`, res.ID, string(res.Status), res.ResolvedBy, res.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reservation %d is no longer active", shared.ErrConflict, res.ID)
	}
	return nil
}
