package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmadist/pharmadist/internal/platform/db"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Repository persists warehouse approvals in Postgres with product lines as
// one JSONB document.
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

// WithTx runs fn inside a row-locking transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithRowLockTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const selectApproval = `SELECT id, approval_number, quality_control_id, invoice_receiving_id, po_id, warehouse_id, status, products, remarks,
       COALESCE(submitted_by, 0), submitted_at, COALESCE(approved_by, 0), approved_at, COALESCE(rejected_by, 0), rejected_at,
       rejection_reason, inventory_posted, version, created_by, created_at, updated_at
FROM warehouse_approvals`

func scanApproval(row pgx.Row) (WarehouseApproval, error) {
	var (
		wa                                  WarehouseApproval
		products                            []byte
		submittedAt, approvedAt, rejectedAt pgtype.Timestamptz
	)
	err := row.Scan(&wa.ID, &wa.Number, &wa.QualityControlID, &wa.InvoiceReceivingID, &wa.PurchaseOrderID, &wa.WarehouseID,
		&wa.Status, &products, &wa.Remarks, &wa.SubmittedBy, &submittedAt, &wa.ApprovedBy, &approvedAt, &wa.RejectedBy,
		&rejectedAt, &wa.RejectionReason, &wa.InventoryPosted, &wa.Version, &wa.CreatedBy, &wa.CreatedAt, &wa.UpdatedAt)
	if err != nil {
		return WarehouseApproval{}, err
	}
	if err := json.Unmarshal(products, &wa.Products); err != nil {
		return WarehouseApproval{}, fmt.Errorf("warehouse: decode products of %d: %w", wa.ID, err)
	}
	wa.SubmittedAt = db.TimePtr(submittedAt)
	wa.ApprovedAt = db.TimePtr(approvedAt)
	wa.RejectedAt = db.TimePtr(rejectedAt)
	return wa, nil
}

func getApproval(ctx context.Context, q db.Querier, id int64, lock bool) (WarehouseApproval, error) {
	sql := selectApproval + ` WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	wa, err := scanApproval(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WarehouseApproval{}, fmt.Errorf("%w: warehouse approval %d", shared.ErrNotFound, id)
		}
		return WarehouseApproval{}, err
	}
	return wa, nil
}

// Get returns one approval.
func (r *Repository) Get(ctx context.Context, id int64) (WarehouseApproval, error) {
	return getApproval(ctx, r.pool, id, false)
}

// List returns the filtered page and the total row count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]WarehouseApproval, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.WarehouseID > 0 {
		add("warehouse_id = $%d", filter.WarehouseID)
	}
	if filter.QualityControlID > 0 {
		add("quality_control_id = $%d", filter.QualityControlID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM warehouse_approvals`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.PerPage, shared.Offset(filter.Page, filter.PerPage))
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`%s%s ORDER BY id DESC LIMIT $%d OFFSET $%d`, selectApproval, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (WarehouseApproval, error) {
		return scanApproval(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListUnposted returns approved records whose inventory posting is
// outstanding, oldest first.
func (r *Repository) ListUnposted(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM warehouse_approvals
WHERE status = 'approved' AND NOT inventory_posted
ORDER BY approved_at, id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// MarkInventoryPosted clears the outbox flag of an approved record.
func (r *Repository) MarkInventoryPosted(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE warehouse_approvals
SET inventory_posted = TRUE, updated_at = $2
WHERE id = $1 AND status = 'approved'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: warehouse approval %d is not approved", shared.ErrConflict, id)
	}
	return nil
}

func (t *txRepo) Create(ctx context.Context, wa WarehouseApproval) (int64, error) {
	products, err := json.Marshal(wa.Products)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO warehouse_approvals
(approval_number, quality_control_id, invoice_receiving_id, po_id, warehouse_id, status, products, remarks, version, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		wa.Number, wa.QualityControlID, wa.InvoiceReceivingID, wa.PurchaseOrderID, wa.WarehouseID, string(wa.Status),
		products, wa.Remarks, wa.Version, wa.CreatedBy, wa.CreatedAt, wa.UpdatedAt).Scan(&id)
	if err != nil && shared.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: quality control %d already has a warehouse approval", shared.ErrConflict, wa.QualityControlID)
	}
	return id, err
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (WarehouseApproval, error) {
	return getApproval(ctx, t.tx, id, true)
}

func (t *txRepo) Update(ctx context.Context, wa WarehouseApproval) error {
	products, err := json.Marshal(wa.Products)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE warehouse_approvals
SET status = $2, products = $3, remarks = $4,
    submitted_by = NULLIF($5::bigint, 0), submitted_at = $6, approved_by = NULLIF($7::bigint, 0), approved_at = $8,
    rejected_by = NULLIF($9::bigint, 0), rejected_at = $10, rejection_reason = $11, inventory_posted = $12,
    version = $13, updated_at = $14
WHERE id = $1 AND version = $13 - 1`,
		wa.ID, string(wa.Status), products, wa.Remarks,
		wa.SubmittedBy, wa.SubmittedAt, wa.ApprovedBy, wa.ApprovedAt,
		wa.RejectedBy, wa.RejectedAt, wa.RejectionReason, wa.InventoryPosted, wa.Version, wa.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: warehouse approval %d version moved", shared.ErrConflict, wa.ID)
	}
	return nil
}
